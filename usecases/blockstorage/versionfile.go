//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package blockstorage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/weaviate/blocknode/entities/diskio"
	"github.com/weaviate/blocknode/entities/storageinfo"
)

// The version record is a plain key/value text file. Which fields are
// present depends on the record variant: node-level records carry a storage
// id, and additionally namespaceID/cTime only when the layout pre-dates
// federation; namespace-slice records always carry namespaceID/cTime and
// never a storage id.
const (
	fieldStorageType   = "storageType"
	fieldLayoutVersion = "layoutVersion"
	fieldStorageID     = "storageID"
	fieldNamespaceID   = "namespaceID"
	fieldCTime         = "cTime"
)

func readVersionFile(path string) (storageinfo.StorageInfo, error) {
	var si storageinfo.StorageInfo

	raw, err := os.ReadFile(path)
	if err != nil {
		return si, errors.Wrapf(err, "read version file %q", path)
	}

	fields := map[string]string{}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return si, errors.Errorf("version file %q: malformed line %q", path, line)
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	st, ok := fields[fieldStorageType]
	if !ok {
		return si, errors.Errorf("version file %q: missing field %q", path, fieldStorageType)
	}
	switch storageinfo.StorageType(st) {
	case storageinfo.StorageTypeDataNode, storageinfo.StorageTypeNamespaceSlice:
		si.StorageType = storageinfo.StorageType(st)
	default:
		return si, errors.Errorf("version file %q: unknown storage type %q", path, st)
	}

	lv, ok := fields[fieldLayoutVersion]
	if !ok {
		return si, errors.Errorf("version file %q: missing field %q", path, fieldLayoutVersion)
	}
	si.LayoutVersion, err = strconv.Atoi(lv)
	if err != nil {
		return si, errors.Wrapf(err, "version file %q: parse %s", path, fieldLayoutVersion)
	}

	if si.StorageType == storageinfo.StorageTypeDataNode {
		id, ok := fields[fieldStorageID]
		if !ok {
			return si, errors.Errorf("version file %q: missing field %q", path, fieldStorageID)
		}
		si.StorageID = id
	}

	needsIdentity := si.StorageType == storageinfo.StorageTypeNamespaceSlice ||
		si.PreFederation()
	if needsIdentity {
		nsid, ok := fields[fieldNamespaceID]
		if !ok {
			return si, errors.Errorf("version file %q: missing field %q", path, fieldNamespaceID)
		}
		si.NamespaceID, err = strconv.Atoi(nsid)
		if err != nil {
			return si, errors.Wrapf(err, "version file %q: parse %s", path, fieldNamespaceID)
		}

		ct, ok := fields[fieldCTime]
		if !ok {
			return si, errors.Errorf("version file %q: missing field %q", path, fieldCTime)
		}
		si.CTime, err = strconv.ParseInt(ct, 10, 64)
		if err != nil {
			return si, errors.Wrapf(err, "version file %q: parse %s", path, fieldCTime)
		}
	}

	return si, nil
}

// writeVersionFile persists the record through a temp file plus rename so a
// crash mid-write never leaves a truncated VERSION behind.
func writeVersionFile(path string, si storageinfo.StorageInfo) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s=%s\n", fieldStorageType, si.StorageType)
	fmt.Fprintf(&b, "%s=%d\n", fieldLayoutVersion, si.LayoutVersion)

	switch si.StorageType {
	case storageinfo.StorageTypeDataNode:
		fmt.Fprintf(&b, "%s=%s\n", fieldStorageID, si.StorageID)
		if si.PreFederation() {
			fmt.Fprintf(&b, "%s=%d\n", fieldNamespaceID, si.NamespaceID)
			fmt.Fprintf(&b, "%s=%d\n", fieldCTime, si.CTime)
		}
	case storageinfo.StorageTypeNamespaceSlice:
		fmt.Fprintf(&b, "%s=%d\n", fieldNamespaceID, si.NamespaceID)
		fmt.Fprintf(&b, "%s=%d\n", fieldCTime, si.CTime)
	default:
		return errors.Errorf("write version file %q: unknown storage type %q", path, si.StorageType)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return errors.Wrapf(err, "write version file %q", tmp)
	}
	if err := diskio.Fsync(tmp); err != nil {
		return errors.Wrapf(err, "sync version file %q", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "rename version file into place %q", path)
	}
	return diskio.Fsync(filepath.Dir(path))
}
