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
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/weaviate/blocknode/entities/storageinfo"
)

// storageFileLegacy is the marker file of pre-upgrade-aware installations: a
// big-endian int32 layout version followed by free text.
const storageFileLegacy = "storage"

const legacyPoisonMessage = "\nThis storage directory was upgraded to a layout " +
	"this version cannot read.\nPlease upgrade the software.\n"

// conversionNeeded reports whether the root still carries a legacy marker
// with a version recent enough to require an unsupported conversion.
func conversionNeeded(root string) (bool, error) {
	path := filepath.Join(root, storageFileLegacy)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "read legacy storage file %q", path)
	}
	if len(raw) < 4 {
		return false, errors.Errorf("legacy storage file %q is truncated", path)
	}

	var oldVersion int32
	if err := binary.Read(bytes.NewReader(raw[:4]), binary.BigEndian, &oldVersion); err != nil {
		return false, errors.Wrapf(err, "parse legacy storage file %q", path)
	}
	// Versions are negative and descending; anything numerically below the
	// pre-upgrade cutoff already understands the VERSION record.
	if int(oldVersion) < storageinfo.LastPreUpgradeVersion {
		return false, nil
	}
	return true, nil
}

// poisonPreUpgradeMarker writes the current layout version into the legacy
// marker so binaries from before the upgrade-aware era refuse to start
// against this directory. A no-op when the marker already exists.
func poisonPreUpgradeMarker(root string, layoutVersion int) error {
	path := filepath.Join(root, storageFileLegacy)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "stat legacy storage file %q", path)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, int32(layoutVersion)); err != nil {
		return errors.Wrap(err, "encode legacy storage version")
	}
	buf.WriteString(legacyPoisonMessage)

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "write legacy storage file %q", path)
	}
	return nil
}
