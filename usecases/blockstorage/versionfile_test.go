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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/blocknode/entities/storageinfo"
)

func TestVersionFileRoundTrip(t *testing.T) {
	t.Run("federation-era node record", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), storageFileVersion)
		in := storageinfo.StorageInfo{
			StorageType:   storageinfo.StorageTypeDataNode,
			LayoutVersion: storageinfo.CurrentLayoutVersion,
			StorageID:     "DS-test-1",
		}
		require.NoError(t, writeVersionFile(path, in))

		out, err := readVersionFile(path)
		require.NoError(t, err)
		assert.Equal(t, in, out)

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), fieldNamespaceID,
			"federation-era records must not carry a namespace id")
	})

	t.Run("pre-federation node record", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), storageFileVersion)
		in := storageinfo.StorageInfo{
			StorageType:   storageinfo.StorageTypeDataNode,
			LayoutVersion: -30,
			NamespaceID:   42,
			CTime:         1234,
			StorageID:     "DS-test-2",
		}
		require.NoError(t, writeVersionFile(path, in))

		out, err := readVersionFile(path)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("namespace slice record", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), storageFileVersion)
		in := storageinfo.StorageInfo{
			StorageType:   storageinfo.StorageTypeNamespaceSlice,
			LayoutVersion: storageinfo.CurrentLayoutVersion,
			NamespaceID:   7,
			CTime:         99,
		}
		require.NoError(t, writeVersionFile(path, in))

		out, err := readVersionFile(path)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})
}

func TestVersionFileValidation(t *testing.T) {
	write := func(t *testing.T, content string) string {
		path := filepath.Join(t.TempDir(), storageFileVersion)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := readVersionFile(filepath.Join(t.TempDir(), storageFileVersion))
		assert.Error(t, err)
	})

	t.Run("unknown storage type", func(t *testing.T) {
		path := write(t, "storageType=NAME_NODE\nlayoutVersion=-37\nstorageID=x\n")
		_, err := readVersionFile(path)
		assert.ErrorContains(t, err, "unknown storage type")
	})

	t.Run("missing layout version", func(t *testing.T) {
		path := write(t, "storageType=DATA_NODE\nstorageID=x\n")
		_, err := readVersionFile(path)
		assert.ErrorContains(t, err, "layoutVersion")
	})

	t.Run("missing storage id", func(t *testing.T) {
		path := write(t, "storageType=DATA_NODE\nlayoutVersion=-37\n")
		_, err := readVersionFile(path)
		assert.ErrorContains(t, err, "storageID")
	})

	t.Run("pre-federation record requires identity fields", func(t *testing.T) {
		path := write(t, "storageType=DATA_NODE\nlayoutVersion=-30\nstorageID=x\n")
		_, err := readVersionFile(path)
		assert.ErrorContains(t, err, "namespaceID")
	})

	t.Run("malformed line", func(t *testing.T) {
		path := write(t, "storageType=DATA_NODE\nlayoutVersion\n")
		_, err := readVersionFile(path)
		assert.ErrorContains(t, err, "malformed line")
	})

	t.Run("comments and blank lines are ignored", func(t *testing.T) {
		path := write(t, "# generated\n\nstorageType=DATA_NODE\nlayoutVersion=-37\nstorageID=x\n")
		si, err := readVersionFile(path)
		require.NoError(t, err)
		assert.Equal(t, "x", si.StorageID)
	})
}
