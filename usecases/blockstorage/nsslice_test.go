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
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/blocknode/entities/storageinfo"
)

// initializedDataStorage formats the given roots and returns a ready node.
func initializedDataStorage(t *testing.T, ns *storageinfo.NamespaceDescriptor,
	roots ...string,
) *DataStorage {
	t.Helper()
	ds := testDataStorage(t)
	_, err := ds.RecoverTransition(context.Background(), ns, roots,
		storageinfo.StartupRegular)
	require.NoError(t, err)
	return ds
}

func writeSliceVersion(t *testing.T, nodeCurrentDir string, si storageinfo.StorageInfo) string {
	t.Helper()
	sliceCurrent := filepath.Join(NamespaceSliceRoot(si.NamespaceID, nodeCurrentDir),
		storageDirCurrent)
	require.NoError(t, os.MkdirAll(sliceCurrent, os.ModePerm))
	require.NoError(t, writeVersionFile(
		filepath.Join(sliceCurrent, storageFileVersion), si))
	return sliceCurrent
}

func TestNamespaceSliceRoot(t *testing.T) {
	assert.Equal(t, filepath.Join("data", "current", "NS-42"),
		NamespaceSliceRoot(42, filepath.Join("data", "current")))
}

func TestRecoverNamespaceTransitionRequiresInitializedNode(t *testing.T) {
	ds := testDataStorage(t)
	_, err := ds.RecoverNamespaceTransition(context.Background(), 7,
		descriptor(7, 100), storageinfo.StartupRegular)
	assert.ErrorContains(t, err, "must be recovered before")
}

func TestRecoverNamespaceTransitionFormatsSlices(t *testing.T) {
	roots := []string{t.TempDir(), t.TempDir()}
	ds := initializedDataStorage(t, descriptor(7, 100), roots...)

	results, err := ds.RecoverNamespaceTransition(context.Background(), 7,
		descriptor(7, 100), storageinfo.StartupRegular)
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, root := range roots {
		sliceRoot := NamespaceSliceRoot(7, filepath.Join(root, storageDirCurrent))
		assert.Equal(t, storageinfo.TransitionFormatted, results[sliceRoot])

		si, err := readVersionFile(
			filepath.Join(sliceRoot, storageDirCurrent, storageFileVersion))
		require.NoError(t, err)
		assert.Equal(t, storageinfo.StorageTypeNamespaceSlice, si.StorageType)
		assert.Equal(t, storageinfo.CurrentLayoutVersion, si.LayoutVersion)
		assert.Equal(t, 7, si.NamespaceID)
		assert.Equal(t, int64(100), si.CTime)
	}

	t.Run("attaching twice is a no-op", func(t *testing.T) {
		results, err := ds.RecoverNamespaceTransition(context.Background(), 7,
			descriptor(7, 100), storageinfo.StartupRegular)
		require.NoError(t, err)
		assert.Nil(t, results)
	})

	t.Run("lookup and detach", func(t *testing.T) {
		slice := ds.NamespaceSlice(7)
		require.NotNil(t, slice)
		assert.Equal(t, 7, slice.NamespaceID())

		require.NoError(t, ds.DetachNamespace(7))
		assert.Nil(t, ds.NamespaceSlice(7))
		require.NoError(t, ds.DetachNamespace(7), "detaching twice is a no-op")
	})
}

func TestRecoverNamespaceTransitionUpgradesOnNewerCTime(t *testing.T) {
	root := t.TempDir()
	ds := initializedDataStorage(t, descriptor(7, 100), root)

	nodeCurrent := filepath.Join(root, storageDirCurrent)
	sliceCurrent := writeSliceVersion(t, nodeCurrent, storageinfo.StorageInfo{
		StorageType:   storageinfo.StorageTypeNamespaceSlice,
		LayoutVersion: storageinfo.CurrentLayoutVersion,
		NamespaceID:   7,
		CTime:         40,
	})
	writeFiles(t, sliceCurrent, "blk_1")

	results, err := ds.RecoverNamespaceTransition(context.Background(), 7,
		descriptor(7, 100), storageinfo.StartupRegular)
	require.NoError(t, err)

	sliceRoot := NamespaceSliceRoot(7, nodeCurrent)
	require.Equal(t, storageinfo.TransitionUpgraded, results[sliceRoot])

	t.Run("slice record moves to the namespace ctime", func(t *testing.T) {
		si, err := readVersionFile(filepath.Join(sliceCurrent, storageFileVersion))
		require.NoError(t, err)
		assert.Equal(t, int64(100), si.CTime)
	})

	t.Run("snapshot is retained with the old record", func(t *testing.T) {
		prev := filepath.Join(sliceRoot, storageDirPrevious)
		si, err := readVersionFile(filepath.Join(prev, storageFileVersion))
		require.NoError(t, err)
		assert.Equal(t, int64(40), si.CTime)

		src, err := os.Stat(filepath.Join(prev, "blk_1"))
		require.NoError(t, err)
		dst, err := os.Stat(filepath.Join(sliceCurrent, "blk_1"))
		require.NoError(t, err)
		assert.True(t, os.SameFile(src, dst))
	})

	t.Run("finalize discards the slice snapshot", func(t *testing.T) {
		require.NoError(t, ds.FinalizeNamespaceUpgrade(7))
		require.Eventually(t, func() bool {
			_, perr := os.Stat(filepath.Join(sliceRoot, storageDirPrevious))
			_, terr := os.Stat(filepath.Join(sliceRoot, storageTmpFinalized))
			return os.IsNotExist(perr) && os.IsNotExist(terr)
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestRecoverNamespaceTransitionMatchingStateIsRegular(t *testing.T) {
	root := t.TempDir()
	ds := initializedDataStorage(t, descriptor(7, 100), root)

	writeSliceVersion(t, filepath.Join(root, storageDirCurrent), storageinfo.StorageInfo{
		StorageType:   storageinfo.StorageTypeNamespaceSlice,
		LayoutVersion: storageinfo.CurrentLayoutVersion,
		NamespaceID:   7,
		CTime:         100,
	})

	results, err := ds.RecoverNamespaceTransition(context.Background(), 7,
		descriptor(7, 100), storageinfo.StartupRegular)
	require.NoError(t, err)

	sliceRoot := NamespaceSliceRoot(7, filepath.Join(root, storageDirCurrent))
	assert.Equal(t, storageinfo.TransitionUnchanged, results[sliceRoot])
	_, serr := os.Stat(filepath.Join(sliceRoot, storageDirPrevious))
	assert.True(t, os.IsNotExist(serr))
}

func TestRecoverNamespaceTransitionRejectsForeignSlice(t *testing.T) {
	root := t.TempDir()
	ds := initializedDataStorage(t, descriptor(7, 100), root)

	// a slice recorded for namespace 8 sitting in namespace 7's slice root
	sliceCurrent := filepath.Join(
		NamespaceSliceRoot(7, filepath.Join(root, storageDirCurrent)), storageDirCurrent)
	require.NoError(t, os.MkdirAll(sliceCurrent, os.ModePerm))
	require.NoError(t, writeVersionFile(filepath.Join(sliceCurrent, storageFileVersion),
		storageinfo.StorageInfo{
			StorageType:   storageinfo.StorageTypeNamespaceSlice,
			LayoutVersion: storageinfo.CurrentLayoutVersion,
			NamespaceID:   8,
			CTime:         100,
		}))

	_, err := ds.RecoverNamespaceTransition(context.Background(), 7,
		descriptor(7, 100), storageinfo.StartupRegular)
	assert.ErrorContains(t, err, "incompatible namespace IDs")
	assert.Nil(t, ds.NamespaceSlice(7), "a failed attach must not register the slice")
}

func TestRecoverNamespaceTransitionRejectsNewerSlice(t *testing.T) {
	root := t.TempDir()
	ds := initializedDataStorage(t, descriptor(7, 100), root)

	writeSliceVersion(t, filepath.Join(root, storageDirCurrent), storageinfo.StorageInfo{
		StorageType:   storageinfo.StorageTypeNamespaceSlice,
		LayoutVersion: storageinfo.CurrentLayoutVersion,
		NamespaceID:   7,
		CTime:         200,
	})

	_, err := ds.RecoverNamespaceTransition(context.Background(), 7,
		descriptor(7, 100), storageinfo.StartupRegular)
	assert.ErrorContains(t, err, "newer than the namespace state")
}

func TestRecoverNamespaceTransitionRejectsFutureLayout(t *testing.T) {
	root := t.TempDir()
	ds := initializedDataStorage(t, descriptor(7, 100), root)

	writeSliceVersion(t, filepath.Join(root, storageDirCurrent), storageinfo.StorageInfo{
		StorageType:   storageinfo.StorageTypeNamespaceSlice,
		LayoutVersion: storageinfo.CurrentLayoutVersion - 1,
		NamespaceID:   7,
		CTime:         100,
	})

	_, err := ds.RecoverNamespaceTransition(context.Background(), 7,
		descriptor(7, 100), storageinfo.StartupRegular)
	assert.ErrorContains(t, err, "future layout version")
}

func TestFinalizeNamespaceUpgradeNodeSnapshotTakesPrecedence(t *testing.T) {
	root := t.TempDir()
	writeNodeVersion(t, root, storageinfo.StorageInfo{
		StorageType:   storageinfo.StorageTypeDataNode,
		LayoutVersion: storageinfo.CurrentLayoutVersion,
		StorageID:     "DS-x",
	})
	writeFiles(t, filepath.Join(root, storageDirPrevious), "blk_old")

	ds := testDataStorage(t)
	_, err := ds.RecoverTransition(context.Background(), descriptor(7, 0),
		[]string{root}, storageinfo.StartupRegular)
	require.NoError(t, err)

	require.NoError(t, ds.FinalizeNamespaceUpgrade(7))
	require.Eventually(t, func() bool {
		_, perr := os.Stat(filepath.Join(root, storageDirPrevious))
		return os.IsNotExist(perr)
	}, 5*time.Second, 10*time.Millisecond,
		"the node-level snapshot must be finalized while it exists")
}
