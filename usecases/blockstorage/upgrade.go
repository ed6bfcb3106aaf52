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
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/blocknode/entities/diskio"
	"github.com/weaviate/blocknode/entities/errorcompounder"
	enterrors "github.com/weaviate/blocknode/entities/errors"
	"github.com/weaviate/blocknode/entities/storageinfo"
)

// doUpgrade moves each marked directory's 'current' into a staging snapshot
// and rebuilds a fresh 'current' from it via hard links, one worker per
// directory. Every worker is joined unconditionally before errors are folded,
// so sibling directories always get the chance to complete or fail on their
// own. Version records are written and the staging snapshot is promoted to
// 'previous' only after every worker succeeded.
func (ds *DataStorage) doUpgrade(dirs []*StorageDirectory,
	dirsInfo []storageinfo.StorageInfo, nsInfo *storageinfo.NamespaceDescriptor,
	results *transitionResults,
) error {
	errs := make([]error, len(dirs))
	wg := &sync.WaitGroup{}
	for i, sd := range dirs {
		i, sd, si := i, sd, dirsInfo[i]
		// Pre-set a sentinel so a panicking worker is still counted as failed
		// after GoWrapper recovers it.
		errs[i] = errors.Errorf("upgrade of %q did not complete", sd.Root())
		wg.Add(1)
		enterrors.GoWrapper(func() {
			defer wg.Done()
			errs[i] = ds.upgradeDir(sd, si, nsInfo)
		}, ds.logger)
	}
	wg.Wait()

	ec := errorcompounder.New()
	for i, err := range errs {
		if err != nil {
			results.set(dirs[i].Root(), storageinfo.TransitionFailed)
		}
		ec.AddWrapf(err, "upgrade %q", dirs[i].Root())
	}
	if !ec.Empty() {
		return errors.Wrap(ec.ToError(), "storage upgrade failed")
	}

	// All workers succeeded: commit the new state.
	ds.info.LayoutVersion = storageinfo.CurrentLayoutVersion
	ds.info.NamespaceID = nsInfo.NamespaceID
	ds.info.CTime = nsInfo.CTime

	for _, sd := range dirs {
		si := ds.info
		si.StorageID = ds.storageID
		if err := writeVersionFile(sd.VersionFile(), si); err != nil {
			return err
		}
		if err := rename(sd.PreviousTmp(), sd.PreviousDir()); err != nil {
			return err
		}
		results.set(sd.Root(), storageinfo.TransitionUpgraded)
		ds.metrics.TransitionCompleted("upgrade")
		ds.logger.WithFields(logrus.Fields{
			"action": "storage_upgrade",
			"path":   sd.Root(),
		}).Info("upgrade of storage directory is complete")
	}
	return nil
}

// upgradeDir is one worker: it migrates a single storage root and leaves it
// in the 'previous.tmp' intermediate state. A crash after this point is
// resumed by the prober's recovery on next start; the coordinator commits
// the final renames only once all siblings succeeded.
func (ds *DataStorage) upgradeDir(sd *StorageDirectory,
	oldInfo storageinfo.StorageInfo, nsInfo *storageinfo.NamespaceDescriptor,
) error {
	nsDirNames, err := namespaceDirNames(sd.CurrentDir())
	if err != nil {
		return err
	}

	upgraded, err := namespaceSnapshotExists(sd.CurrentDir(), nsDirNames)
	if err != nil {
		return err
	}
	if upgraded {
		// Global and per-namespace snapshots cannot coexist.
		return errors.Errorf(
			"local namespace snapshot exists in %q, please either finalize or roll back first",
			sd.Root())
	}

	ds.logger.WithFields(logrus.Fields{
		"action":    "storage_upgrade",
		"path":      sd.Root(),
		"old_state": oldInfo.String(),
		"new_state": nsInfo.String(),
	}).Info("upgrading storage directory")

	if err := os.RemoveAll(sd.PreviousDir()); err != nil {
		return errors.Wrapf(err, "remove leftover previous dir in %q", sd.Root())
	}

	if err := rename(sd.CurrentDir(), sd.PreviousTmp()); err != nil {
		return err
	}

	stats := &LinkStats{}
	if oldInfo.PreFederation() {
		err = ds.upgradePreFederation(sd, oldInfo, nsInfo, stats)
	} else {
		err = ds.upgradeFederation(sd, oldInfo, nsDirNames, stats)
	}
	if err != nil {
		return err
	}

	ds.metrics.ObserveLinkStats(stats.SingleLinks+stats.FilesMultLinks,
		stats.PhysicalCopies, stats.Dirs)
	ds.logger.WithFields(logrus.Fields{
		"action": "storage_upgrade",
		"path":   sd.Root(),
		"stats":  stats.Report(),
	}).Info("completed migrating storage directory")
	return nil
}

// upgradePreFederation migrates a pre-federation tree: the whole block
// population moves into a freshly formatted namespace slice under the new
// 'current'.
func (ds *DataStorage) upgradePreFederation(sd *StorageDirectory,
	oldInfo storageinfo.StorageInfo, nsInfo *storageinfo.NamespaceDescriptor,
	stats *LinkStats,
) error {
	slice := NewNamespaceSliceStorage(nsInfo.NamespaceID, nsInfo.CTime, ds.logger, ds.metrics)
	sliceCurrent, err := slice.Format(sd.CurrentDir())
	if err != nil {
		return err
	}
	return linkBlocks(sd.PreviousTmp(), sliceCurrent, oldInfo.LayoutVersion, stats, false)
}

// upgradeFederation migrates an already namespace-sliced tree: the top
// directory and each slice's 'current' are mirrored with potential filename
// remapping, and each slice's version record is copied byte for byte.
func (ds *DataStorage) upgradeFederation(sd *StorageDirectory,
	oldInfo storageinfo.StorageInfo, nsDirNames []string, stats *LinkStats,
) error {
	if err := linkBlocks(sd.PreviousTmp(), sd.CurrentDir(),
		oldInfo.LayoutVersion, stats, true); err != nil {
		return err
	}

	for _, name := range nsDirNames {
		from := filepath.Join(sd.PreviousTmp(), name, storageDirCurrent)
		to := filepath.Join(sd.CurrentDir(), name, storageDirCurrent)
		if err := linkBlocks(from, to, oldInfo.LayoutVersion, stats, true); err != nil {
			return err
		}

		version := filepath.Join(from, storageFileVersion)
		exists, err := diskio.FileExists(version)
		if err != nil {
			return err
		}
		if exists {
			if err := linkBlocks(version, filepath.Join(to, storageFileVersion),
				oldInfo.LayoutVersion, stats, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// namespaceDirNames lists the namespace slice directories under a 'current'
// tree. A missing tree yields none.
func namespaceDirNames(currentDir string) ([]string, error) {
	entries, err := os.ReadDir(currentDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read current dir %q", currentDir)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), nsDirPrefix) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func namespaceSnapshotExists(currentDir string, nsDirNames []string) (bool, error) {
	for _, name := range nsDirNames {
		exists, err := diskio.DirExists(filepath.Join(currentDir, name, storageDirPrevious))
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}
