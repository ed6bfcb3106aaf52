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
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/blocknode/entities/diskio"
	"github.com/weaviate/blocknode/entities/errorcompounder"
	enterrors "github.com/weaviate/blocknode/entities/errors"
	"github.com/weaviate/blocknode/entities/storageinfo"
	"github.com/weaviate/blocknode/usecases/monitoring"
)

// NamespaceSliceRoot is the directory of one namespace's slice within a
// storage root's 'current' tree.
func NamespaceSliceRoot(namespaceID int, currentDir string) string {
	return filepath.Join(currentDir, fmt.Sprintf("%s%d", nsDirPrefix, namespaceID))
}

// NamespaceSliceStorage manages the slices of one namespace across all
// storage roots of this node. Each slice has its own current/previous pair
// and version record and goes through the same transition protocol as a
// whole root, scoped to the slice subtree and compared at namespace level.
type NamespaceSliceStorage struct {
	namespaceID int
	cTime       int64
	dirs        []*StorageDirectory
	logger      logrus.FieldLogger
	metrics     *monitoring.PrometheusMetrics
}

func NewNamespaceSliceStorage(namespaceID int, cTime int64,
	logger logrus.FieldLogger, metrics *monitoring.PrometheusMetrics,
) *NamespaceSliceStorage {
	return &NamespaceSliceStorage{
		namespaceID: namespaceID,
		cTime:       cTime,
		logger:      logger,
		metrics:     metrics,
	}
}

func (ns *NamespaceSliceStorage) NamespaceID() int { return ns.namespaceID }

// Format creates the slice root under a 'current' tree with an empty current
// subtree and a fresh version record, returning the slice's current path.
func (ns *NamespaceSliceStorage) Format(currentDir string) (string, error) {
	sliceCurrent := filepath.Join(NamespaceSliceRoot(ns.namespaceID, currentDir),
		storageDirCurrent)
	if err := os.MkdirAll(sliceCurrent, os.ModePerm); err != nil {
		return "", errors.Wrapf(err, "create namespace slice dir %q", sliceCurrent)
	}

	si := storageinfo.StorageInfo{
		StorageType:   storageinfo.StorageTypeNamespaceSlice,
		LayoutVersion: storageinfo.CurrentLayoutVersion,
		NamespaceID:   ns.namespaceID,
		CTime:         ns.cTime,
	}
	if err := writeVersionFile(filepath.Join(sliceCurrent, storageFileVersion), si); err != nil {
		return "", err
	}
	return sliceCurrent, nil
}

// RecoverTransition runs the transition protocol over this namespace's slice
// roots, mirroring the node-level coordinator at namespace scope.
func (ns *NamespaceSliceStorage) RecoverTransition(ctx context.Context,
	nsInfo *storageinfo.NamespaceDescriptor, sliceRoots []string,
	opt storageinfo.StartupOption,
) (map[string]storageinfo.TransitionResult, error) {
	results := newTransitionResults()

	ns.dirs = nil
	for _, root := range sliceRoots {
		sd := NewStorageDirectory(root, ns.logger)
		state, err := sd.Analyze(opt)
		if err == nil {
			switch state {
			case StateNonExistent:
				ns.logger.WithField("path", root).
					Info("namespace slice directory does not exist, ignoring")
				continue
			case StateNotFormatted:
				_, err = ns.Format(filepath.Dir(root))
				if err == nil {
					results.set(root, storageinfo.TransitionFormatted)
				}
			case StateNormal:
			default:
				err = sd.Recover(state)
			}
		}
		if err != nil {
			if uerr := sd.Unlock(); uerr != nil {
				ns.logger.WithField("path", root).WithError(uerr).
					Warn("failed to unlock namespace slice directory")
			}
			ns.logger.WithField("path", root).WithError(err).
				Warn("ignoring namespace slice directory")
			continue
		}
		ns.dirs = append(ns.dirs, sd)
	}

	if len(ns.dirs) == 0 {
		return nil, errors.Errorf(
			"no usable slice directories for namespace %d", ns.namespaceID)
	}

	if err := ns.doTransition(ctx, nsInfo, opt, results); err != nil {
		return nil, err
	}

	for _, sd := range ns.dirs {
		if _, ok := results.m[sd.Root()]; !ok {
			results.set(sd.Root(), storageinfo.TransitionUnchanged)
		}
	}
	return results.m, nil
}

func (ns *NamespaceSliceStorage) doTransition(ctx context.Context,
	nsInfo *storageinfo.NamespaceDescriptor, opt storageinfo.StartupOption,
	results *transitionResults,
) error {
	if opt == storageinfo.StartupRollback {
		if err := ns.doRollback(ctx, nsInfo, results); err != nil {
			return err
		}
	}

	var dirsToUpgrade []*StorageDirectory
	var dirsInfo []storageinfo.StorageInfo
	for _, sd := range ns.dirs {
		si, err := sd.ReadVersion()
		if err != nil {
			return err
		}

		if si.LayoutVersion < storageinfo.CurrentLayoutVersion {
			return errors.Errorf(
				"namespace slice %q has future layout version %d, current version is %d",
				sd.Root(), si.LayoutVersion, storageinfo.CurrentLayoutVersion)
		}
		if si.NamespaceID != nsInfo.NamespaceID {
			sd.Unlock()
			return errors.Errorf(
				"incompatible namespace IDs in %q: namespace ID = %d; slice namespace ID = %d",
				sd.Root(), nsInfo.NamespaceID, si.NamespaceID)
		}

		if si.LayoutVersion == storageinfo.CurrentLayoutVersion &&
			si.CTime == nsInfo.CTime {
			continue // regular startup
		}

		if si.LayoutVersion > storageinfo.CurrentLayoutVersion ||
			si.CTime < nsInfo.CTime {
			dirsToUpgrade = append(dirsToUpgrade, sd)
			dirsInfo = append(dirsInfo, si)
			continue
		}

		sd.Unlock()
		return errors.Errorf(
			"namespace slice state (%s) in %q is newer than the namespace state (%s)",
			si, sd.Root(), nsInfo)
	}

	if len(dirsToUpgrade) > 0 {
		return ns.doUpgrade(dirsToUpgrade, dirsInfo, nsInfo, results)
	}
	return nil
}

// doUpgrade fans out one worker per slice, joins them all unconditionally and
// folds their failures, exactly like the node-level upgrade.
func (ns *NamespaceSliceStorage) doUpgrade(dirs []*StorageDirectory,
	dirsInfo []storageinfo.StorageInfo, nsInfo *storageinfo.NamespaceDescriptor,
	results *transitionResults,
) error {
	errs := make([]error, len(dirs))
	wg := &sync.WaitGroup{}
	for i, sd := range dirs {
		i, sd, si := i, sd, dirsInfo[i]
		errs[i] = errors.Errorf("upgrade of %q did not complete", sd.Root())
		wg.Add(1)
		enterrors.GoWrapper(func() {
			defer wg.Done()
			errs[i] = ns.upgradeSlice(sd, si, nsInfo)
		}, ns.logger)
	}
	wg.Wait()

	ec := errorcompounder.New()
	for i, err := range errs {
		if err != nil {
			results.set(dirs[i].Root(), storageinfo.TransitionFailed)
		}
		ec.AddWrapf(err, "upgrade namespace slice %q", dirs[i].Root())
	}
	if !ec.Empty() {
		return errors.Wrap(ec.ToError(), "namespace slice upgrade failed")
	}

	ns.cTime = nsInfo.CTime
	for _, sd := range dirs {
		si := storageinfo.StorageInfo{
			StorageType:   storageinfo.StorageTypeNamespaceSlice,
			LayoutVersion: storageinfo.CurrentLayoutVersion,
			NamespaceID:   ns.namespaceID,
			CTime:         nsInfo.CTime,
		}
		if err := writeVersionFile(sd.VersionFile(), si); err != nil {
			return err
		}
		if err := rename(sd.PreviousTmp(), sd.PreviousDir()); err != nil {
			return err
		}
		results.set(sd.Root(), storageinfo.TransitionUpgraded)
		ns.metrics.TransitionCompleted("namespace_upgrade")
		ns.logger.WithFields(logrus.Fields{
			"action": "namespace_upgrade",
			"path":   sd.Root(),
		}).Info("upgrade of namespace slice is complete")
	}
	return nil
}

func (ns *NamespaceSliceStorage) upgradeSlice(sd *StorageDirectory,
	oldInfo storageinfo.StorageInfo, nsInfo *storageinfo.NamespaceDescriptor,
) error {
	ns.logger.WithFields(logrus.Fields{
		"action":    "namespace_upgrade",
		"path":      sd.Root(),
		"old_state": oldInfo.String(),
		"new_state": nsInfo.String(),
	}).Info("upgrading namespace slice")

	if err := os.RemoveAll(sd.PreviousDir()); err != nil {
		return errors.Wrapf(err, "remove leftover previous dir in %q", sd.Root())
	}
	if err := rename(sd.CurrentDir(), sd.PreviousTmp()); err != nil {
		return err
	}

	stats := &LinkStats{}
	if err := linkBlocks(sd.PreviousTmp(), sd.CurrentDir(),
		oldInfo.LayoutVersion, stats, true); err != nil {
		return err
	}

	ns.metrics.ObserveLinkStats(stats.SingleLinks+stats.FilesMultLinks,
		stats.PhysicalCopies, stats.Dirs)
	ns.logger.WithFields(logrus.Fields{
		"action": "namespace_upgrade",
		"path":   sd.Root(),
		"stats":  stats.Report(),
	}).Info("completed migrating namespace slice")
	return nil
}

func (ns *NamespaceSliceStorage) doRollback(ctx context.Context,
	nsInfo *storageinfo.NamespaceDescriptor, results *transitionResults,
) error {
	eg := enterrors.NewErrorGroupWrapper()
	for _, sd := range ns.dirs {
		sd := sd
		eg.Go(func() error {
			return rollbackDir(sd, storageinfo.NamespaceLevel, nsInfo, results,
				ns.logger, ns.metrics)
		})
	}

	done := make(chan error, 1)
	enterrors.GoWrapper(func() { done <- eg.Wait() }, ns.logger)

	select {
	case err := <-done:
		if err != nil {
			return errors.Wrap(err, "namespace slice rollback failed")
		}
		return nil
	case <-ctx.Done():
		ns.logger.Warn("interrupted while waiting for namespace rollback workers, proceeding")
		return nil
	}
}

// doFinalize discards this namespace's snapshot underneath one storage
// root's 'current' tree, deleting off the critical path.
func (ns *NamespaceSliceStorage) doFinalize(nodeCurrentDir string) error {
	root := NamespaceSliceRoot(ns.namespaceID, nodeCurrentDir)
	prev := filepath.Join(root, storageDirPrevious)

	exists, err := diskio.DirExists(prev)
	if err != nil {
		return err
	}
	if !exists {
		return nil // already discarded
	}

	tmpDir := filepath.Join(root, storageTmpFinalized)
	if err := os.Rename(prev, tmpDir); err != nil {
		return errors.Wrapf(err, "rename %q to %q", prev, tmpDir)
	}

	logger := ns.logger
	enterrors.GoWrapper(func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			logger.WithField("path", root).WithError(err).
				Error("namespace finalize failed to remove staging dir")
			return
		}
		logger.WithFields(logrus.Fields{
			"action": "namespace_finalize",
			"path":   root,
		}).Info("finalize of namespace slice is complete")
	}, logger)
	return nil
}

// Shutdown releases the locks on all slice directories.
func (ns *NamespaceSliceStorage) Shutdown() error {
	ec := errorcompounder.New()
	for _, sd := range ns.dirs {
		ec.Add(sd.Unlock())
	}
	return ec.ToError()
}

// --- namespace slice registry -----------------------------------------------

// RecoverNamespaceTransition attaches a namespace to this node: it creates
// the namespace's slice roots under every usable storage directory, runs the
// slice-scoped transition protocol and registers the slice storage. Attach,
// detach and lookup all synchronize on the DataStorage lock because they can
// race with each other.
func (ds *DataStorage) RecoverNamespaceTransition(ctx context.Context,
	namespaceID int, nsInfo *storageinfo.NamespaceDescriptor,
	opt storageinfo.StartupOption,
) (map[string]storageinfo.TransitionResult, error) {
	ds.Lock()
	defer ds.Unlock()

	if !ds.initialized {
		return nil, errors.New("node-level storage must be recovered before namespaces attach")
	}
	if _, ok := ds.slices[namespaceID]; ok {
		return nil, nil
	}

	var sliceRoots []string
	for _, sd := range ds.dirs {
		root := NamespaceSliceRoot(namespaceID, sd.CurrentDir())
		if err := os.MkdirAll(root, os.ModePerm); err != nil {
			ds.logger.WithField("path", root).WithError(err).
				Warn("invalid namespace slice directory")
			continue
		}
		sliceRoots = append(sliceRoots, root)
	}

	slice := NewNamespaceSliceStorage(namespaceID, nsInfo.CTime, ds.logger, ds.metrics)
	results, err := slice.RecoverTransition(ctx, nsInfo, sliceRoots, opt)
	if err != nil {
		return nil, err
	}

	ds.slices[namespaceID] = slice
	return results, nil
}

// NamespaceSlice looks up the slice storage of an attached namespace.
func (ds *DataStorage) NamespaceSlice(namespaceID int) *NamespaceSliceStorage {
	ds.Lock()
	defer ds.Unlock()
	return ds.slices[namespaceID]
}

// DetachNamespace removes a namespace from this node and releases its slice
// locks.
func (ds *DataStorage) DetachNamespace(namespaceID int) error {
	ds.Lock()
	defer ds.Unlock()

	slice, ok := ds.slices[namespaceID]
	if !ok {
		return nil
	}
	delete(ds.slices, namespaceID)
	return slice.Shutdown()
}
