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
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/blocknode/entities/storageinfo"
	"github.com/weaviate/blocknode/usecases/monitoring"
)

// UpgradeManager is the cluster-side collaborator consulted before any local
// upgrade: it confirms that no larger-scale distributed upgrade conflicts
// with the transition this node is about to perform.
type UpgradeManager interface {
	SetUpgradeState(inProgress bool, layoutVersion int)
	InitializeUpgrade(ns *storageinfo.NamespaceDescriptor) error
}

// NoopUpgradeManager satisfies UpgradeManager for standalone deployments and
// tests where no distributed upgrade can be in flight.
type NoopUpgradeManager struct{}

func (NoopUpgradeManager) SetUpgradeState(bool, int) {}

func (NoopUpgradeManager) InitializeUpgrade(*storageinfo.NamespaceDescriptor) error {
	return nil
}

// DataStorage coordinates the state transitions of all storage roots of this
// node: it probes and locks them, formats new ones, decides per root between
// regular startup, upgrade and rollback, fans out one worker per root for
// the chosen transition, and commits new version records once every worker
// has finished.
type DataStorage struct {
	sync.Mutex

	storageID   string
	port        int
	info        storageinfo.StorageInfo
	dirs        []*StorageDirectory
	slices      map[int]*NamespaceSliceStorage
	upgrades    UpgradeManager
	logger      logrus.FieldLogger
	metrics     *monitoring.PrometheusMetrics
	initialized bool
}

func New(port int, upgrades UpgradeManager, logger logrus.FieldLogger,
	metrics *monitoring.PrometheusMetrics,
) *DataStorage {
	return &DataStorage{
		port:     port,
		slices:   map[int]*NamespaceSliceStorage{},
		upgrades: upgrades,
		logger:   logger,
		metrics:  metrics,
		info: storageinfo.StorageInfo{
			StorageType: storageinfo.StorageTypeDataNode,
		},
	}
}

func (ds *DataStorage) StorageID() string {
	ds.Lock()
	defer ds.Unlock()
	return ds.storageID
}

// Directories returns the usable, locked storage directories after a
// successful RecoverTransition.
func (ds *DataStorage) Directories() []*StorageDirectory {
	return ds.dirs
}

// transitionResults collects per-root outcomes across concurrent workers.
type transitionResults struct {
	sync.Mutex
	m map[string]storageinfo.TransitionResult
}

func newTransitionResults() *transitionResults {
	return &transitionResults{m: map[string]storageinfo.TransitionResult{}}
}

func (tr *transitionResults) set(root string, r storageinfo.TransitionResult) {
	tr.Lock()
	defer tr.Unlock()
	tr.m[root] = r
}

// RecoverTransition analyzes all candidate storage directories, recovers
// interrupted transitions, formats new directories, performs the transition
// the namespace descriptor demands and writes the resulting version records.
// Directories that fail probing are unlocked, logged and excluded; zero
// usable directories is fatal. On success every usable directory is at
// CurrentLayoutVersion.
func (ds *DataStorage) RecoverTransition(ctx context.Context,
	nsInfo *storageinfo.NamespaceDescriptor, dataDirs []string,
	opt storageinfo.StartupOption,
) (map[string]storageinfo.TransitionResult, error) {
	ds.Lock()
	defer ds.Unlock()

	if ds.initialized {
		return nil, nil
	}

	if nsInfo.LayoutVersion != storageinfo.CurrentLayoutVersion {
		return nil, errors.Errorf(
			"data-node and namespace layout versions must be the same: local = %d, namespace = %d",
			storageinfo.CurrentLayoutVersion, nsInfo.LayoutVersion)
	}

	results := newTransitionResults()
	ds.storageID = ""
	ds.dirs = nil

	for _, dataDir := range dataDirs {
		sd := NewStorageDirectory(dataDir, ds.logger)
		state, err := sd.Analyze(opt)
		if err == nil {
			switch state {
			case StateNonExistent:
				ds.logger.WithField("path", dataDir).
					Info("storage directory does not exist, ignoring")
				continue
			case StateNotFormatted:
				ds.logger.WithField("path", dataDir).
					Info("storage directory is not formatted, formatting")
				err = ds.format(sd, nsInfo)
				if err == nil {
					results.set(dataDir, storageinfo.TransitionFormatted)
				}
			case StateNormal:
			default:
				err = sd.Recover(state)
			}
		}
		if err != nil {
			if uerr := sd.Unlock(); uerr != nil {
				ds.logger.WithField("path", dataDir).WithError(uerr).
					Warn("failed to unlock storage directory")
			}
			ds.logger.WithField("path", dataDir).WithError(err).
				Warn("ignoring storage directory")
			continue
		}

		ds.dirs = append(ds.dirs, sd)
	}

	if len(ds.dirs) == 0 {
		return nil, errors.New("all specified storage directories are inaccessible or do not exist")
	}
	ds.metrics.SetUsableDirs(len(ds.dirs))

	if err := ds.doTransition(ctx, nsInfo, opt, results); err != nil {
		return nil, err
	}

	for _, sd := range ds.dirs {
		if _, ok := results.m[sd.Root()]; !ok {
			results.set(sd.Root(), storageinfo.TransitionUnchanged)
		}
	}

	ds.ensureStorageID()

	if err := ds.writeAll(); err != nil {
		return nil, err
	}

	ds.initialized = true
	return results.m, nil
}

// doTransition decides per directory between regular startup and upgrade,
// running the rollback protocol first when that is the startup intent.
//
// Rollback if previous LV >= CurrentLayoutVersion && previous cTime <= namespace cTime.
// Upgrade if local LV > CurrentLayoutVersion || local cTime < namespace cTime.
// Regular startup if local LV == CurrentLayoutVersion && cTime == namespace cTime.
func (ds *DataStorage) doTransition(ctx context.Context,
	nsInfo *storageinfo.NamespaceDescriptor, opt storageinfo.StartupOption,
	results *transitionResults,
) error {
	if opt == storageinfo.StartupRollback {
		if err := ds.doRollback(ctx, nsInfo, results); err != nil {
			return err
		}
	}

	var dirsToUpgrade []*StorageDirectory
	var dirsInfo []storageinfo.StorageInfo
	for _, sd := range ds.dirs {
		needed, err := conversionNeeded(sd.Root())
		if err != nil {
			return err
		}
		if needed {
			return errors.Errorf(
				"storage directory %q uses a layout too old to convert, upgrade path is unsupported",
				sd.Root())
		}

		si, err := sd.ReadVersion()
		if err != nil {
			return err
		}
		if err := ds.adoptStorageID(sd, si.StorageID); err != nil {
			return err
		}

		if si.LayoutVersion < storageinfo.CurrentLayoutVersion {
			// A numerically smaller version claims to be newer than this
			// binary supports. Abort before touching any files.
			return errors.Errorf(
				"storage directory %q has future layout version %d, current version is %d",
				sd.Root(), si.LayoutVersion, storageinfo.CurrentLayoutVersion)
		}

		if si.PreFederation() && si.NamespaceID != nsInfo.NamespaceID {
			sd.Unlock()
			return errors.Errorf(
				"incompatible namespace IDs in %q: namespace ID = %d; data-node namespace ID = %d",
				sd.Root(), nsInfo.NamespaceID, si.NamespaceID)
		}

		if si.LayoutVersion == storageinfo.CurrentLayoutVersion &&
			si.CTime == nsInfo.CTime {
			continue // regular startup
		}

		if err := ds.verifyDistributedUpgradeProgress(si, nsInfo); err != nil {
			return err
		}

		if si.LayoutVersion > storageinfo.CurrentLayoutVersion {
			dirsToUpgrade = append(dirsToUpgrade, sd)
			dirsInfo = append(dirsInfo, si)
			continue
		}

		if si.CTime >= nsInfo.CTime {
			sd.Unlock()
			return errors.Errorf(
				"data-node state (%s) in %q is newer than the namespace state (%s)",
				si, sd.Root(), nsInfo)
		}
	}

	if len(dirsToUpgrade) > 0 {
		return ds.doUpgrade(dirsToUpgrade, dirsInfo, nsInfo, results)
	}
	return nil
}

// format initializes a brand-new storage directory at the current layout
// with creation time zero, so the first coordinator pass against a namespace
// with a real creation time upgrades it into consistency.
func (ds *DataStorage) format(sd *StorageDirectory, nsInfo *storageinfo.NamespaceDescriptor) error {
	if err := sd.ClearCurrent(); err != nil {
		return err
	}

	si := storageinfo.StorageInfo{
		StorageType:   storageinfo.StorageTypeDataNode,
		LayoutVersion: storageinfo.CurrentLayoutVersion,
		NamespaceID:   nsInfo.NamespaceID,
		CTime:         0,
		StorageID:     ds.storageID,
	}
	return writeVersionFile(sd.VersionFile(), si)
}

// adoptStorageID takes over a recorded storage id when none is known yet and
// rejects a conflicting one.
func (ds *DataStorage) adoptStorageID(sd *StorageDirectory, recorded string) error {
	if recorded == "" || recorded == ds.storageID {
		return nil
	}
	if ds.storageID == "" {
		ds.storageID = recorded
		return nil
	}
	return errors.Errorf(
		"storage directory %q has incompatible storage ID %q, already using %q",
		sd.Root(), recorded, ds.storageID)
}

// ensureStorageID derives a fresh storage id from the node port when none of
// the probed directories carried one (all freshly formatted).
func (ds *DataStorage) ensureStorageID() {
	if ds.storageID != "" {
		return
	}
	ds.storageID = fmt.Sprintf("DS-%s-%d-%d", uuid.NewString(), ds.port,
		time.Now().UnixMilli())
}

func (ds *DataStorage) verifyDistributedUpgradeProgress(si storageinfo.StorageInfo,
	nsInfo *storageinfo.NamespaceDescriptor,
) error {
	ds.upgrades.SetUpgradeState(false, si.LayoutVersion)
	return ds.upgrades.InitializeUpgrade(nsInfo)
}

// writeAll persists the node-level version record into every usable
// directory and poisons the legacy marker so pre-upgrade binaries refuse to
// start against the new layout. Per-directory failures are aggregated.
func (ds *DataStorage) writeAll() error {
	var result *multierror.Error
	for _, sd := range ds.dirs {
		si := ds.info
		si.LayoutVersion = storageinfo.CurrentLayoutVersion
		si.StorageID = ds.storageID
		if err := writeVersionFile(sd.VersionFile(), si); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := poisonPreUpgradeMarker(sd.Root(), storageinfo.CurrentLayoutVersion); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Shutdown releases every directory lock. The locks are otherwise held for
// the node's lifetime.
func (ds *DataStorage) Shutdown() error {
	ds.Lock()
	defer ds.Unlock()

	var result *multierror.Error
	for _, sd := range ds.dirs {
		result = multierror.Append(result, sd.Unlock())
	}
	return result.ErrorOrNil()
}
