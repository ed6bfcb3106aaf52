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

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/weaviate/blocknode/entities/diskio"
	"github.com/weaviate/blocknode/entities/storageinfo"
)

const (
	storageDirCurrent  = "current"
	storageDirPrevious = "previous"
	storageDirTmp      = "tmp"
	storageDirBBW      = "blocksBeingWritten"

	storageTmpPrevious   = "previous.tmp"
	storageTmpRemoved    = "removed.tmp"
	storageTmpFinalized  = "finalized.tmp"
	storageTmpCheckpoint = "previousCheckpoint.tmp"
	storageDirCheckpoint = "previous.checkpoint"

	storageFileVersion = "VERSION"
	storageFileLock    = "in_use.lock"

	blockSubdirPrefix = "subdir"
	blockFilePrefix   = "blk_"
	copyFilePrefix    = "dncp_"
	nsDirPrefix       = "NS-"
)

// StorageDirectory owns one storage root. It probes the root's condition,
// holds the exclusive advisory lock on it, resolves interrupted transitions
// and reads/writes the root's version record.
type StorageDirectory struct {
	root     string
	lockFile *os.File
	logger   logrus.FieldLogger
}

func NewStorageDirectory(root string, logger logrus.FieldLogger) *StorageDirectory {
	return &StorageDirectory{root: root, logger: logger}
}

func (sd *StorageDirectory) Root() string { return sd.root }

func (sd *StorageDirectory) CurrentDir() string  { return filepath.Join(sd.root, storageDirCurrent) }
func (sd *StorageDirectory) PreviousDir() string { return filepath.Join(sd.root, storageDirPrevious) }
func (sd *StorageDirectory) PreviousTmp() string { return filepath.Join(sd.root, storageTmpPrevious) }
func (sd *StorageDirectory) RemovedTmp() string  { return filepath.Join(sd.root, storageTmpRemoved) }
func (sd *StorageDirectory) FinalizedTmp() string {
	return filepath.Join(sd.root, storageTmpFinalized)
}

func (sd *StorageDirectory) CheckpointTmp() string {
	return filepath.Join(sd.root, storageTmpCheckpoint)
}

func (sd *StorageDirectory) PreviousCheckpoint() string {
	return filepath.Join(sd.root, storageDirCheckpoint)
}

func (sd *StorageDirectory) TmpDir() string { return filepath.Join(sd.root, storageDirTmp) }
func (sd *StorageDirectory) BlocksBeingWrittenDir() string {
	return filepath.Join(sd.root, storageDirBBW)
}

// VersionFile is the version record of the active tree.
func (sd *StorageDirectory) VersionFile() string {
	return filepath.Join(sd.CurrentDir(), storageFileVersion)
}

// PreviousVersionFile is the version record of the retained snapshot.
func (sd *StorageDirectory) PreviousVersionFile() string {
	return filepath.Join(sd.PreviousDir(), storageFileVersion)
}

// Analyze classifies the root's condition and, unless the root does not
// exist, acquires the exclusive lock on it. The lock is held for the node's
// lifetime; callers must Unlock on any error that excludes the directory.
func (sd *StorageDirectory) Analyze(opt storageinfo.StartupOption) (StorageState, error) {
	exists, err := diskio.DirExists(sd.root)
	if err != nil {
		return StateNonExistent, errors.Wrapf(err, "stat storage directory %q", sd.root)
	}
	if !exists {
		return StateNonExistent, nil
	}

	if err := sd.Lock(); err != nil {
		return StateNonExistent, err
	}

	sd.logger.WithFields(logrus.Fields{
		"action": "storage_analyze",
		"path":   sd.root,
		"intent": opt.String(),
	}).Debug("analyzing storage directory")

	hasCurrent, err := diskio.DirExists(sd.CurrentDir())
	if err != nil {
		return StateNonExistent, err
	}
	hasPrevious, err := diskio.DirExists(sd.PreviousDir())
	if err != nil {
		return StateNonExistent, err
	}

	staging := []struct {
		path  string
		found StorageState
		lost  StorageState
	}{
		{sd.PreviousTmp(), StateCompleteUpgrade, StateRecoverUpgrade},
		{sd.RemovedTmp(), StateCompleteRollback, StateRecoverRollback},
		{sd.FinalizedTmp(), StateCompleteFinalize, StateNonExistent},
		{sd.CheckpointTmp(), StateCompleteCheckpoint, StateRecoverCheckpoint},
	}

	var present []int
	for i, s := range staging {
		ok, err := diskio.DirExists(s.path)
		if err != nil {
			return StateNonExistent, err
		}
		if ok {
			present = append(present, i)
		}
	}

	if len(present) == 0 {
		if hasCurrent {
			return StateNormal, nil
		}
		if hasPrevious {
			return StateNonExistent, errors.Errorf(
				"inconsistent state of storage directory %q: 'previous' exists but 'current' is missing",
				sd.root)
		}
		return StateNotFormatted, nil
	}

	if len(present) > 1 {
		return StateNonExistent, errors.Errorf(
			"inconsistent state of storage directory %q: too many temporary directories", sd.root)
	}

	s := staging[present[0]]
	if hasCurrent {
		return s.found, nil
	}
	if s.lost == StateNonExistent {
		return StateNonExistent, errors.Errorf(
			"inconsistent state of storage directory %q: %q exists but 'current' is missing",
			sd.root, s.path)
	}
	return s.lost, nil
}

// Recover finishes the interrupted transition the probed state points at:
// the leftover staging directory is either promoted back or discarded,
// depending on whether 'current' survived.
func (sd *StorageDirectory) Recover(state StorageState) error {
	sd.logger.WithFields(logrus.Fields{
		"action": "storage_recover",
		"path":   sd.root,
		"state":  state.String(),
	}).Info("recovering interrupted transition")

	switch state {
	case StateCompleteUpgrade:
		return rename(sd.PreviousTmp(), sd.PreviousDir())
	case StateRecoverUpgrade:
		return rename(sd.PreviousTmp(), sd.CurrentDir())
	case StateCompleteRollback:
		return os.RemoveAll(sd.RemovedTmp())
	case StateRecoverRollback:
		return rename(sd.RemovedTmp(), sd.CurrentDir())
	case StateCompleteFinalize:
		return os.RemoveAll(sd.FinalizedTmp())
	case StateCompleteCheckpoint:
		return rename(sd.CheckpointTmp(), sd.PreviousCheckpoint())
	case StateRecoverCheckpoint:
		return rename(sd.CheckpointTmp(), sd.CurrentDir())
	default:
		return errors.Errorf("storage directory %q is in state %q which is not recoverable",
			sd.root, state)
	}
}

// ClearCurrent recreates an empty 'current' tree. Used by the format path.
func (sd *StorageDirectory) ClearCurrent() error {
	cur := sd.CurrentDir()
	if err := os.RemoveAll(cur); err != nil {
		return errors.Wrapf(err, "clear current dir %q", cur)
	}
	if err := os.MkdirAll(cur, os.ModePerm); err != nil {
		return errors.Wrapf(err, "create current dir %q", cur)
	}
	return nil
}

// Lock acquires the exclusive advisory lock on the root. A second process
// (or a second StorageDirectory in this process) attempting to lock the same
// root fails immediately.
func (sd *StorageDirectory) Lock() error {
	if sd.lockFile != nil {
		return nil
	}

	f, err := os.OpenFile(filepath.Join(sd.root, storageFileLock),
		os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open lock file in %q", sd.root)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return errors.Wrapf(err, "storage directory %q is already locked", sd.root)
	}

	sd.lockFile = f
	return nil
}

// Unlock releases the advisory lock. Only called on probe failure or node
// shutdown.
func (sd *StorageDirectory) Unlock() error {
	if sd.lockFile == nil {
		return nil
	}

	if err := unix.Flock(int(sd.lockFile.Fd()), unix.LOCK_UN); err != nil {
		return errors.Wrapf(err, "unlock storage directory %q", sd.root)
	}
	err := sd.lockFile.Close()
	sd.lockFile = nil
	os.Remove(filepath.Join(sd.root, storageFileLock))
	return err
}

// ReadVersion reads the version record of the active tree.
func (sd *StorageDirectory) ReadVersion() (storageinfo.StorageInfo, error) {
	return readVersionFile(sd.VersionFile())
}

// ReadPreviousVersion reads the version record of the retained snapshot.
func (sd *StorageDirectory) ReadPreviousVersion() (storageinfo.StorageInfo, error) {
	return readVersionFile(sd.PreviousVersionFile())
}

func rename(from, to string) error {
	if err := os.Rename(from, to); err != nil {
		return errors.Wrapf(err, "rename %q to %q", from, to)
	}
	return nil
}
