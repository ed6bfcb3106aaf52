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

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/blocknode/entities/diskio"
	enterrors "github.com/weaviate/blocknode/entities/errors"
)

// FinalizeUpgrade irreversibly discards the retained snapshot of every
// storage directory. Already-finalized directories are no-ops.
func (ds *DataStorage) FinalizeUpgrade() error {
	ds.Lock()
	defer ds.Unlock()

	var result *multierror.Error
	for _, sd := range ds.dirs {
		result = multierror.Append(result, ds.doFinalize(sd))
	}
	return result.ErrorOrNil()
}

// FinalizeNamespaceUpgrade finalizes one namespace's snapshot. A node-level
// snapshot left over from upgrading into the federation layout takes
// precedence: while it exists, finalizing it is what the caller gets.
func (ds *DataStorage) FinalizeNamespaceUpgrade(namespaceID int) error {
	ds.Lock()
	defer ds.Unlock()

	var result *multierror.Error
	for _, sd := range ds.dirs {
		exists, err := diskio.DirExists(sd.PreviousDir())
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if exists {
			result = multierror.Append(result, ds.doFinalize(sd))
			continue
		}

		slice, ok := ds.slices[namespaceID]
		if !ok {
			continue
		}
		result = multierror.Append(result, slice.doFinalize(sd.CurrentDir()))
	}
	return result.ErrorOrNil()
}

// doFinalize renames the snapshot into a staging directory and deletes its
// contents on a separate goroutine: a potentially huge delete must not block
// the caller.
func (ds *DataStorage) doFinalize(sd *StorageDirectory) error {
	exists, err := diskio.DirExists(sd.PreviousDir())
	if err != nil {
		return err
	}
	if !exists {
		return nil // already discarded
	}

	ds.logger.WithFields(logrus.Fields{
		"action": "storage_finalize",
		"path":   sd.Root(),
		"state":  ds.info.String(),
	}).Info("finalizing upgrade of storage directory")

	tmpDir := sd.FinalizedTmp()
	if err := rename(sd.PreviousDir(), tmpDir); err != nil {
		return err
	}

	root := sd.Root()
	enterrors.GoWrapper(func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			ds.logger.WithField("path", root).WithError(err).
				Error("finalize upgrade failed to remove staging dir")
			return
		}
		ds.metrics.TransitionCompleted("finalize")
		ds.logger.WithFields(logrus.Fields{
			"action": "storage_finalize",
			"path":   root,
		}).Info("finalize upgrade of storage directory is complete")
	}, ds.logger)
	return nil
}
