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

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/blocknode/entities/diskio"
	enterrors "github.com/weaviate/blocknode/entities/errors"
	"github.com/weaviate/blocknode/entities/storageinfo"
	"github.com/weaviate/blocknode/usecases/monitoring"
)

// doRollback restores every directory's retained snapshot, one worker per
// directory. A directory without a snapshot needs no rollback and is not an
// error. Rollback is best-effort on the shutdown path: a cancelled context
// abandons the join without raising, but an error a worker already reported
// still propagates.
func (ds *DataStorage) doRollback(ctx context.Context,
	nsInfo *storageinfo.NamespaceDescriptor, results *transitionResults,
) error {
	eg := enterrors.NewErrorGroupWrapper()
	for _, sd := range ds.dirs {
		sd := sd
		eg.Go(func() error {
			return rollbackDir(sd, storageinfo.NodeLevel, nsInfo, results,
				ds.logger, ds.metrics)
		})
	}

	done := make(chan error, 1)
	enterrors.GoWrapper(func() { done <- eg.Wait() }, ds.logger)

	select {
	case err := <-done:
		if err != nil {
			return errors.Wrap(err, "storage rollback failed")
		}
		return nil
	case <-ctx.Done():
		ds.logger.Warn("interrupted while waiting for rollback workers, proceeding")
		return nil
	}
}

// canRollBack permits a rollback only to a state that is either consistent
// with the namespace or can still be upgraded to it. Node-level and
// namespace-level transitions compare different fields of the snapshot's
// record; both rejections are deliberately independent fatal conditions.
func canRollBack(level storageinfo.TransitionLevel, prev storageinfo.StorageInfo,
	nsInfo *storageinfo.NamespaceDescriptor, root string,
) error {
	nodeTooOld := level == storageinfo.NodeLevel &&
		prev.LayoutVersion < storageinfo.CurrentLayoutVersion
	namespaceTooNew := level == storageinfo.NamespaceLevel &&
		prev.CTime > nsInfo.CTime
	if nodeTooOld || namespaceTooNew {
		return errors.Errorf(
			"cannot roll back %q to a newer state: previous %s-level state (%s) is newer than the namespace state (%s)",
			root, level, prev, nsInfo)
	}
	return nil
}

// rollbackDir is one worker: restore a single root's snapshot by staging the
// active tree into 'removed.tmp', promoting 'previous' and discarding the
// staging directory.
func rollbackDir(sd *StorageDirectory, level storageinfo.TransitionLevel,
	nsInfo *storageinfo.NamespaceDescriptor, results *transitionResults,
	logger logrus.FieldLogger, metrics *monitoring.PrometheusMetrics,
) error {
	exists, err := diskio.DirExists(sd.PreviousDir())
	if err != nil {
		return err
	}
	if !exists {
		return nil // nothing to roll back
	}

	prev, err := sd.ReadPreviousVersion()
	if err != nil {
		return err
	}
	if err := canRollBack(level, prev, nsInfo, sd.Root()); err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"action": "storage_rollback",
		"path":   sd.Root(),
		"level":  level.String(),
		"target": nsInfo.String(),
	}).Info("rolling back storage directory")

	if err := rename(sd.CurrentDir(), sd.RemovedTmp()); err != nil {
		return err
	}
	if err := rename(sd.PreviousDir(), sd.CurrentDir()); err != nil {
		return err
	}
	if err := os.RemoveAll(sd.RemovedTmp()); err != nil {
		return errors.Wrapf(err, "remove staging dir in %q", sd.Root())
	}

	results.set(sd.Root(), storageinfo.TransitionRolledBack)
	metrics.TransitionCompleted("rollback")
	logger.WithFields(logrus.Fields{
		"action": "storage_rollback",
		"path":   sd.Root(),
	}).Info("rollback of storage directory is complete")
	return nil
}
