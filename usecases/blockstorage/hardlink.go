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
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/weaviate/blocknode/entities/diskio"
	"github.com/weaviate/blocknode/entities/storageinfo"
)

// LinkStats accumulates counters during one migration run. Diagnostic only.
type LinkStats struct {
	Dirs           int
	SingleLinks    int
	MultLinks      int
	FilesMultLinks int
	PhysicalCopies int
	EmptyDirs      int
}

func (ls *LinkStats) Report() string {
	return fmt.Sprintf("directories: %d, single links: %d, bulk link ops: %d "+
		"(files: %d), physical copies: %d, empty directories: %d",
		ls.Dirs, ls.SingleLinks, ls.MultLinks, ls.FilesMultLinks,
		ls.PhysicalCopies, ls.EmptyDirs)
}

// Block metadata files written before the generation-stamp layout were named
// blk_<id>.meta. They are renamed during linking to carry the grandfather
// generation stamp.
var preGenStampMetaPattern = regexp.MustCompile(`(.*blk_-?\d+)\.meta$`)

const grandfatherGenerationStamp = 0

func convertMetadataFileName(name string) string {
	if m := preGenStampMetaPattern.FindStringSubmatch(name); m != nil {
		return fmt.Sprintf("%s_%d.meta", m[1], grandfatherGenerationStamp)
	}
	return name
}

// linkBlocks reconstructs the subtree rooted at from underneath to. Ordinary
// block files become hard links; staged-copy files (dncp_ prefix) and the
// version record must not share inode state across snapshots and are copied
// byte for byte. oldLV is the layout version of the source tree: sources
// older than the generation-stamp layout need per-file metadata renames, so
// linking happens one file at a time; newer sources get their block files
// bulk-linked per directory. Empty directories are counted, never skipped:
// consumers rely on an exactly mirrored tree shape.
func linkBlocks(from, to string, oldLV int, stats *LinkStats, createTo bool) error {
	info, err := os.Stat(from)
	if err != nil {
		return errors.Wrapf(err, "stat %q", from)
	}

	if !info.IsDir() {
		name := filepath.Base(from)
		if strings.HasPrefix(name, copyFilePrefix) || name == storageFileVersion {
			if _, err := diskio.CopyFile(from, to); err != nil {
				return err
			}
			stats.PhysicalCopies++
			return nil
		}

		if oldLV >= storageinfo.PreGenerationStampVersion {
			to = convertMetadataFileName(to)
		}
		if err := os.Link(from, to); err != nil {
			return errors.Wrapf(err, "hard link %q to %q", from, to)
		}
		stats.SingleLinks++
		return nil
	}

	stats.Dirs++
	if createTo {
		// MkdirAll: the destination's parents may not exist yet, e.g. when a
		// namespace slice's 'current' is mirrored before its slice root.
		if err := os.MkdirAll(to, os.ModePerm); err != nil {
			return errors.Wrapf(err, "cannot create directory %q", to)
		}
	}

	entries, err := os.ReadDir(from)
	if err != nil {
		return errors.Wrapf(err, "read directory %q", from)
	}

	if oldLV >= storageinfo.PreGenerationStampVersion {
		// Destination names differ from source names, so every entry is
		// linked individually.
		names := filterNames(entries, blockSubdirPrefix, blockFilePrefix, copyFilePrefix)
		if len(names) == 0 {
			stats.EmptyDirs++
			return nil
		}
		for _, name := range names {
			if err := linkBlocks(filepath.Join(from, name), filepath.Join(to, name),
				oldLV, stats, true); err != nil {
				return err
			}
		}
		return nil
	}

	// Names already match the destination convention: link block files in one
	// bulk pass per directory, then handle subdirectories and staged copies.
	blockNames := filterNames(entries, blockFilePrefix)
	if len(blockNames) > 0 {
		if err := bulkLink(from, blockNames, to); err != nil {
			return err
		}
		stats.MultLinks++
		stats.FilesMultLinks += len(blockNames)
	} else {
		stats.EmptyDirs++
	}

	for _, name := range filterNames(entries, blockSubdirPrefix, copyFilePrefix) {
		if err := linkBlocks(filepath.Join(from, name), filepath.Join(to, name),
			oldLV, stats, true); err != nil {
			return err
		}
	}
	return nil
}

func bulkLink(from string, names []string, to string) error {
	for _, name := range names {
		src, dst := filepath.Join(from, name), filepath.Join(to, name)
		if err := os.Link(src, dst); err != nil {
			return errors.Wrapf(err, "hard link %q to %q", src, dst)
		}
	}
	return nil
}

func filterNames(entries []os.DirEntry, prefixes ...string) []string {
	var out []string
	for _, e := range entries {
		for _, p := range prefixes {
			if strings.HasPrefix(e.Name(), p) {
				out = append(out, e.Name())
				break
			}
		}
	}
	return out
}
