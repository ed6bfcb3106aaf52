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

package diskio

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

func FileExists(file string) (bool, error) {
	_, err := os.Stat(file)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func DirExists(dir string) (bool, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

func Fsync(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return f.Sync()
}

// CopyFile copies source to destination byte for byte, creating missing
// parent directories and syncing the destination before returning. Used where
// a hard link would incorrectly share inode state across snapshots.
func CopyFile(sourcePath, destinationPath string) (int64, error) {
	source, err := os.Open(sourcePath)
	if err != nil {
		return 0, errors.Wrapf(err, "open file '%s'", sourcePath)
	}
	defer source.Close()

	if _, err := os.Stat(destinationPath); err != nil {
		if err := os.MkdirAll(filepath.Dir(destinationPath), os.ModePerm); err != nil {
			return 0, errors.Wrapf(err, "make dir '%s'", destinationPath)
		}
	}

	destination, err := os.Create(destinationPath)
	if err != nil {
		return 0, errors.Wrapf(err, "create destination file '%s'", destinationPath)
	}
	defer destination.Close()

	written, err := io.Copy(destination, source)
	if err != nil {
		return 0, errors.Wrapf(err, "copy file from '%s' to '%s'", sourcePath, destinationPath)
	}

	if err := destination.Sync(); err != nil {
		return 0, errors.Wrapf(err, "sync destination file '%s'", destinationPath)
	}

	return written, nil
}
