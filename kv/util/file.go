package util

import (
	"os"

	"github.com/pingcap/errors"
)

func DirExists(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.IsDir()
}

// EnsureDir creates the data directory at path if it does not exist yet.
func EnsureDir(path string) error {
	if DirExists(path) {
		return nil
	}
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return errors.Annotatef(err, "create data dir %s", path)
	}
	return nil
}
