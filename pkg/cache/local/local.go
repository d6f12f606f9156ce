// Package local implements a cache.Slot backend for local file storage
package local

import (
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Luzifer/downpour/pkg/cache"
)

const localDirPermission = 0o700

type (
	// Slot implements the cache.Slot interface for a single local file
	Slot struct {
		path string
	}

	tempFile struct {
		file     *os.File
		slotPath string
		done     bool
	}
)

// New returns a new local file slot for the given path
func New(filePath string) Slot { return Slot{filePath} }

// Exists implements the cache.Slot Exists method
func (s Slot) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// ModTime implements the cache.Slot ModTime method
func (s Slot) ModTime() (time.Time, error) {
	stat, err := os.Stat(s.path)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "getting cache file stat")
	}

	return stat.ModTime(), nil
}

// Open implements the cache.Slot Open method
func (s Slot) Open() (io.ReadCloser, error) {
	f, err := os.Open(s.path) //#nosec:G304 // Safe source of variable
	if err != nil {
		return nil, errors.Wrap(err, "opening cache file")
	}

	return f, nil
}

// Create implements the cache.Slot Create method. The temporary file is
// placed next to the slot so the later rename stays on one filesystem.
func (s Slot) Create() (cache.TempFile, error) {
	if err := os.MkdirAll(path.Dir(s.path), localDirPermission); err != nil {
		return nil, errors.Wrap(err, "creating cache dir")
	}

	f, err := os.CreateTemp(path.Dir(s.path), path.Base(s.path)+".*.tmp")
	if err != nil {
		return nil, errors.Wrap(err, "creating temp file")
	}

	return &tempFile{file: f, slotPath: s.path}, nil
}

func (t *tempFile) Write(p []byte) (int, error) { return t.file.Write(p) }

func (t *tempFile) Close() error {
	return errors.Wrap(t.file.Close(), "closing temp file")
}

func (t *tempFile) Promote() error {
	if t.done {
		return nil
	}
	t.done = true

	return errors.Wrap(os.Rename(t.file.Name(), t.slotPath), "renaming temp file onto slot")
}

func (t *tempFile) Discard() error {
	if t.done {
		return nil
	}
	t.done = true

	if err := os.Remove(t.file.Name()); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Error("removing temp file (leaked file)")
		return errors.Wrap(err, "removing temp file")
	}

	return nil
}
