// Package cache defines the interface to talk to the cache slot backends
package cache

import (
	"io"
	"time"
)

type (
	// Slot represents one durable cache location which may or may not
	// currently hold a cached copy of a resource
	Slot interface {
		// Exists reports whether the slot currently holds a cached copy
		Exists() bool
		// ModTime returns the last-modified timestamp of the cached copy
		ModTime() (time.Time, error)
		// Open returns a reader over the current cached contents
		Open() (io.ReadCloser, error)
		// Create opens a new temporary version of the slot to write into
		Create() (TempFile, error)
	}

	// TempFile is an in-progress version of a slot. It must be closed
	// before calling Promote or Discard. The slot itself is only ever
	// touched by Promote.
	TempFile interface {
		io.WriteCloser
		// Promote atomically replaces the slot contents with the
		// temporary version
		Promote() error
		// Discard drops the temporary version, leaving any previously
		// cached copy untouched
		Discard() error
	}
)
