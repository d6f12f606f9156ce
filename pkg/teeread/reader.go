// Package teeread implements a reader which duplicates everything read
// from a source stream into a sink stream and verifies on close that the
// expected number of bytes passed through
package teeread

import (
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const bufferSize = 1024

type (
	// IncompleteError is returned from Close when the transfer ended
	// with fewer or more bytes than announced, or after a read fault
	IncompleteError struct {
		Expected int64
		Received int64
	}

	// Reader reads from a source stream while caching the data to a
	// sink stream. Reads happen from a single consumer; ReceivedBytes
	// may be polled from another goroutine for progress reporting.
	Reader struct {
		src  io.ReadCloser
		sink io.WriteCloser

		mtx       sync.Mutex
		buf       []byte
		bufN      int
		expected  int64
		received  int64
		closed    bool
		faulted   bool
		onFinish  func()
		onFailure func()
	}
)

func (e IncompleteError) Error() string {
	return fmt.Sprintf("file was not completely downloaded: expected=%d actual=%d", e.Expected, e.Received)
}

// New creates a new tee reader caching src into sink
func New(src io.ReadCloser, sink io.WriteCloser) *Reader {
	return &Reader{
		src:      src,
		sink:     sink,
		buf:      make([]byte, bufferSize),
		expected: -1,
	}
}

// OnFinish registers a callback fired once when the stream closes after
// a complete transfer
func (r *Reader) OnFinish(fn func()) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.onFinish = fn
}

// OnFailure registers a callback fired once when the stream closes after
// an incomplete or faulted transfer
func (r *Reader) OnFailure(fn func()) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.onFailure = fn
}

// SetExpectedBytes announces the total byte count the transfer should
// deliver. The default of -1 disables completeness enforcement.
func (r *Reader) SetExpectedBytes(n int64) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.expected = n
}

// ReceivedBytes returns the number of bytes tee'd into the sink so far
func (r *Reader) ReceivedBytes() int64 {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.received
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)

	if n > 0 {
		if teeErr := r.tee(p[:n]); teeErr != nil {
			return n, teeErr
		}
	}

	if err != nil && err != io.EOF {
		r.mtx.Lock()
		r.faulted = true
		r.mtx.Unlock()
	}

	return n, err
}

// tee queues the given bytes for writing, flushing the internal buffer
// to the sink every time it fills
func (r *Reader) tee(b []byte) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for len(b) > 0 {
		n := copy(r.buf[r.bufN:], b)
		r.bufN += n
		r.received += int64(n)
		b = b[n:]

		if r.bufN == len(r.buf) {
			if _, err := r.sink.Write(r.buf); err != nil {
				r.faulted = true
				return errors.Wrap(err, "writing buffer to sink")
			}
			r.bufN = 0
		}
	}

	return nil
}

// Close closes the source and the sink (flushing any partially filled
// buffer first), verifies the transfer and fires exactly one of the
// registered callbacks. Only the first call does any work.
func (r *Reader) Close() error {
	r.mtx.Lock()

	if r.closed {
		r.mtx.Unlock()
		return nil
	}
	r.closed = true

	if err := r.src.Close(); err != nil {
		logrus.WithError(err).Debug("closing source stream")
	}

	var sinkErr error
	if r.bufN > 0 {
		if _, err := r.sink.Write(r.buf[:r.bufN]); err != nil {
			sinkErr = errors.Wrap(err, "flushing buffer to sink")
		}
		r.bufN = 0
	}

	if err := r.sink.Close(); err != nil && sinkErr == nil {
		sinkErr = errors.Wrap(err, "closing sink stream")
	}

	if sinkErr != nil {
		r.faulted = true
	}

	complete := !r.faulted && (r.expected < 0 || r.expected == r.received)

	cb := r.onFailure
	if complete {
		cb = r.onFinish
	}
	expected, received := r.expected, r.received

	r.mtx.Unlock()

	fire(cb)

	if sinkErr != nil {
		return sinkErr
	}

	if !complete {
		return IncompleteError{Expected: expected, Received: received}
	}

	return nil
}

// fire runs a callback, swallowing panics: a broken observer must not
// break the stream consumer
func fire(cb func()) {
	if cb == nil {
		return
	}

	defer func() {
		if err := recover(); err != nil {
			logrus.WithField("panic", err).Error("close callback panicked")
		}
	}()

	cb()
}
