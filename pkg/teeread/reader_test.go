package teeread

import (
	"bytes"
	"crypto/rand"
	"io"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSink implements io.WriteCloser for testing
type mockSink struct {
	bytes.Buffer
	closed   bool
	writeErr error
	closeErr error
}

func (s *mockSink) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return s.Buffer.Write(p)
}

func (s *mockSink) Close() error {
	s.closed = true
	return s.closeErr
}

// mockSource yields data and then fails instead of returning io.EOF
type mockSource struct {
	io.Reader
	err    error
	closed bool
}

func (s *mockSource) Read(p []byte) (int, error) {
	n, err := s.Reader.Read(p)
	if err == io.EOF && s.err != nil {
		return n, s.err
	}
	return n, err
}

func (s *mockSource) Close() error {
	s.closed = true
	return nil
}

func testData(t *testing.T, n int) []byte {
	t.Helper()

	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)

	return data
}

func TestCompleteTransfer(t *testing.T) {
	data := testData(t, 3000)

	var (
		sink     = new(mockSink)
		src      = &mockSource{Reader: bytes.NewReader(data)}
		finishes int
		failures int
	)

	r := New(src, sink)
	r.SetExpectedBytes(int64(len(data)))
	r.OnFinish(func() { finishes++ })
	r.OnFailure(func() { failures++ })

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int64(len(data)), r.ReceivedBytes())

	require.NoError(t, r.Close())

	assert.Equal(t, data, sink.Bytes())
	assert.Equal(t, 1, finishes)
	assert.Equal(t, 0, failures)
	assert.True(t, sink.closed)
	assert.True(t, src.closed)
}

func TestShortTransfer(t *testing.T) {
	data := testData(t, 3000)

	var (
		sink     = new(mockSink)
		finishes int
		failures int
	)

	r := New(io.NopCloser(bytes.NewReader(data)), sink)
	r.SetExpectedBytes(int64(len(data)))
	r.OnFinish(func() { finishes++ })
	r.OnFailure(func() { failures++ })

	prefix := make([]byte, 100)
	_, err := io.ReadFull(r, prefix)
	require.NoError(t, err)

	err = r.Close()
	require.Error(t, err)

	var incomplete IncompleteError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, int64(3000), incomplete.Expected)
	assert.Equal(t, int64(100), incomplete.Received)

	assert.Equal(t, data[:100], sink.Bytes())
	assert.Equal(t, 0, finishes)
	assert.Equal(t, 1, failures)
}

func TestNoExpectedBytes(t *testing.T) {
	data := testData(t, 3000)

	var (
		sink     = new(mockSink)
		finishes int
	)

	r := New(io.NopCloser(bytes.NewReader(data)), sink)
	r.OnFinish(func() { finishes++ })

	prefix := make([]byte, 42)
	_, err := io.ReadFull(r, prefix)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	assert.Equal(t, 1, finishes)
	assert.Equal(t, data[:42], sink.Bytes())
}

func TestBufferBoundaryFlush(t *testing.T) {
	for _, size := range []int{1023, 1024, 1025, 2048} {
		data := testData(t, size)
		sink := new(mockSink)

		r := New(io.NopCloser(bytes.NewReader(data)), sink)

		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, data, got)

		// Full buffers are flushed while reading, the partial rest
		// only at close
		assert.Equal(t, data[:size-size%bufferSize], sink.Bytes())

		require.NoError(t, r.Close())
		assert.Equal(t, data, sink.Bytes(), "size %d", size)
	}
}

func TestReadFault(t *testing.T) {
	var (
		data     = testData(t, 10)
		readErr  = errors.New("connection reset")
		sink     = new(mockSink)
		src      = &mockSource{Reader: bytes.NewReader(data), err: readErr}
		failures int
	)

	r := New(src, sink)
	r.OnFailure(func() { failures++ })

	_, err := io.ReadAll(r)
	require.ErrorIs(t, err, readErr)
	assert.Equal(t, int64(10), r.ReceivedBytes())

	// Even without an expected byte count a read fault is a failure
	err = r.Close()
	require.Error(t, err)
	assert.Equal(t, 1, failures)
	assert.Equal(t, data, sink.Bytes())
}

func TestCloseIdempotent(t *testing.T) {
	var (
		sink     = new(mockSink)
		finishes int
	)

	r := New(io.NopCloser(bytes.NewReader(testData(t, 10))), sink)
	r.OnFinish(func() { finishes++ })

	_, err := io.ReadAll(r)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Equal(t, 1, finishes)
}

func TestCallbackPanicSwallowed(t *testing.T) {
	sink := new(mockSink)

	r := New(io.NopCloser(bytes.NewReader(testData(t, 10))), sink)
	r.OnFinish(func() { panic("broken observer") })

	_, err := io.ReadAll(r)
	require.NoError(t, err)

	require.NoError(t, r.Close())
}

func TestSinkCloseError(t *testing.T) {
	var (
		closeErr = errors.New("disk full")
		sink     = &mockSink{closeErr: closeErr}
		src      = &mockSource{Reader: bytes.NewReader(testData(t, 10))}
		failures int
	)

	r := New(src, sink)
	r.OnFailure(func() { failures++ })

	_, err := io.ReadAll(r)
	require.NoError(t, err)

	err = r.Close()
	require.ErrorIs(t, err, closeErr)
	assert.Equal(t, 1, failures)
	assert.True(t, src.closed, "source must be closed before the sink error unwinds")
}

func TestReceivedBytesConcurrent(t *testing.T) {
	data := testData(t, 64*1024)
	sink := new(mockSink)

	r := New(io.NopCloser(bytes.NewReader(data)), sink)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := io.Copy(io.Discard, r)
		assert.NoError(t, err)
	}()

	var last int64
	for last < int64(len(data)) {
		n := r.ReceivedBytes()
		assert.GreaterOrEqual(t, n, last, "counter must be monotonic")
		last = n
	}

	wg.Wait()
	require.NoError(t, r.Close())
	assert.Equal(t, data, sink.Bytes())
}
