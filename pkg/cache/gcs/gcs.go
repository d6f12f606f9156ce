// Package gcs implements a cache.Slot backend storing files in GCS
package gcs

import (
	"context"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Luzifer/downpour/pkg/cache"
)

const tempSuffix = ".tmp"

type (
	// Bucket wraps a GCS bucket acting as the root of the cache
	Bucket struct {
		bucket string
		client *gcs.Client
		prefix string
	}

	// Slot implements the cache.Slot interface for one GCS object
	Slot struct {
		bucket *Bucket
		name   string
	}

	tempFile struct {
		writer *gcs.Writer
		slot   Slot
		done   bool
	}
)

// NewBucket creates a new GCS backed cache root from a gs://bucket/prefix URI
func NewBucket(bucketURI string) (*Bucket, error) {
	uri, err := url.Parse(bucketURI)
	if err != nil {
		return nil, errors.Wrap(err, "parse GCS bucket URI")
	}

	if uri.Scheme != "gs" || uri.Host == "" {
		return nil, errors.New("invalid GCS bucket URI")
	}

	client, err := gcs.NewClient(context.Background())
	if err != nil {
		return nil, errors.Wrap(err, "create GCS client")
	}

	return &Bucket{
		bucket: uri.Host,
		client: client,
		prefix: strings.TrimLeft(uri.Path, "/"),
	}, nil
}

// Slot returns the cache slot for the given path inside the bucket
func (b *Bucket) Slot(cachePath string) Slot {
	return Slot{
		bucket: b,
		name:   strings.TrimLeft(path.Join(b.prefix, cachePath), "/"),
	}
}

func (s Slot) object() *gcs.ObjectHandle {
	return s.bucket.client.Bucket(s.bucket.bucket).Object(s.name)
}

// Exists implements the cache.Slot Exists method
func (s Slot) Exists() bool {
	_, err := s.object().Attrs(context.Background())
	return err == nil
}

// ModTime implements the cache.Slot ModTime method
func (s Slot) ModTime() (time.Time, error) {
	attrs, err := s.object().Attrs(context.Background())
	if err != nil {
		return time.Time{}, errors.Wrap(err, "get object meta")
	}

	return attrs.Updated, nil
}

// Open implements the cache.Slot Open method
func (s Slot) Open() (io.ReadCloser, error) {
	r, err := s.object().NewReader(context.Background())
	if err != nil {
		return nil, errors.Wrap(err, "get object reader")
	}

	return r, nil
}

// Create implements the cache.Slot Create method. The temporary version is
// written to a sibling object and promoted through a server-side copy.
func (s Slot) Create() (cache.TempFile, error) {
	w := s.bucket.client.Bucket(s.bucket.bucket).Object(s.name + tempSuffix).NewWriter(context.Background())
	return &tempFile{writer: w, slot: s}, nil
}

func (t *tempFile) Write(p []byte) (int, error) { return t.writer.Write(p) }

func (t *tempFile) Close() error {
	return errors.Wrap(t.writer.Close(), "finish upload")
}

func (t *tempFile) tempObject() *gcs.ObjectHandle {
	return t.slot.bucket.client.Bucket(t.slot.bucket.bucket).Object(t.slot.name + tempSuffix)
}

func (t *tempFile) Promote() error {
	if t.done {
		return nil
	}
	t.done = true

	ctx := context.Background()
	if _, err := t.slot.object().CopierFrom(t.tempObject()).Run(ctx); err != nil {
		return errors.Wrap(err, "copy temp object onto slot")
	}

	if err := t.tempObject().Delete(ctx); err != nil {
		// Promotion already happened, the leftover only wastes space
		logrus.WithError(err).Error("deleting temp object (leaked object)")
	}

	return nil
}

func (t *tempFile) Discard() error {
	if t.done {
		return nil
	}
	t.done = true

	err := t.tempObject().Delete(context.Background())
	switch err {
	case nil, gcs.ErrObjectNotExist:
		return nil

	default:
		return errors.Wrap(err, "delete temp object")
	}
}
