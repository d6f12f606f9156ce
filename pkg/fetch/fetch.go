// Package fetch implements a conditional downloader: a remote resource
// is only transferred when the cached copy in the given slot is no
// longer fresh, and a fresh transfer only replaces the cached copy once
// it completed fully
package fetch

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Luzifer/downpour/pkg/cache"
	"github.com/Luzifer/downpour/pkg/teeread"
)

type (
	// Fetcher downloads remote resources into cache slots using
	// conditional requests
	Fetcher struct {
		// Connector opens the remote connections, defaults to an
		// HTTPConnector on http.DefaultClient
		Connector Connector
		// UserAgent is sent as User-Agent header when set
		UserAgent string
		// Decorate is called before the request is issued to apply
		// additional request headers
		Decorate func(Connection)
	}

	promotingStream struct {
		*teeread.Reader
		temp cache.TempFile
	}
)

// Fetch retrieves rawURL into slot. When the remote signals the cached
// copy is still fresh (304 or a Last-Modified not newer than the slot)
// the returned stream reads the existing cached contents. Otherwise the
// returned stream delivers the fresh download while caching it into a
// temporary version of the slot, which is promoted once the stream is
// fully read and closed. The caller must close the stream on every
// path, otherwise the connection and the temporary file are leaked.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, slot cache.Slot) (io.ReadCloser, error) {
	connector := f.Connector
	if connector == nil {
		connector = HTTPConnector{}
	}

	conn, err := connector.Open(ctx, rawURL)
	if err != nil {
		return nil, TransportError{URL: rawURL, Err: err}
	}

	// Comparisons happen at whole seconds, the HTTP date format has no
	// room for the sub-second part of the filesystem mtime
	var cachedMod time.Time
	hasCached := slot.Exists()
	if hasCached {
		if cachedMod, err = slot.ModTime(); err != nil {
			return nil, IOError{Op: "reading cache slot mtime", Err: err}
		}
		cachedMod = cachedMod.Truncate(time.Second)
		conn.SetHeader("If-Modified-Since", FormatHTTPDate(cachedMod))
	}

	if f.UserAgent != "" {
		conn.SetHeader("User-Agent", f.UserAgent)
	}

	if f.Decorate != nil {
		f.Decorate(conn)
	}

	resp, err := conn.Do()
	if err != nil {
		return nil, TransportError{URL: rawURL, Err: err}
	}

	if code, ok := resp.StatusCode(); ok && code == http.StatusNotModified {
		resp.Drain()
		return openCached(slot)
	}

	// A missing or unparseable Last-Modified must never suppress the
	// download, only a timestamp not newer than the cached copy may
	if serverMod, ok := resp.LastModified(); hasCached && ok && !serverMod.After(cachedMod) {
		resp.Drain()
		return openCached(slot)
	}

	temp, err := slot.Create()
	if err != nil {
		resp.Drain()
		return nil, IOError{Op: "creating temp file", Err: err}
	}

	tee := teeread.New(resp.Body(), temp)
	if n := resp.ContentLength(); n >= 0 {
		tee.SetExpectedBytes(n)
	}
	tee.OnFailure(func() {
		logrus.WithFields(logrus.Fields{
			"url":      rawURL,
			"received": tee.ReceivedBytes(),
		}).Warn("download did not complete")
	})

	return &promotingStream{Reader: tee, temp: temp}, nil
}

func openCached(slot cache.Slot) (io.ReadCloser, error) {
	r, err := slot.Open()
	if err != nil {
		return nil, IOError{Op: "opening cached copy", Err: err}
	}

	return r, nil
}

// Close finalizes the transfer: a verified complete download replaces
// the slot contents, anything else leaves the slot untouched
func (s *promotingStream) Close() error {
	if err := s.Reader.Close(); err != nil {
		if dErr := s.temp.Discard(); dErr != nil {
			logrus.WithError(dErr).Error("discarding temp file after failed transfer")
		}
		return err
	}

	if err := s.temp.Promote(); err != nil {
		return IOError{Op: "promoting temp file", Err: err}
	}

	return nil
}
