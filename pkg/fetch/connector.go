package fetch

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// drainLimit caps how much of an unwanted body is consumed before
// closing the connection on a short-circuit path
const drainLimit = 1 << 20

type (
	// Connector opens connections to remote resources. It exists as an
	// interface so tests and non-HTTP transports can stand in for the
	// default net/http based implementation.
	Connector interface {
		Open(ctx context.Context, rawURL string) (Connection, error)
	}

	// Connection models a single request / response exchange
	Connection interface {
		// SetHeader sets a request header, to be called before Do
		SetHeader(key, value string)
		// Do issues the request
		Do() (Response, error)
	}

	// Response is the answer of the remote to a single request
	Response interface {
		// StatusCode returns the numeric HTTP status code, ok is false
		// when the transport carries no status codes
		StatusCode() (code int, ok bool)
		// LastModified returns the parsed Last-Modified header, ok is
		// false when the header is absent or unparseable
		LastModified() (t time.Time, ok bool)
		// ContentLength returns the announced body size, -1 when unknown
		ContentLength() int64
		// Body returns the response body stream
		Body() io.ReadCloser
		// Drain releases the connection resources without using the
		// body, best effort
		Drain()
	}

	// HTTPConnector implements the Connector interface on net/http
	HTTPConnector struct {
		// Client to issue requests with, http.DefaultClient when unset
		Client *http.Client
	}

	httpConnection struct {
		client *http.Client
		req    *http.Request
	}

	httpResponse struct{ resp *http.Response }
)

// Open implements the Connector Open method
func (c HTTPConnector) Open(ctx context.Context, rawURL string) (Connection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	return &httpConnection{client: client, req: req}, nil
}

func (c *httpConnection) SetHeader(key, value string) { c.req.Header.Set(key, value) }

func (c *httpConnection) Do() (Response, error) {
	resp, err := c.client.Do(c.req)
	if err != nil {
		return nil, errors.Wrap(err, "issuing request")
	}

	return httpResponse{resp}, nil
}

func (r httpResponse) StatusCode() (int, bool) { return r.resp.StatusCode, true }

func (r httpResponse) LastModified() (time.Time, bool) {
	v := r.resp.Header.Get("Last-Modified")
	if v == "" {
		return time.Time{}, false
	}

	t, err := ParseHTTPDate(v)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}

func (r httpResponse) ContentLength() int64 { return r.resp.ContentLength }

func (r httpResponse) Body() io.ReadCloser { return r.resp.Body }

func (r httpResponse) Drain() {
	if _, err := io.Copy(io.Discard, io.LimitReader(r.resp.Body, drainLimit)); err != nil {
		logrus.WithError(err).Debug("draining unused response body")
	}

	if err := r.resp.Body.Close(); err != nil {
		logrus.WithError(err).Debug("closing unused response body")
	}
}
