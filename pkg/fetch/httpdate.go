package fetch

import (
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// FormatHTTPDate renders t in the HTTP date format (RFC 7231), always
// GMT, e.g. "Sat, 29 Oct 1994 19:43:31 GMT"
func FormatHTTPDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// ParseHTTPDate parses an HTTP date header value back into an instant
func ParseHTTPDate(v string) (time.Time, error) {
	t, err := time.Parse(http.TimeFormat, v)
	return t, errors.Wrap(err, "parsing HTTP date")
}
