package fetch

import "fmt"

type (
	// TransportError wraps a connection level failure (DNS, TLS,
	// refused connection). The fetcher never retries these itself.
	TransportError struct {
		URL string
		Err error
	}

	// IOError wraps a local filesystem failure while reading or
	// writing the cache slot
	IOError struct {
		Op  string
		Err error
	}
)

func (e TransportError) Error() string {
	return fmt.Sprintf("connecting to %s: %s", e.URL, e.Err)
}

func (e TransportError) Unwrap() error { return e.Err }

func (e IOError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e IOError) Unwrap() error { return e.Err }
