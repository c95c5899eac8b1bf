package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrLoginRejected is returned when the backend answers a login request with
// success=false (wrong credentials, disabled account) rather than a transport
// or HTTP level failure.
var ErrLoginRejected = errors.New("login rejected by server")

// NetworkError means the request never produced an HTTP response: DNS
// failure, refused connection, timeout, cancelled context.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx response from the backend. Body holds a short
// excerpt of the response body for logging.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// DecodeError is a 2xx response whose body did not match the expected shape.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsUnauthorized reports whether err is an HTTPError with status 401.
func IsUnauthorized(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Status == http.StatusUnauthorized
}
