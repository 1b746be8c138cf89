package relay

import (
	"errors"
	"fmt"
)

// Client errors: reported immediately, no retry, no partial session.
var (
	ErrLineNotFound   = errors.New("line not found")
	ErrStreamNotFound = errors.New("stream not found")
	ErrQuotaExceeded  = errors.New("connection quota exceeded")
)

// ErrUpstreamTimeout marks an origin connect attempt that exceeded the
// configured timeout. Maps to 504.
var ErrUpstreamTimeout = errors.New("upstream connect timeout")

// UpstreamError is a non-timeout origin failure before any bytes were sent
// to the client. Maps to 502.
type UpstreamError struct {
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream connect failed: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
