package broker

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ErrPageResolution is returned when a target ID handed out by the registry
// no longer matches any page in the attached browser.
type ErrPageResolution struct {
	TargetID string
}

func (e *ErrPageResolution) Error() string {
	return fmt.Sprintf("broker: no page with target id %s", e.TargetID)
}

func (e *ErrPageResolution) Kind() string { return "page_resolution" }

// ErrConnectionLost is returned when the broker cannot reach the browser,
// either because attaching failed or because an established connection died.
type ErrConnectionLost struct {
	Cause error
}

func (e *ErrConnectionLost) Error() string {
	return fmt.Sprintf("broker: connection lost: %v", e.Cause)
}

func (e *ErrConnectionLost) Unwrap() error { return e.Cause }

func (e *ErrConnectionLost) Kind() string { return "connection_lost" }

// IsConnectionError reports whether err comes from a dead or unreachable
// DevTools websocket rather than from the page itself.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var lost *ErrConnectionLost
	if errors.As(err, &lost) {
		return true
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
