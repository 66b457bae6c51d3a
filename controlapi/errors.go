package controlapi

import "fmt"

// ErrUnreachable is returned when the control API cannot be reached at all.
type ErrUnreachable struct {
	URL   string
	Cause error
}

func (e *ErrUnreachable) Error() string {
	return fmt.Sprintf("controlapi: server unreachable at %s: %v", e.URL, e.Cause)
}

func (e *ErrUnreachable) Unwrap() error { return e.Cause }

func (e *ErrUnreachable) Kind() string { return "connection_lost" }

// ErrStatus is a non-success response from the control API.
type ErrStatus struct {
	Status  int
	APIKind string
	Message string
}

func (e *ErrStatus) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("controlapi: HTTP %d", e.Status)
	}
	return fmt.Sprintf("controlapi: HTTP %d: %s", e.Status, e.Message)
}

func (e *ErrStatus) Kind() string {
	if e.APIKind != "" {
		return e.APIKind
	}
	return "engine"
}
