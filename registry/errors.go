package registry

import (
	"errors"
	"fmt"
)

// ErrInvalidName is returned for an empty page name.
var ErrInvalidName = errors.New("registry: page name must not be empty")

// ErrPageNotFound is returned when Close or Get targets a name with no entry.
type ErrPageNotFound struct {
	Name string
}

func (e *ErrPageNotFound) Error() string {
	return fmt.Sprintf("registry: page not found: %q", e.Name)
}

func (e *ErrPageNotFound) Kind() string { return "page_not_found" }

// ErrTargetReused is returned when the browser hands back a target ID that
// belonged to a page closed earlier. Target IDs are never reassigned.
type ErrTargetReused struct {
	Name     string
	TargetID string
}

func (e *ErrTargetReused) Error() string {
	return fmt.Sprintf("registry: target %s for page %q was already retired", e.TargetID, e.Name)
}

// ErrOpenFailed wraps an Opener failure.
type ErrOpenFailed struct {
	Name  string
	Cause error
}

func (e *ErrOpenFailed) Error() string {
	return fmt.Sprintf("registry: open page %q: %v", e.Name, e.Cause)
}

func (e *ErrOpenFailed) Unwrap() error { return e.Cause }
