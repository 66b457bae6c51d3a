package refs

import "fmt"

// ErrStaleRef is returned when a ref is not in the page's current snapshot:
// the ref is unknown, no snapshot exists, or the snapshot it was issued by
// has been superseded.
type ErrStaleRef struct {
	Page   string
	Ref    string
	Reason string
}

func (e *ErrStaleRef) Error() string {
	return fmt.Sprintf("refs: stale ref %s on page %q: %s; take a new snapshot", e.Ref, e.Page, e.Reason)
}

func (e *ErrStaleRef) Kind() string { return "stale_ref" }

// ErrElementDetached is returned when the ref is current but the element it
// indexed can no longer be found in the live page.
type ErrElementDetached struct {
	Page string
	Ref  string
}

func (e *ErrElementDetached) Error() string {
	return fmt.Sprintf("refs: element %s on page %q is no longer in the document", e.Ref, e.Page)
}

func (e *ErrElementDetached) Kind() string { return "element_detached" }

// ErrInvalidRef is returned for strings that are not refs.
type ErrInvalidRef struct {
	Input string
}

func (e *ErrInvalidRef) Error() string {
	return fmt.Sprintf("refs: invalid ref %q (want eN or sK:eN)", e.Input)
}

func (e *ErrInvalidRef) Kind() string { return "invalid_argument" }

// ErrNoSelector is returned when no selector matching exactly the element
// could be synthesized.
type ErrNoSelector struct {
	Page string
	Ref  string
}

func (e *ErrNoSelector) Error() string {
	return fmt.Sprintf("refs: no unique selector for %s on page %q", e.Ref, e.Page)
}
