// CLAUDE:SUMMARY Walks a live page (frames, open shadow roots) into a ref-indexed snapshot with a locator arena; renders semantic and numbered-tree forms.
// Package snapshot turns the rendered state of a page into a compact,
// indexed representation. Each included element gets ref eN in document
// order; the locator needed to find it again is stored at Locators[N-1].
package snapshot

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/devbrowser/idgen"
)

//go:embed walker.js
var walkerJS string

// DefaultMaxNodes bounds the number of refs in one snapshot.
const DefaultMaxNodes = 5000

// MarkProperty is the DOM expando the walker stamps on indexed elements.
const MarkProperty = "__devbrowserRef"

var newMark = idgen.NanoID(10)

// EntryKind distinguishes elements from document boundary markers.
type EntryKind string

const (
	KindElement      EntryKind = "element"
	KindFrameEnter   EntryKind = "frame-enter"
	KindFrameExit    EntryKind = "frame-exit"
	KindFrameBlocked EntryKind = "frame-blocked" // cross-origin, not traversed
	KindShadowOpen   EntryKind = "shadow-open"
	KindShadowClose  EntryKind = "shadow-close"
)

// ScopeKind is the kind of a hop into a nested document.
type ScopeKind string

const (
	ScopeFrame  ScopeKind = "frame"
	ScopeShadow ScopeKind = "shadow"
)

// Scope is one hop from an enclosing root into a nested one: the element at
// Path (frame or shadow host) relative to the enclosing root.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	Path []int     `json:"path"`
}

// Fingerprint is compared on resolution; any mismatch means the element at
// the locator is not the one that was indexed.
type Fingerprint struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Type      string `json:"type,omitempty"`
	Role      string `json:"role,omitempty"`
	AriaLabel string `json:"ariaLabel,omitempty"`
	Href      string `json:"href,omitempty"`
}

// Locator re-finds an indexed element in the page that produced the snapshot.
// Mark is the stamp the walker left on the element itself; when set, an
// element without that exact stamp is never accepted, whatever its path.
type Locator struct {
	Scopes      []Scope     `json:"scopes"`
	Path        []int       `json:"path"`
	Stable      string      `json:"stable,omitempty"`
	Tag         string      `json:"tag"`
	Mark        string      `json:"mark,omitempty"`
	Fingerprint Fingerprint `json:"fingerprint"`
}

// Scroll marks a scrollable container with its current offsets.
type Scroll struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Attr is one rendered attribute, in walker order.
type Attr struct {
	Name  string
	Value string
}

func (a Attr) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{a.Name, a.Value})
}

func (a *Attr) UnmarshalJSON(b []byte) error {
	var pair [2]string
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	a.Name, a.Value = pair[0], pair[1]
	return nil
}

// Entry is one line of a snapshot: an element or a boundary marker.
type Entry struct {
	Kind        EntryKind `json:"kind"`
	Depth       int       `json:"depth"`
	Ref         int       `json:"ref,omitempty"`
	Tag         string    `json:"tag,omitempty"`
	Role        string    `json:"role,omitempty"`
	Name        string    `json:"name,omitempty"`
	Text        string    `json:"text,omitempty"`
	Attrs       []Attr    `json:"attrs,omitempty"`
	Interactive bool      `json:"interactive,omitempty"`
	Scroll      *Scroll   `json:"scroll,omitempty"`
	Src         string    `json:"src,omitempty"`
}

// Snapshot is the indexed state of one page at one point in time.
type Snapshot struct {
	Page       string    `json:"page"`
	Seq        uint64    `json:"seq"`
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	CapturedAt time.Time `json:"capturedAt"`
	Truncated  bool      `json:"truncated,omitempty"`
	Entries    []Entry   `json:"entries"`
	Locators   []Locator `json:"locators"`
}

// Len returns the number of refs.
func (s *Snapshot) Len() int { return len(s.Locators) }

// Locator returns the locator for ref n (1-based).
func (s *Snapshot) Locator(n int) (Locator, bool) {
	if n < 1 || n > len(s.Locators) {
		return Locator{}, false
	}
	return s.Locators[n-1], true
}

// Entry returns the element entry for ref n (1-based).
func (s *Snapshot) Entry(n int) (Entry, bool) {
	for _, e := range s.Entries {
		if e.Kind == KindElement && e.Ref == n {
			return e, true
		}
	}
	return Entry{}, false
}

// Options controls Capture.
type Options struct {
	MaxNodes int
	Now      func() time.Time
	// Mark prefixes the stamps left on indexed elements. Default: a fresh ID.
	Mark string
}

// ErrMalformed is returned when walker output cannot be turned into a snapshot.
var ErrMalformed = errors.New("snapshot: malformed walker output")

type rawEntry struct {
	Entry
	Loc *Locator `json:"loc,omitempty"`
}

type rawSnapshot struct {
	URL       string     `json:"url"`
	Title     string     `json:"title"`
	Truncated bool       `json:"truncated"`
	Entries   []rawEntry `json:"entries"`
}

// Capture evaluates the walker in page and builds a snapshot. The page's
// context bounds the evaluation; callers set a timeout on it.
func Capture(ctx context.Context, page *rod.Page, opts Options) (*Snapshot, error) {
	max := opts.MaxNodes
	if max <= 0 {
		max = DefaultMaxNodes
	}
	mark := opts.Mark
	if mark == "" {
		mark = newMark()
	}
	res, err := page.Context(ctx).Eval(walkerJS, max, mark)
	if err != nil {
		return nil, fmt.Errorf("snapshot: walk: %w", err)
	}
	return Build([]byte(res.Value.JSON("", "")), opts)
}

// Build turns raw walker JSON into a snapshot: refs are assigned 1..N in
// entry order, locators move into the arena and text is truncated.
func Build(raw []byte, opts Options) (*Snapshot, error) {
	var rs rawSnapshot
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	snap := &Snapshot{
		URL:        rs.URL,
		Title:      TruncateText(rs.Title),
		CapturedAt: now(),
		Truncated:  rs.Truncated,
		Entries:    make([]Entry, 0, len(rs.Entries)),
	}
	depth := 0
	for i, re := range rs.Entries {
		e := re.Entry
		switch e.Kind {
		case KindElement:
			if re.Loc == nil {
				return nil, fmt.Errorf("%w: entry %d has no locator", ErrMalformed, i)
			}
			snap.Locators = append(snap.Locators, *re.Loc)
			e.Ref = len(snap.Locators)
			e.Name = TruncateText(e.Name)
			e.Text = TruncateText(e.Text)
			for j := range e.Attrs {
				e.Attrs[j].Value = TruncateAttr(e.Attrs[j].Value)
			}
		case KindFrameEnter, KindShadowOpen:
			depth++
			e.Src = TruncateAttr(e.Src)
		case KindFrameExit, KindShadowClose:
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("%w: unbalanced %s at entry %d", ErrMalformed, e.Kind, i)
			}
		case KindFrameBlocked:
			e.Src = TruncateAttr(e.Src)
		default:
			return nil, fmt.Errorf("%w: unknown entry kind %q", ErrMalformed, e.Kind)
		}
		snap.Entries = append(snap.Entries, e)
	}
	if depth != 0 {
		return nil, fmt.Errorf("%w: %d unclosed boundaries", ErrMalformed, depth)
	}
	return snap, nil
}
