package refs

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/devbrowser/snapshot"
)

//go:embed resolve.js
var resolveJS string

// Pages resolves a page name to the live page. Implemented by broker.Broker.
type Pages interface {
	Page(ctx context.Context, name string) (*rod.Page, error)
}

// Resolved is a ref bound to a live element.
type Resolved struct {
	Ref      Ref
	Element  *rod.Element
	Locator  snapshot.Locator
	Snapshot *snapshot.Snapshot
}

// InFrame reports whether the element lives in a nested frame document.
func (r *Resolved) InFrame() bool {
	for _, s := range r.Locator.Scopes {
		if s.Kind == snapshot.ScopeFrame {
			return true
		}
	}
	return false
}

// Resolver turns refs into live elements and selectors.
type Resolver struct {
	store   Store
	pages   Pages
	timeout time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTimeout bounds each resolution. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// NewResolver creates a Resolver over store and pages.
func NewResolver(store Store, pages Pages, opts ...Option) *Resolver {
	r := &Resolver{store: store, pages: pages, timeout: 30 * time.Second}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve looks ref up in the page's current snapshot and re-locates the
// element in the live document.
func (r *Resolver) Resolve(ctx context.Context, pageName, ref string) (*Resolved, error) {
	parsed, err := Parse(ref)
	if err != nil {
		return nil, err
	}
	loc, snap, err := Lookup(ctx, r.store, pageName, parsed)
	if err != nil {
		return nil, err
	}
	page, err := r.pages.Page(ctx, pageName)
	if err != nil {
		return nil, err
	}

	el, err := page.Context(ctx).Timeout(r.timeout).
		Sleeper(rod.NotFoundSleeper).
		ElementByJS(rod.Eval(resolveJS, loc, "element"))
	if err != nil {
		var nf *rod.ElementNotFoundError
		if errors.As(err, &nf) {
			return nil, &ErrElementDetached{Page: pageName, Ref: parsed.String()}
		}
		return nil, fmt.Errorf("refs: locate %s: %w", parsed, err)
	}
	return &Resolved{Ref: parsed, Element: el.Context(ctx), Locator: loc, Snapshot: snap}, nil
}

// ResolveElement returns the live element for ref.
func (r *Resolver) ResolveElement(ctx context.Context, pageName, ref string) (*rod.Element, error) {
	res, err := r.Resolve(ctx, pageName, ref)
	if err != nil {
		return nil, err
	}
	return res.Element, nil
}

// ResolveSelector synthesizes a selector that matches exactly the element
// ref points to, checked against the live page before returning. Nested
// documents are separated by " >>> ".
func (r *Resolver) ResolveSelector(ctx context.Context, pageName, ref string) (string, error) {
	parsed, err := Parse(ref)
	if err != nil {
		return "", err
	}
	loc, _, err := Lookup(ctx, r.store, pageName, parsed)
	if err != nil {
		return "", err
	}
	page, err := r.pages.Page(ctx, pageName)
	if err != nil {
		return "", err
	}

	res, err := page.Context(ctx).Timeout(r.timeout).Eval(resolveJS, loc, "selector")
	if err != nil {
		return "", fmt.Errorf("refs: synthesize %s: %w", parsed, err)
	}
	switch res.Value.Get("error").Str() {
	case "":
	case "detached":
		return "", &ErrElementDetached{Page: pageName, Ref: parsed.String()}
	default:
		return "", &ErrNoSelector{Page: pageName, Ref: parsed.String()}
	}
	sel := res.Value.Get("selector").Str()
	if sel == "" {
		return "", &ErrNoSelector{Page: pageName, Ref: parsed.String()}
	}
	return sel, nil
}
