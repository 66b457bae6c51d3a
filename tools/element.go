package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/devbrowser/refs"
)

// Click clicks the element behind ref. Elements inside nested frames are
// clicked through the DOM because mouse coordinates are relative to the
// top document.
func (s *Service) Click(ctx context.Context, name, ref string) *Result {
	return s.withRef(ctx, pageOrDefault(name), ref, func(ctx context.Context, r *refs.Resolved) (*Result, error) {
		if r.InFrame() {
			if _, err := r.Element.Eval(`() => { this.scrollIntoView({block: "center"}); this.click() }`); err != nil {
				return nil, fmt.Errorf("tools: click %s: %w", r.Ref, err)
			}
			return Text("clicked %s", r.Ref), nil
		}
		if err := r.Element.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return nil, fmt.Errorf("tools: click %s: %w", r.Ref, err)
		}
		return Text("clicked %s", r.Ref), nil
	})
}

// TypeOptions controls Type.
type TypeOptions struct {
	Clear  bool // replace the current value
	Submit bool // press Enter afterwards
}

// Type focuses the element behind ref and inserts text.
func (s *Service) Type(ctx context.Context, name, ref, text string, opts TypeOptions) *Result {
	return s.withRef(ctx, pageOrDefault(name), ref, func(ctx context.Context, r *refs.Resolved) (*Result, error) {
		if opts.Clear {
			if err := r.Element.SelectAllText(); err != nil {
				return nil, fmt.Errorf("tools: select text of %s: %w", r.Ref, err)
			}
		}
		if err := r.Element.Input(text); err != nil {
			return nil, fmt.Errorf("tools: type into %s: %w", r.Ref, err)
		}
		if opts.Submit {
			if err := r.Element.Type(input.Enter); err != nil {
				return nil, fmt.Errorf("tools: submit %s: %w", r.Ref, err)
			}
		}
		var b strings.Builder
		fmt.Fprintf(&b, "typed %d characters into %s", len([]rune(text)), r.Ref)
		if opts.Submit {
			b.WriteString(" and pressed Enter")
		}
		return &Result{Text: b.String()}, nil
	})
}

// Selector returns a CSS selector matching exactly the element behind ref
// in the live page. Selectors crossing frames or shadow roots join their
// parts with " >>> ".
func (s *Service) Selector(ctx context.Context, name, ref string) *Result {
	name = pageOrDefault(name)
	if strings.TrimSpace(ref) == "" {
		return s.fail(ctx, invalid("ref", "must not be empty"))
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	sel, err := s.resolver.ResolveSelector(ctx, name, ref)
	if err != nil {
		return s.fail(ctx, s.cfg.Pages.Observe(err))
	}
	return &Result{Text: sel}
}

// ListPages returns the registry's page names, one per line.
func (s *Service) ListPages(ctx context.Context) *Result {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	names, err := s.cfg.Control.List(ctx)
	if err != nil {
		return s.fail(ctx, err)
	}
	if len(names) == 0 {
		return Text("no pages")
	}
	return &Result{Text: strings.Join(names, "\n")}
}

// ClosePage closes the named page and forgets it.
func (s *Service) ClosePage(ctx context.Context, name string) *Result {
	name = pageOrDefault(name)
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if err := s.cfg.Control.ClosePage(ctx, name); err != nil {
		return s.fail(ctx, err)
	}
	return Text("closed %q", name)
}
