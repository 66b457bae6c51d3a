package refs

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/devbrowser/snapshot"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Ref
	}{
		{"e3", Ref{N: 3}},
		{"@e12", Ref{N: 12}},
		{"ref=e1", Ref{N: 1}},
		{"7", Ref{N: 7}},
		{"s2:e3", Ref{Seq: 2, N: 3}},
		{" e4 ", Ref{N: 4}},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "e", "e0", "e-1", "x3", "s:e1", "s0:e1", "t2:e1", "e1.5", "e+3"} {
		_, err := Parse(in)
		var inv *ErrInvalidRef
		if !errors.As(err, &inv) {
			t.Errorf("Parse(%q) err = %v, want ErrInvalidRef", in, err)
		}
	}
}

func TestRefString(t *testing.T) {
	if s := (Ref{N: 3}).String(); s != "e3" {
		t.Errorf("got %q", s)
	}
	if s := Pin(4, 2).String(); s != "s4:e2" {
		t.Errorf("got %q", s)
	}
}

func snap(n int) *snapshot.Snapshot {
	s := &snapshot.Snapshot{}
	for i := 1; i <= n; i++ {
		s.Entries = append(s.Entries, snapshot.Entry{Kind: snapshot.KindElement, Ref: i, Tag: "button"})
		s.Locators = append(s.Locators, snapshot.Locator{Path: []int{0, 1, i - 1}, Tag: "button"})
	}
	return s
}

func TestMemoryStore_CommitAssignsSeq(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	s1, _ := m.Commit(ctx, "a", snap(2))
	s2, _ := m.Commit(ctx, "a", snap(2))
	other, _ := m.Commit(ctx, "b", snap(1))
	if s1 != 1 || s2 != 2 || other != 1 {
		t.Fatalf("seqs = %d, %d, %d", s1, s2, other)
	}

	cur, err := m.Current(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if cur.Seq != 2 || cur.Page != "a" {
		t.Fatalf("current = seq %d page %q", cur.Seq, cur.Page)
	}
}

func TestMemoryStore_SeqSurvivesDrop(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.Commit(ctx, "a", snap(1))
	m.Drop(ctx, "a")
	if _, err := m.Current(ctx, "a"); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("err = %v", err)
	}
	seq, _ := m.Commit(ctx, "a", snap(1))
	if seq != 2 {
		t.Fatalf("seq after drop = %d, want 2", seq)
	}
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.Commit(ctx, "search", snap(5))

	loc, s, err := Lookup(ctx, m, "search", Ref{N: 3})
	if err != nil {
		t.Fatal(err)
	}
	if s.Seq != 1 || loc.Path[2] != 2 {
		t.Fatalf("seq=%d path=%v", s.Seq, loc.Path)
	}
	if _, _, err := Lookup(ctx, m, "search", Pin(1, 3)); err != nil {
		t.Fatalf("pinned current ref: %v", err)
	}
}

func TestLookup_Stale(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.Commit(ctx, "search", snap(5))
	m.Commit(ctx, "search", snap(5))

	tests := map[string]struct {
		page string
		ref  Ref
	}{
		"superseded snapshot": {"search", Pin(1, 3)},
		"unknown ref":         {"search", Ref{N: 99}},
		"no snapshot":         {"other", Ref{N: 1}},
	}
	for name, tt := range tests {
		_, _, err := Lookup(ctx, m, tt.page, tt.ref)
		var stale *ErrStaleRef
		if !errors.As(err, &stale) {
			t.Errorf("%s: err = %v, want ErrStaleRef", name, err)
			continue
		}
		if stale.Kind() != "stale_ref" {
			t.Errorf("%s: kind = %q", name, stale.Kind())
		}
	}
}

type noPages struct{ called bool }

func (p *noPages) Page(ctx context.Context, name string) (*rod.Page, error) {
	p.called = true
	return nil, errors.New("no browser")
}

func TestResolver_StaleBeforeTouchingBrowser(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.Commit(ctx, "p", snap(2))
	m.Commit(ctx, "p", snap(2))
	pages := &noPages{}
	r := NewResolver(m, pages)

	_, err := r.ResolveElement(ctx, "p", "s1:e1")
	var stale *ErrStaleRef
	if !errors.As(err, &stale) {
		t.Fatalf("err = %v, want ErrStaleRef", err)
	}
	_, err = r.ResolveSelector(ctx, "p", "e42")
	if !errors.As(err, &stale) {
		t.Fatalf("selector err = %v, want ErrStaleRef", err)
	}
	if _, err := r.ResolveElement(ctx, "p", "bogus"); err == nil {
		t.Fatal("expected invalid ref error")
	}
	if pages.called {
		t.Fatal("stale refs must fail without resolving the page")
	}
}

func TestResolved_InFrame(t *testing.T) {
	r := &Resolved{Locator: snapshot.Locator{Scopes: []snapshot.Scope{{Kind: snapshot.ScopeShadow}}}}
	if r.InFrame() {
		t.Fatal("shadow scope is not a frame")
	}
	r.Locator.Scopes = append(r.Locator.Scopes, snapshot.Scope{Kind: snapshot.ScopeFrame})
	if !r.InFrame() {
		t.Fatal("expected frame")
	}
}

func TestEmbeddedScripts(t *testing.T) {
	if resolveJS == "" {
		t.Fatal("resolve.js not embedded")
	}
	if !strings.HasPrefix(resolveJS, "(loc, mode) =>") {
		t.Fatalf("resolve.js must be a function expression, starts with %.20q", resolveJS)
	}
	if !strings.Contains(resolveJS, "'"+snapshot.MarkProperty+"'") {
		t.Fatalf("resolve.js does not check %s", snapshot.MarkProperty)
	}
}
