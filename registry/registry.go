// CLAUDE:SUMMARY Server-owned map from page name to browser target ID with atomic get-or-create and close.
// Package registry owns the mapping from client-chosen page names to the
// browser targets that back them. It is the only component that opens or
// closes pages; clients address pages by name and recover the live page
// from the target ID.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Opener creates and destroys browser pages. Implemented by browserhost.Host.
type Opener interface {
	OpenPage(ctx context.Context) (targetID string, err error)
	ClosePage(ctx context.Context, targetID string) error
}

// Entry is one named page.
type Entry struct {
	Name      string    `json:"name"`
	TargetID  string    `json:"targetId"`
	CreatedAt time.Time `json:"createdAt"`

	seq uint64
}

// Registry maps page names to target IDs. At most one entry exists per name.
type Registry struct {
	opener Opener
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	entries  map[string]*Entry
	byTarget map[string]string
	seq      uint64
	onClose  []func(name string)

	// retired holds the last retiredMax closed target IDs; retiredOrder
	// lists them oldest first.
	retired      map[string]struct{}
	retiredOrder []string
	retiredMax   int

	flight singleflight.Group
}

// DefaultRetiredLimit is how many closed target IDs a registry remembers
// to refuse their reuse.
const DefaultRetiredLimit = 4096

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithRetiredLimit bounds the remembered closed target IDs. Default:
// DefaultRetiredLimit.
func WithRetiredLimit(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.retiredMax = n
		}
	}
}

// WithClock overrides time.Now for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry backed by opener.
func New(opener Opener, opts ...Option) *Registry {
	r := &Registry{
		opener:   opener,
		logger:   slog.Default(),
		now:      time.Now,
		entries:  make(map[string]*Entry),
		byTarget: make(map[string]string),
		retired:  make(map[string]struct{}),

		retiredMax: DefaultRetiredLimit,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// OnClose registers fn to run after a page leaves the registry, whether by
// Close, CloseAll or Forget.
func (r *Registry) OnClose(fn func(name string)) {
	r.mu.Lock()
	r.onClose = append(r.onClose, fn)
	r.mu.Unlock()
}

// GetOrCreate returns the target ID for name, opening a page if none exists.
// Concurrent calls with the same name share one open.
func (r *Registry) GetOrCreate(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", ErrInvalidName
	}
	if id, ok := r.lookup(name); ok {
		return id, nil
	}

	v, err, shared := r.flight.Do(name, func() (any, error) {
		if id, ok := r.lookup(name); ok {
			return id, nil
		}
		// Detached from the caller's cancellation: joined callers share this open.
		id, err := r.opener.OpenPage(context.WithoutCancel(ctx))
		if err != nil {
			return "", &ErrOpenFailed{Name: name, Cause: err}
		}

		r.mu.Lock()
		if _, dead := r.retired[id]; dead {
			r.mu.Unlock()
			_ = r.opener.ClosePage(context.WithoutCancel(ctx), id)
			return "", &ErrTargetReused{Name: name, TargetID: id}
		}
		r.seq++
		r.entries[name] = &Entry{Name: name, TargetID: id, CreatedAt: r.now(), seq: r.seq}
		r.byTarget[id] = name
		r.mu.Unlock()

		r.logger.Info("registry: page created", "page", name, "target_id", id)
		return id, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		r.logger.Debug("registry: joined in-flight create", "page", name)
	}
	return v.(string), nil
}

// Get returns the entry for name.
func (r *Registry) Get(name string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, &ErrPageNotFound{Name: name}
	}
	return *e, nil
}

// List returns page names in creation order.
func (r *Registry) List() []string {
	r.mu.Lock()
	all := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	r.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	names := make([]string, len(all))
	for i, e := range all {
		names[i] = e.Name
	}
	return names
}

// Entries returns a copy of all entries in creation order.
func (r *Registry) Entries() []Entry {
	names := r.List()
	out := make([]Entry, 0, len(names))
	for _, n := range names {
		if e, err := r.Get(n); err == nil {
			out = append(out, e)
		}
	}
	return out
}

// Close closes the page behind name and removes its entry. The entry is
// removed even when the browser fails to close the target; that failure is
// returned wrapped.
func (r *Registry) Close(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return &ErrPageNotFound{Name: name}
	}
	r.removeLocked(e)
	hooks := append([]func(string){}, r.onClose...)
	r.mu.Unlock()

	err := r.opener.ClosePage(ctx, e.TargetID)
	for _, fn := range hooks {
		fn(name)
	}
	if err != nil {
		r.logger.Warn("registry: close target failed", "page", name, "target_id", e.TargetID, "error", err)
		return fmt.Errorf("registry: close %q: %w", name, err)
	}
	r.logger.Info("registry: page closed", "page", name, "target_id", e.TargetID)
	return nil
}

// Forget drops the entry whose target was destroyed outside the registry
// (the user closed the tab, the renderer crashed). Returns the page name.
func (r *Registry) Forget(targetID string) (string, bool) {
	r.mu.Lock()
	name, ok := r.byTarget[targetID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	r.removeLocked(r.entries[name])
	hooks := append([]func(string){}, r.onClose...)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(name)
	}
	r.logger.Info("registry: target destroyed, entry dropped", "page", name, "target_id", targetID)
	return name, true
}

// Reset drops every entry without closing targets. Used after the browser
// process was replaced and all previous targets are gone.
func (r *Registry) Reset() {
	r.mu.Lock()
	var names []string
	for _, e := range r.entries {
		names = append(names, e.Name)
		r.removeLocked(e)
	}
	hooks := append([]func(string){}, r.onClose...)
	r.mu.Unlock()

	for _, name := range names {
		for _, fn := range hooks {
			fn(name)
		}
	}
	if len(names) > 0 {
		r.logger.Warn("registry: reset after browser relaunch", "dropped", len(names))
	}
}

// CloseAll closes every registered page.
func (r *Registry) CloseAll(ctx context.Context) error {
	var errs []error
	for _, name := range r.List() {
		if err := r.Close(ctx, name); err != nil {
			var nf *ErrPageNotFound
			if !errors.As(err, &nf) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) lookup(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		return e.TargetID, true
	}
	return "", false
}

func (r *Registry) removeLocked(e *Entry) {
	delete(r.entries, e.Name)
	delete(r.byTarget, e.TargetID)
	r.retire(e.TargetID)
}

func (r *Registry) retire(id string) {
	if _, ok := r.retired[id]; ok {
		return
	}
	r.retired[id] = struct{}{}
	r.retiredOrder = append(r.retiredOrder, id)
	if len(r.retiredOrder) > r.retiredMax {
		delete(r.retired, r.retiredOrder[0])
		r.retiredOrder = r.retiredOrder[1:]
	}
}
