package refs

import (
	"context"
	"errors"
	"sync"

	"github.com/hazyhaar/devbrowser/snapshot"
)

// ErrNoSnapshot is returned by Current when the page has no snapshot.
var ErrNoSnapshot = errors.New("refs: no snapshot for page")

// Store holds the current snapshot of each page. Committing replaces the
// previous snapshot wholesale and assigns the next sequence number.
type Store interface {
	Commit(ctx context.Context, page string, snap *snapshot.Snapshot) (uint64, error)
	Current(ctx context.Context, page string) (*snapshot.Snapshot, error)
	Drop(ctx context.Context, page string) error
}

// MemoryStore is the in-process Store owned by the server. Sequence numbers
// keep increasing across Drop, so a ref pinned to a closed page's snapshot
// never matches a later one.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]*snapshot.Snapshot
	seqs  map[string]uint64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps: make(map[string]*snapshot.Snapshot),
		seqs:  make(map[string]uint64),
	}
}

func (m *MemoryStore) Commit(_ context.Context, page string, snap *snapshot.Snapshot) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs[page]++
	seq := m.seqs[page]
	cp := *snap
	cp.Page = page
	cp.Seq = seq
	m.snaps[page] = &cp
	return seq, nil
}

func (m *MemoryStore) Current(_ context.Context, page string) (*snapshot.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snaps[page]
	if !ok {
		return nil, ErrNoSnapshot
	}
	return s, nil
}

func (m *MemoryStore) Drop(_ context.Context, page string) error {
	m.mu.Lock()
	delete(m.snaps, page)
	m.mu.Unlock()
	return nil
}

// Lookup finds the locator for ref in page's current snapshot.
func Lookup(ctx context.Context, store Store, page string, ref Ref) (snapshot.Locator, *snapshot.Snapshot, error) {
	snap, err := store.Current(ctx, page)
	if errors.Is(err, ErrNoSnapshot) {
		return snapshot.Locator{}, nil, &ErrStaleRef{Page: page, Ref: ref.String(), Reason: "page has no snapshot"}
	}
	if err != nil {
		return snapshot.Locator{}, nil, err
	}
	if ref.Seq != 0 && ref.Seq != snap.Seq {
		return snapshot.Locator{}, nil, &ErrStaleRef{Page: page, Ref: ref.String(), Reason: "snapshot superseded"}
	}
	loc, ok := snap.Locator(ref.N)
	if !ok {
		return snapshot.Locator{}, nil, &ErrStaleRef{Page: page, Ref: ref.String(), Reason: "not in current snapshot"}
	}
	return loc, snap, nil
}
