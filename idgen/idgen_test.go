package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestNanoID_Length(t *testing.T) {
	for _, length := range []int{8, 12, 16, 24} {
		id := NanoID(length)()
		if len(id) != length {
			t.Fatalf("NanoID(%d): got length %d", length, len(id))
		}
	}
}

func TestNanoID_Alphabet(t *testing.T) {
	id := NanoID(100)()
	for _, c := range id {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')) {
			t.Fatalf("NanoID: unexpected character %q in %q", c, id)
		}
	}
}

func TestUUIDv7_Format(t *testing.T) {
	id := UUIDv7()()
	if len(id) != 36 || strings.Count(id, "-") != 4 {
		t.Fatalf("UUIDv7: bad format %q", id)
	}
	u, err := uuid.Parse(id)
	if err != nil || u.Version() != 7 {
		t.Fatalf("UUIDv7: %q parses as version %v (%v)", id, u.Version(), err)
	}
}

func TestAudit_Prefix(t *testing.T) {
	id := Audit()
	if !strings.HasPrefix(id, "aud_") {
		t.Fatalf("Audit: expected prefix aud_, got %q", id)
	}
	if len(id) != 4+36 {
		t.Fatalf("Audit: expected length 40, got %d", len(id))
	}
}

func TestSequence_Concurrent(t *testing.T) {
	gen := Sequence("t")
	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := gen()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != 50 {
		t.Fatalf("Sequence: got %d distinct IDs, want 50", len(seen))
	}
	if !seen["t1"] || !seen["t50"] {
		t.Fatalf("Sequence: expected t1..t50, got %v", seen)
	}
}

