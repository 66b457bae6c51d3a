// CLAUDE:SUMMARY Parses refs (eN, sK:eN), stores the current snapshot per page, and resolves refs to live elements or verified selectors.
// Package refs resolves snapshot refs back into the live page.
//
// A pinned ref "sK:eN", the form snapshots print, addresses snapshot K
// only and is stale as soon as snapshot K+1 exists, even if the element is
// unchanged. A bare ref "eN" addresses the page's current snapshot.
package refs

import (
	"fmt"
	"strconv"
	"strings"
)

// Ref identifies one element of one snapshot.
type Ref struct {
	Seq uint64 // 0 means the current snapshot
	N   int
}

// Parse accepts "e3", "@e3", "ref=e3", "s2:e3" and "3".
func Parse(s string) (Ref, error) {
	in := s
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "@")
	s = strings.TrimPrefix(s, "ref=")

	var r Ref
	if head, tail, ok := strings.Cut(s, ":"); ok {
		if !strings.HasPrefix(head, "s") {
			return Ref{}, &ErrInvalidRef{Input: in}
		}
		seq, err := strconv.ParseUint(head[1:], 10, 64)
		if err != nil || seq == 0 {
			return Ref{}, &ErrInvalidRef{Input: in}
		}
		r.Seq = seq
		s = tail
	}
	s = strings.TrimPrefix(s, "e")
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || strings.HasPrefix(s, "+") {
		return Ref{}, &ErrInvalidRef{Input: in}
	}
	r.N = n
	return r, nil
}

// String renders the canonical form.
func (r Ref) String() string {
	if r.Seq != 0 {
		return fmt.Sprintf("s%d:e%d", r.Seq, r.N)
	}
	return fmt.Sprintf("e%d", r.N)
}

// Pin returns the ref qualified with snapshot seq.
func Pin(seq uint64, n int) Ref { return Ref{Seq: seq, N: n} }
