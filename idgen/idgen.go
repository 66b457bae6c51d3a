// Package idgen provides the ID generators used across devbrowser: audit
// entry IDs, per-request trace IDs and MCP session IDs.
//
// Constructors that need IDs accept a Generator, so tests can inject a
// deterministic sequence.
package idgen

import (
	"crypto/rand"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// NanoID returns a Generator that produces base-36 IDs of the given length.
// Short and URL-safe; used for trace IDs that end up in response headers.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(buf)
	}
}

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, so audit rows sort by insertion without an extra index.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a Generator producing prefix1, prefix2, ... Safe for
// concurrent use. Meant for tests.
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s%d", prefix, n.Add(1))
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// Audit produces audit entry IDs ("aud_<uuidv7>").
var Audit Generator = Prefixed("aud_", Default)

// Trace produces short request trace IDs.
var Trace Generator = NanoID(8)

// New produces an ID using the Default generator.
func New() string {
	return Default()
}
