// Package horosafe holds the small safety checks devbrowser applies at its
// edges: output paths confined to the state directory, navigation URL
// schemes, and bounded reads of HTTP bodies.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"
)

// MaxResponseBody is the default cap for Control API response reads (16 MiB).
// Snapshots of large pages are the biggest payloads.
const MaxResponseBody int64 = 16 << 20

// ErrPathTraversal is returned when a user-supplied path escapes its base.
var ErrPathTraversal = errors.New("horosafe: path traversal detected")

// ErrUnsafeScheme is returned when a navigation URL uses a scheme outside
// the allowed set.
var ErrUnsafeScheme = errors.New("horosafe: URL scheme not allowed")

// NavigableSchemes are the schemes accepted by the navigate tool.
var NavigableSchemes = []string{"http", "https", "file", "about", "data"}

// SafePath validates that joining base and userInput does not escape base.
// Returns the cleaned absolute path or ErrPathTraversal.
func SafePath(base, userInput string) (string, error) {
	if strings.Contains(userInput, "..") {
		return "", ErrPathTraversal
	}
	cleaned := filepath.Join(base, filepath.Clean("/"+userInput))
	if !strings.HasPrefix(cleaned, filepath.Clean(base)+string(filepath.Separator)) &&
		cleaned != filepath.Clean(base) {
		return "", ErrPathTraversal
	}
	return cleaned, nil
}

// CheckScheme parses rawURL and verifies its scheme is one of allowed.
// A URL without a scheme is rejected; callers normalise bare hosts first.
func CheckScheme(rawURL string, allowed ...string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("horosafe: invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	for _, a := range allowed {
		if scheme == a {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsafeScheme, u.Scheme)
}

// LimitedReadAll reads at most maxBytes from r and fails if r holds more.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	lr := io.LimitReader(r, maxBytes+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("horosafe: response exceeds %d bytes", maxBytes)
	}
	return data, nil
}
