package horosafe

import (
	"errors"
	"strings"
	"testing"
)

func TestSafePath(t *testing.T) {
	tests := []struct {
		base, input string
		wantErr     bool
	}{
		{"/state/screenshots", "shot.png", false},
		{"/state/screenshots", "main/shot.png", false},
		{"/state/screenshots", "../profile/Cookies", true},
		{"/state/screenshots", "a/../../outside", true},
		{"/state/screenshots", "/etc/passwd", false}, // re-rooted under base
	}
	for _, tt := range tests {
		got, err := SafePath(tt.base, tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("SafePath(%q, %q) error=%v, wantErr=%v", tt.base, tt.input, err, tt.wantErr)
		}
		if err == nil && !strings.HasPrefix(got, tt.base) {
			t.Errorf("SafePath(%q, %q) = %q escapes base", tt.base, tt.input, got)
		}
	}
}

func TestCheckScheme(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://example.com/", false},
		{"http://localhost:3000/login", false},
		{"about:blank", false},
		{"file:///tmp/page.html", false},
		{"javascript:alert(1)", true},
		{"chrome://settings", true},
		{"example.com", true},
	}
	for _, tt := range tests {
		_, err := CheckScheme(tt.url, NavigableSchemes...)
		if (err != nil) != tt.wantErr {
			t.Errorf("CheckScheme(%q) error=%v, wantErr=%v", tt.url, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrUnsafeScheme) {
			t.Errorf("CheckScheme(%q) = %v, want ErrUnsafeScheme", tt.url, err)
		}
	}
}

func TestLimitedReadAll(t *testing.T) {
	data, err := LimitedReadAll(strings.NewReader("hello"), 10)
	if err != nil || string(data) != "hello" {
		t.Fatalf("got %q, %v", data, err)
	}
	if _, err := LimitedReadAll(strings.NewReader("hello world"), 5); err == nil {
		t.Fatal("expected error for oversized body")
	}
}
