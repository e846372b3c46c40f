package uri

import (
	"errors"
	"testing"
)

// TestRoundTrip reproduces spec.md §8 scenario 6 verbatim.
func TestRoundTrip(t *testing.T) {
	const path = "/usr/local/test/test.test"

	got := FromPath(path)
	want := "file:///usr/local/test/test.test"
	if got != want {
		t.Fatalf("FromPath = %q, want %q", got, want)
	}

	back, err := ToPath(got)
	if err != nil {
		t.Fatalf("ToPath: %v", err)
	}
	if back != path {
		t.Fatalf("ToPath = %q, want %q", back, path)
	}
}

func TestToPathRejectsNonFileScheme(t *testing.T) {
	_, err := ToPath("test")
	var invalid *ErrInvalidURI
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *ErrInvalidURI, got %v", err)
	}
}

func TestToPathRejectsHTTPScheme(t *testing.T) {
	_, err := ToPath("http://example.com/foo")
	var invalid *ErrInvalidURI
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *ErrInvalidURI, got %v", err)
	}
}
