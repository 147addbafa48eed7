// Package sha256 includes tests for the SHA-256 hasher adapter.
package sha256

import (
	"encoding/hex"
	"testing"
)

// TestHasherDeterministic ensures repeated hashing yields the same digest.
func TestHasherDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got := h.Hex([]byte("hello world")); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	sum := h.Sum([]byte("hello world"))
	if len(sum) != 32 {
		t.Fatalf("expected 32-byte digest, got %d", len(sum))
	}
	if hex.EncodeToString(sum) != want {
		t.Fatalf("Sum and Hex disagree: %x", sum)
	}
}

// TestHasherEmptyInput hashes an empty page.
func TestHasherEmptyInput(t *testing.T) {
	t.Parallel()

	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := New().Hex(nil); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
