package testutils

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
)

// GenerateTestFile writes size random bytes to a file in the test temp dir.
func GenerateTestFile(t *testing.T, size int) (path string, content []byte) {
	t.Helper()

	content = make([]byte, size)
	if _, err := rand.Read(content); err != nil {
		t.Fatalf("failed to generate test data: %v", err)
	}

	path = filepath.Join(t.TempDir(), "backing")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("failed to write test data: %v", err)
	}

	return path, content
}

// FirstDifferentByte returns the first byte index where a and b differ.
// It also returns the differing byte values (want, got).
// If slices are identical, it returns -1.
func FirstDifferentByte(a, b []byte) (idx int, want, got byte) {
	minLen := min(len(a), len(b))

	for i := range minLen {
		if a[i] != b[i] {
			return i, b[i], a[i]
		}
	}

	if len(a) != len(b) {
		return minLen, 0, 0
	}

	return -1, 0, 0
}
