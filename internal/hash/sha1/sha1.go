// Package sha1 provides the SHA-1 digests used for batch fingerprints and
// the pipeline identity reported to the coordinator.
package sha1

import (
	"crypto/sha1" //nolint:gosec // SHA-1 is the coordinator's naming and identity scheme, not a security boundary.
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Size is the length of a hex-encoded digest.
const Size = sha1.Size * 2

// Hasher implements archive.Hasher using SHA-1.
type Hasher struct{}

// New returns a SHA-1 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha1.Sum(data) //nolint:gosec // see import.
	return hex.EncodeToString(sum[:]), nil
}

// HashFile streams a file through SHA-1 and returns its hex digest.
func (h *Hasher) HashFile(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 -- paths come from operator configuration.
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	digest := sha1.New() //nolint:gosec // see import.
	if _, err := io.Copy(digest, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}
