// Package fingerprint derives the filesystem-safe workspace and artifact names
// for a batch from its claimed item name.
package fingerprint

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/archive-pipeline/internal/archive"
)

// TimestampLayout renders the second-resolution suffix of an artifact base.
const TimestampLayout = "20060102-150405"

// Name is the result of fingerprinting an item name.
type Name struct {
	// Digest is the hex hash of the item name; used as the workspace directory.
	Digest string
	// Base prefixes every artifact file of the batch.
	Base string
}

// Namer builds fingerprints from a prefix, a hasher and a clock.
type Namer struct {
	prefix string
	hasher archive.Hasher
	clock  archive.Clock
}

// New constructs a Namer. The prefix must not contain path separators.
func New(prefix string, hasher archive.Hasher, clock archive.Clock) (*Namer, error) {
	if hasher == nil || clock == nil {
		return nil, errors.New("fingerprint: hasher and clock are required")
	}
	if strings.ContainsAny(prefix, `/\`) {
		return nil, fmt.Errorf("fingerprint: prefix %q contains a path separator", prefix)
	}
	return &Namer{prefix: prefix, hasher: hasher, clock: clock}, nil
}

// Name fingerprints the item name at the current second.
func (n *Namer) Name(itemName string) (Name, error) {
	digest, err := n.hasher.Hash([]byte(itemName))
	if err != nil {
		return Name{}, fmt.Errorf("hash item name: %w", err)
	}
	parts := make([]string, 0, 3)
	if n.prefix != "" {
		parts = append(parts, n.prefix)
	}
	parts = append(parts, digest, n.clock.Now().UTC().Format(TimestampLayout))
	return Name{Digest: digest, Base: strings.Join(parts, "-")}, nil
}
