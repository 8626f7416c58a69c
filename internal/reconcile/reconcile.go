// Package reconcile removes the sub-items the fetcher reported as
// unrecoverable from a batch's operative identity.
//
// Matching folds case only. Whitespace around a reported line is trimmed, but
// no other normalization is applied: a broader match could hide a real
// inconsistency between the fetcher and the batch.
package reconcile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/JakeFAU/archive-pipeline/internal/archive"
)

// ErrUnknownItem is returned when the fetcher reports a sub-item that is not
// part of the batch. It signals corruption and must not be ignored.
var ErrUnknownItem = errors.New("bad item is not part of the batch")

// Apply reads bad-item lines from r and removes the first case-insensitive
// match of each from batch.Identity. It returns the removed identifiers in
// the order they were reported. On error the batch identity is unchanged.
func Apply(batch *archive.Batch, r io.Reader) ([]string, error) {
	items := append([]string(nil), batch.Identity...)
	folded := make([]string, len(items))
	for i, item := range items {
		folded[i] = strings.ToLower(item)
	}

	var removed []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		reported := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if reported == "" {
			continue
		}
		idx := indexOf(folded, reported)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownItem, reported)
		}
		removed = append(removed, items[idx])
		items = append(items[:idx], items[idx+1:]...)
		folded = append(folded[:idx], folded[idx+1:]...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read bad items: %w", err)
	}

	batch.Identity = items
	return removed, nil
}

// ApplyFile is Apply over the bad-items file at path.
func ApplyFile(batch *archive.Batch, path string) ([]string, error) {
	f, err := os.Open(path) // #nosec G304 -- path is inside the batch workspace.
	if err != nil {
		return nil, fmt.Errorf("open bad items: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle
	return Apply(batch, f)
}

func indexOf(items []string, want string) int {
	for i, item := range items {
		if item == want {
			return i
		}
	}
	return -1
}
