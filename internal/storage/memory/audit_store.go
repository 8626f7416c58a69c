package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/archive-pipeline/internal/archive"
)

// AuditStore keeps batch transitions in memory.
type AuditStore struct {
	mu          sync.Mutex
	transitions []archive.Transition
}

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// RecordTransition appends a transition.
func (s *AuditStore) RecordTransition(_ context.Context, transition archive.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, transition)
	return nil
}

// Transitions returns the transitions recorded for runID, in order.
func (s *AuditStore) Transitions(runID string) []archive.Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []archive.Transition
	for _, tr := range s.transitions {
		if tr.RunID == runID {
			out = append(out, tr)
		}
	}
	return out
}
