package archive

import (
	"context"
	"io"
	"time"
)

// Coordinator implements the claim/report handshake with the tracker.
type Coordinator interface {
	Claim(ctx context.Context, n int) ([]string, error)
	UploadTarget(ctx context.Context, batch *Batch) (string, error)
	Complete(ctx context.Context, batch *Batch) error
}

// Fetcher runs the external fetch stage for a planned batch.
type Fetcher interface {
	Fetch(ctx context.Context, batch *Batch, requests []Request) (FetchOutcome, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// AuditStore persists batch state transitions.
type AuditStore interface {
	RecordTransition(ctx context.Context, transition Transition) error
}

// Hasher computes hex digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
