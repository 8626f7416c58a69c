package archive

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ItemSeparator joins sub-item identifiers into a coordinator item name.
const ItemSeparator = "\x00"

// File suffixes appended to a batch's ArtifactBase.
const (
	CaptureSuffix      = ".warc.gz"
	BadItemsSuffix     = "_bad-items.txt"
	DataSuffix         = "_data.txt"
	RequestAuditSuffix = "_post_data.json"
)

// ErrEmptyItem is returned when a claimed item name contains no usable sub-items.
var ErrEmptyItem = errors.New("item contains no sub-items")

// State is a pipeline state for a single batch.
type State string

// Pipeline states, in execution order, plus the two terminal states.
const (
	StateClaimed    State = "claimed"
	StatePrepared   State = "prepared"
	StatePlanned    State = "planned"
	StateFetched    State = "fetched"
	StateReconciled State = "reconciled"
	StateStatsReady State = "stats_ready"
	StateFinalized  State = "finalized"
	StateUploaded   State = "uploaded"
	StateCompleted  State = "completed"
	StateAborted    State = "aborted"
)

// Terminal reports whether no further transitions leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Batch is one claimed unit of work. Identity shrinks during reconciliation;
// ArtifactBase and WorkDir are fixed once the workspace is prepared.
type Batch struct {
	RunID            string        `json:"run_id"`
	Identity         []string      `json:"identity"`
	OriginalIdentity []string      `json:"original_identity"`
	Display          string        `json:"display"`
	Fingerprint      string        `json:"fingerprint"`
	WorkDir          string        `json:"work_dir"`
	OutputDir        string        `json:"output_dir"`
	ArtifactBase     string        `json:"artifact_base"`
	Downloader       string        `json:"downloader"`
	PipelineVersion  string        `json:"pipeline_version"`
	ClaimedAt        time.Time     `json:"claimed_at"`
	UploadTarget     string        `json:"upload_target,omitempty"`
	Stats            *Stats        `json:"stats,omitempty"`
	Artifacts        []ArtifactRef `json:"artifacts,omitempty"`
}

// NewBatch builds a batch from the sub-items returned by a claim. Blank
// entries are dropped and duplicates keep their first position.
func NewBatch(items []string, downloader, version string, claimedAt time.Time) (*Batch, error) {
	seen := make(map[string]struct{}, len(items))
	identity := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		identity = append(identity, item)
	}
	if len(identity) == 0 {
		return nil, ErrEmptyItem
	}
	return &Batch{
		Identity:         identity,
		OriginalIdentity: append([]string(nil), identity...),
		Display:          strings.Join(identity, "\n"),
		Downloader:       downloader,
		PipelineVersion:  version,
		ClaimedAt:        claimedAt,
	}, nil
}

// SplitItemName splits a coordinator item name into its sub-items.
func SplitItemName(name string) []string {
	if name == "" {
		return nil
	}
	return strings.Split(name, ItemSeparator)
}

// ItemName joins the operative identity the way the coordinator expects it.
func (b *Batch) ItemName() string {
	return strings.Join(b.Identity, ItemSeparator)
}

// OriginalItemName joins the identity as it was claimed.
func (b *Batch) OriginalItemName() string {
	return strings.Join(b.OriginalIdentity, ItemSeparator)
}

// Empty reports whether every sub-item was removed by reconciliation.
func (b *Batch) Empty() bool {
	return len(b.Identity) == 0
}

// WorkFile returns the workspace path of the artifact with the given suffix.
func (b *Batch) WorkFile(suffix string) string {
	return filepath.Join(b.WorkDir, b.ArtifactBase+suffix)
}

// OutputFile returns the shared output path of the artifact with the given suffix.
func (b *Batch) OutputFile(suffix string) string {
	return filepath.Join(b.OutputDir, b.ArtifactBase+suffix)
}

// String renders a short label for logs.
func (b *Batch) String() string {
	if b.Fingerprint == "" {
		return fmt.Sprintf("batch(%d items)", len(b.OriginalIdentity))
	}
	return fmt.Sprintf("batch(%s, %d/%d items)", b.Fingerprint, len(b.Identity), len(b.OriginalIdentity))
}

// Header is a single request header; order is preserved on the fetcher command line.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Request is the fetch instruction generated for one sub-item.
type Request struct {
	ItemName    string   `json:"item_name"`
	Type        string   `json:"type"`
	Value       string   `json:"value"`
	URL         string   `json:"url"`
	Headers     []Header `json:"headers"`
	WARCHeaders []Header `json:"warc_headers"`
	Body        []byte   `json:"-"`
}

// FetchStatus classifies the fetcher's exit.
type FetchStatus string

// Fetch statuses derived from the fetcher exit code.
const (
	FetchSucceeded   FetchStatus = "succeeded"
	FetchPartial     FetchStatus = "partial"
	FetchRecoverable FetchStatus = "recoverable"
	FetchFatal       FetchStatus = "fatal"
)

// FetchOutcome reports how the fetch stage ended for a batch.
type FetchOutcome struct {
	Status       FetchStatus
	ExitCode     int
	BadItemsPath string
	Duration     time.Duration
}

// Stats is the statistics blob sent to the coordinator on completion.
type Stats struct {
	Downloader string            `json:"downloader"`
	Version    string            `json:"version"`
	Items      []string          `json:"items"`
	Bytes      map[string]int64  `json:"bytes"`
	ID         map[string]string `json:"id"`
}

// TotalBytes sums every file group.
func (s *Stats) TotalBytes() int64 {
	if s == nil {
		return 0
	}
	var total int64
	for _, n := range s.Bytes {
		total += n
	}
	return total
}

// ArtifactRef points at an uploaded artifact.
type ArtifactRef struct {
	Name  string `json:"name"`
	URI   string `json:"uri"`
	Bytes int64  `json:"bytes"`
}

// Transition records one state change of a batch.
type Transition struct {
	RunID       string    `json:"run_id"`
	Fingerprint string    `json:"fingerprint"`
	ItemName    string    `json:"item_name"`
	From        State     `json:"from"`
	To          State     `json:"to"`
	Skipped     bool      `json:"skipped"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// CompletionEvent is published once a batch reaches a terminal state.
type CompletionEvent struct {
	RunID     string        `json:"run_id"`
	Item      string        `json:"item"`
	Original  string        `json:"original_item"`
	State     State         `json:"state"`
	Stage     State         `json:"stage,omitempty"`
	Error     string        `json:"error,omitempty"`
	Artifacts []ArtifactRef `json:"artifacts,omitempty"`
	Bytes     int64         `json:"bytes"`
	Timestamp time.Time     `json:"timestamp"`
}
