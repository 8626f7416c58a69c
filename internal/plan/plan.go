// Package plan turns a batch's sub-items into the fetch instructions handed to
// the external fetcher.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/JakeFAU/archive-pipeline/internal/archive"
	"github.com/JakeFAU/archive-pipeline/internal/token"
)

// TypeChannelDiscussions is the only supported sub-item type.
const TypeChannelDiscussions = "ch-discussions"

// Header names attached to requests.
const (
	HeaderItemName           = "x-wget-at-project-item-name"
	HeaderChannelDiscussions = "youtube-channel-discussions"
)

const discussionEndpoint = "https://www.youtube.com/youtubei/v1/dummy"

var (
	// ErrUnsupportedType is returned when a sub-item has a type with no request template.
	ErrUnsupportedType = errors.New("sub-item type not supported")
	// ErrMalformedItem is returned when a sub-item is not of the form type:value.
	ErrMalformedItem = errors.New("sub-item is not of the form type:value")
	// ErrTokenMismatch is returned by Verify when a body's continuation does not
	// embed the value it is filed under.
	ErrTokenMismatch = errors.New("continuation does not match sub-item value")
)

// Config holds the client identity used in request bodies and headers.
type Config struct {
	UserAgent     string
	ClientVersion string
}

// Plan is the full set of fetch instructions for one batch.
type Plan struct {
	Requests []archive.Request
	// Bodies maps sub-item value to its serialized request body.
	Bodies map[string]string
}

// Builder builds plans. It is safe for concurrent use.
type Builder struct {
	cfg   Config
	clock archive.Clock
}

// NewBuilder constructs a Builder.
func NewBuilder(cfg Config, clock archive.Clock) *Builder {
	return &Builder{cfg: cfg, clock: clock}
}

// SubItem is a parsed sub-item identifier.
type SubItem struct {
	Raw   string
	Type  string
	Value string
}

// ParseSubItem splits an identifier on its first colon.
func ParseSubItem(raw string) (SubItem, error) {
	typ, value, ok := strings.Cut(raw, ":")
	if !ok || typ == "" || value == "" {
		return SubItem{}, fmt.Errorf("%w: %q", ErrMalformedItem, raw)
	}
	return SubItem{Raw: raw, Type: typ, Value: value}, nil
}

// Build produces one request per sub-item in identity order. A single
// unsupported or malformed sub-item fails the whole plan. On success the
// batch's display form is refreshed from its identity.
func (b *Builder) Build(batch *archive.Batch) (*Plan, error) {
	items := make([]SubItem, 0, len(batch.Identity))
	for _, raw := range batch.Identity {
		item, err := ParseSubItem(raw)
		if err != nil {
			return nil, err
		}
		if item.Type != TypeChannelDiscussions {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, raw)
		}
		items = append(items, item)
	}

	reqCtx := newRequestContext(b.cfg.UserAgent, b.cfg.ClientVersion, b.clock.Now())
	p := &Plan{
		Requests: make([]archive.Request, 0, len(items)),
		Bodies:   make(map[string]string, len(items)),
	}
	for _, item := range items {
		req, body, err := b.discussionRequest(item, reqCtx)
		if err != nil {
			return nil, err
		}
		p.Requests = append(p.Requests, req)
		p.Bodies[item.Value] = body
	}

	batch.Display = strings.Join(batch.Identity, "\n")
	return p, nil
}

func (b *Builder) discussionRequest(item SubItem, reqCtx requestContext) (archive.Request, string, error) {
	body, err := json.Marshal(struct {
		Context      requestContext `json:"context"`
		Continuation string         `json:"continuation"`
	}{
		Context:      reqCtx,
		Continuation: token.DiscussionContinuation(item.Value),
	})
	if err != nil {
		return archive.Request{}, "", fmt.Errorf("marshal request body for %q: %w", item.Raw, err)
	}
	return archive.Request{
		ItemName: item.Raw,
		Type:     item.Type,
		Value:    item.Value,
		URL:      discussionEndpoint + "?channel=" + item.Value,
		Headers: []archive.Header{
			{Name: "x-youtube-client-name", Value: "1"},
			{Name: "x-youtube-client-version", Value: b.cfg.ClientVersion},
			{Name: "content-type", Value: "application/json"},
		},
		WARCHeaders: []archive.Header{
			{Name: HeaderItemName, Value: item.Raw},
			{Name: HeaderChannelDiscussions, Value: item.Value},
		},
		Body: body,
	}, string(body), nil
}

// Values lists the sub-item values in the plan, sorted.
func (p *Plan) Values() []string {
	values := make([]string, 0, len(p.Bodies))
	for v := range p.Bodies {
		values = append(values, v)
	}
	sort.Strings(values)
	return values
}

// Verify decodes the continuation in every body and checks that both of its
// embeddings carry the sub-item value.
func (p *Plan) Verify() error {
	for _, value := range p.Values() {
		var body struct {
			Continuation string `json:"continuation"`
		}
		if err := json.Unmarshal([]byte(p.Bodies[value]), &body); err != nil {
			return fmt.Errorf("decode body for %q: %w", value, err)
		}
		parts, err := token.Decode(body.Continuation)
		if err != nil {
			return fmt.Errorf("continuation for %q: %w", value, err)
		}
		if string(parts.OuterID) != value || string(parts.InnerID) != value {
			return fmt.Errorf("%w: %q", ErrTokenMismatch, value)
		}
	}
	return nil
}

// WriteAudit persists the value→body mapping as JSON.
func (p *Plan) WriteAudit(path string) error {
	data, err := json.Marshal(p.Bodies)
	if err != nil {
		return fmt.Errorf("marshal request audit: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write request audit: %w", err)
	}
	return nil
}
