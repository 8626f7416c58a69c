// Package coordinator implements the claim/report handshake with the tracker
// that hands out items and records their completion.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/archive-pipeline/internal/archive"
)

const apiVersion = "2"

// Config controls the coordinator endpoint and retry budget.
type Config struct {
	BaseURL    string
	Project    string
	Downloader string
	Version    string
	Timeout    time.Duration
	// MaxRetryElapsed bounds how long upload-target and completion calls are retried.
	MaxRetryElapsed time.Duration
}

// Client talks to the coordinator over HTTP JSON.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
	newBackOff func() backoff.BackOff
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithBackOff overrides the retry policy factory.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(cl *Client) { cl.newBackOff = f }
}

// New constructs a Client.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" || cfg.Project == "" {
		return nil, errors.New("coordinator url and project are required")
	}
	if cfg.Downloader == "" {
		return nil, errors.New("downloader name is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
	c.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = time.Minute
		b.MaxElapsedTime = cfg.MaxRetryElapsed
		return b
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type claimRequest struct {
	Downloader string `json:"downloader"`
	APIVersion string `json:"api_version"`
	Version    string `json:"version"`
}

type claimResponse struct {
	Items []string `json:"items"`
}

// Claim requests up to n sub-items. The coordinator answers with 0..n items;
// zero items is reported as ErrNoItems.
func (c *Client) Claim(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, fmt.Errorf("claim size must be > 0, got %d", n)
	}
	path := fmt.Sprintf("multi=%d/request", n)
	body, err := c.post(ctx, "claim", path, claimRequest{
		Downloader: c.cfg.Downloader,
		APIVersion: apiVersion,
		Version:    c.cfg.Version,
	})
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			switch statusErr.StatusCode {
			case http.StatusNotFound:
				return nil, ErrNoItems
			case http.StatusTooManyRequests, statusEnhanceYourCalm:
				return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
			}
		}
		return nil, err
	}

	items, err := decodeClaim(body)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNoItems
	}
	return items, nil
}

// decodeClaim accepts the v2 {"items": [...]} shape and the legacy plain
// \x00-joined item name.
func decodeClaim(body []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '{' {
		var resp claimResponse
		if err := json.Unmarshal(trimmed, &resp); err != nil {
			return nil, fmt.Errorf("decode claim response: %w", err)
		}
		return resp.Items, nil
	}
	return archive.SplitItemName(string(trimmed)), nil
}

type uploadRequest struct {
	Downloader string `json:"downloader"`
	Version    string `json:"version"`
}

// UploadTarget asks the coordinator where the batch's artifacts go.
func (c *Client) UploadTarget(ctx context.Context, batch *archive.Batch) (string, error) {
	var target string
	err := c.retry(ctx, "upload", batch, func() error {
		body, err := c.post(ctx, "upload", "upload", uploadRequest{
			Downloader: c.cfg.Downloader,
			Version:    c.cfg.Version,
		})
		if err != nil {
			return err
		}
		target = strings.TrimSpace(string(body))
		if target == "" {
			return errors.New("coordinator returned an empty upload target")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return target, nil
}

type doneRequest struct {
	Downloader string                `json:"downloader"`
	Version    string                `json:"version"`
	Item       string                `json:"item"`
	Items      []string              `json:"items"`
	Bytes      map[string]int64      `json:"bytes"`
	ID         map[string]string     `json:"id"`
	Artifacts  []archive.ArtifactRef `json:"artifacts,omitempty"`
}

// Complete signals the batch is done, carrying the stats blob and the
// uploaded artifact references. Only the operative identity is reported.
func (c *Client) Complete(ctx context.Context, batch *archive.Batch) error {
	if batch.Empty() {
		return errors.New("refusing to complete a batch with no sub-items")
	}
	if batch.Stats == nil {
		return errors.New("batch has no stats")
	}
	req := doneRequest{
		Downloader: batch.Stats.Downloader,
		Version:    batch.Stats.Version,
		Item:       batch.ItemName(),
		Items:      batch.Stats.Items,
		Bytes:      batch.Stats.Bytes,
		ID:         batch.Stats.ID,
		Artifacts:  batch.Artifacts,
	}
	return c.retry(ctx, "done", batch, func() error {
		_, err := c.post(ctx, "done", "done", req)
		return err
	})
}

func (c *Client) retry(ctx context.Context, op string, batch *archive.Batch, fn func() error) error {
	attempt := 0
	wrapped := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Temporary() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("coordinator call failed; retrying",
			zap.String("op", op),
			zap.String("run_id", batch.RunID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(wrapped, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
		return fmt.Errorf("coordinator %s: %w", op, err)
	}
	return nil
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.Trim(c.cfg.Project, "/") + "/" + path
}

func (c *Client) post(ctx context.Context, op, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coordinator %s: %w", op, err)
	}
	defer resp.Body.Close() //nolint:errcheck // body fully read below

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}
