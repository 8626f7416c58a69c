package upload

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/archive-pipeline/internal/archive"
)

// Config controls object naming for uploaded artifacts.
type Config struct {
	// Prefix is prepended to every object key.
	Prefix string
}

// Uploader pushes a batch's relocated artifacts through the gate.
type Uploader struct {
	store  archive.BlobStore
	gate   *Gate
	cfg    Config
	logger *zap.Logger
}

// NewUploader constructs an Uploader.
func NewUploader(store archive.BlobStore, gate *Gate, cfg Config, logger *zap.Logger) (*Uploader, error) {
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if gate == nil {
		return nil, errors.New("upload gate is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{store: store, gate: gate, cfg: cfg, logger: logger}, nil
}

// Gate exposes the shared gate for runtime tuning.
func (u *Uploader) Gate() *Gate {
	return u.gate
}

// TargetFunc asks the coordinator where a batch's artifacts go.
type TargetFunc func(ctx context.Context, batch *archive.Batch) (string, error)

// Upload resolves the destination and sends every file under one gate slot,
// so the coordinator handshake is bounded by the same ceiling as the
// transfer. The target becomes part of the object key. Empty files are
// skipped, matching a bulk transfer run with a minimum size of one byte.
func (u *Uploader) Upload(ctx context.Context, batch *archive.Batch, resolve TargetFunc, files []string) (string, []archive.ArtifactRef, error) {
	if resolve == nil {
		return "", nil, errors.New("upload target resolver is required")
	}
	var (
		target string
		refs   []archive.ArtifactRef
	)
	err := u.gate.Do(ctx, func(ctx context.Context) error {
		var err error
		target, err = resolve(ctx, batch)
		if err != nil {
			return fmt.Errorf("request upload target: %w", err)
		}
		for _, file := range files {
			ref, skipped, err := u.put(ctx, target, file)
			if err != nil {
				return err
			}
			if skipped {
				u.logger.Debug("skipping empty artifact", zap.String("file", file), zap.String("run_id", batch.RunID))
				continue
			}
			refs = append(refs, ref)
		}
		return nil
	})
	if err != nil {
		return target, nil, err
	}
	return target, refs, nil
}

func (u *Uploader) put(ctx context.Context, target, file string) (archive.ArtifactRef, bool, error) {
	f, err := os.Open(file) // #nosec G304 -- artifact paths are derived from the batch fingerprint.
	if err != nil {
		return archive.ArtifactRef{}, false, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	info, err := f.Stat()
	if err != nil {
		return archive.ArtifactRef{}, false, fmt.Errorf("stat artifact: %w", err)
	}
	if info.Size() == 0 {
		return archive.ArtifactRef{}, true, nil
	}

	name := filepath.Base(file)
	uri, err := u.store.PutObject(ctx, u.objectKey(target, name), contentType(name), f)
	if err != nil {
		return archive.ArtifactRef{}, false, fmt.Errorf("put %s: %w", name, err)
	}
	return archive.ArtifactRef{Name: name, URI: uri, Bytes: info.Size()}, false, nil
}

func (u *Uploader) objectKey(target, name string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{u.cfg.Prefix, targetPath(target)} {
		if p = strings.Trim(p, "/"); p != "" {
			parts = append(parts, p)
		}
	}
	parts = append(parts, name)
	return path.Join(parts...)
}

func contentType(name string) string {
	switch {
	case strings.HasSuffix(name, archive.CaptureSuffix):
		return "application/warc+gzip"
	case strings.HasSuffix(name, ".txt"):
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

// targetPath reduces a transfer URL such as rsync://host/module/ to its path.
func targetPath(target string) string {
	if parsed, err := url.Parse(target); err == nil && parsed.Scheme != "" {
		return parsed.Path
	}
	return target
}
