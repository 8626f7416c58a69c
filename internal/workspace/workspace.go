// Package workspace manages the per-batch working directory: a fresh isolated
// directory per claim, and relocation of durable artifacts once the batch's
// durable-write stages succeed.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/archive-pipeline/internal/archive"
	"github.com/JakeFAU/archive-pipeline/internal/fingerprint"
)

// markerSuffixes are created empty by Prepare so later stages can rely on them.
var markerSuffixes = []string{
	archive.CaptureSuffix,
	archive.BadItemsSuffix,
	archive.DataSuffix,
}

// durableSuffixes are moved to the shared output directory by Finalize.
var durableSuffixes = []string{
	archive.CaptureSuffix,
	archive.DataSuffix,
}

// Manager prepares and finalizes batch workspaces under a shared data directory.
type Manager struct {
	dataDir string
	namer   *fingerprint.Namer
	logger  *zap.Logger
}

// New constructs a Manager, creating dataDir if needed.
func New(dataDir string, namer *fingerprint.Namer, logger *zap.Logger) (*Manager, error) {
	if strings.TrimSpace(dataDir) == "" {
		return nil, errors.New("data directory is required")
	}
	if namer == nil {
		return nil, errors.New("fingerprint namer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &Manager{dataDir: dataDir, namer: namer, logger: logger}, nil
}

// DataDir returns the shared output directory.
func (m *Manager) DataDir() string {
	return m.dataDir
}

// Prepare names the batch (once) and creates a fresh workspace for it. An
// existing directory at the same path is removed first so retries start clean.
func (m *Manager) Prepare(batch *archive.Batch) error {
	if batch.ArtifactBase == "" {
		name, err := m.namer.Name(batch.ItemName())
		if err != nil {
			return fmt.Errorf("fingerprint batch: %w", err)
		}
		batch.Fingerprint = name.Digest
		batch.ArtifactBase = name.Base
		batch.WorkDir = filepath.Join(m.dataDir, name.Digest)
		batch.OutputDir = m.dataDir
	}

	if _, err := os.Stat(batch.WorkDir); err == nil {
		m.logger.Info("removing stale workspace", zap.String("work_dir", batch.WorkDir))
		if err := os.RemoveAll(batch.WorkDir); err != nil {
			return fmt.Errorf("remove stale workspace: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat workspace: %w", err)
	}

	if err := os.MkdirAll(batch.WorkDir, 0o750); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	for _, suffix := range markerSuffixes {
		if err := touch(batch.WorkFile(suffix)); err != nil {
			return err
		}
	}
	return nil
}

// Finalize moves the capture and data files to the shared output directory
// and removes the workspace. It must only run after every durable-write
// stage succeeded; earlier failures leave the workspace for inspection.
func (m *Manager) Finalize(batch *archive.Batch) error {
	if batch.WorkDir == "" || batch.ArtifactBase == "" {
		return errors.New("batch has no prepared workspace")
	}
	for _, suffix := range durableSuffixes {
		if err := os.Rename(batch.WorkFile(suffix), batch.OutputFile(suffix)); err != nil {
			return fmt.Errorf("relocate %s: %w", suffix, err)
		}
	}
	if err := os.RemoveAll(batch.WorkDir); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

// Discard removes relocated artifacts of a batch whose output is not kept.
func (m *Manager) Discard(batch *archive.Batch) error {
	var errs []error
	for _, suffix := range durableSuffixes {
		if err := os.Remove(batch.OutputFile(suffix)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("discard %s: %w", suffix, err))
		}
	}
	return errors.Join(errs...)
}

// ArtifactPaths lists the relocated artifact files of a finalized batch.
func (m *Manager) ArtifactPaths(batch *archive.Batch) []string {
	paths := make([]string, 0, len(durableSuffixes))
	for _, suffix := range durableSuffixes {
		paths = append(paths, batch.OutputFile(suffix))
	}
	return paths
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304 -- path built from the batch fingerprint.
	if err != nil {
		return fmt.Errorf("create marker %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close marker %s: %w", filepath.Base(path), err)
	}
	return nil
}
