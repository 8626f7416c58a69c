package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/archive-pipeline/internal/archive"
	"github.com/JakeFAU/archive-pipeline/internal/clock/system"
	"github.com/JakeFAU/archive-pipeline/internal/fingerprint"
	"github.com/JakeFAU/archive-pipeline/internal/hash/sha1"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	namer, err := fingerprint.New("youtube-discussions", sha1.New(), system.Fixed{At: time.Date(2021, 10, 11, 12, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	m, err := New(t.TempDir(), namer, zap.NewNop())
	require.NoError(t, err)
	return m
}

func newBatch(t *testing.T, items ...string) *archive.Batch {
	t.Helper()
	b, err := archive.NewBatch(items, "tester", "v1", time.Unix(0, 0))
	require.NoError(t, err)
	return b
}

func TestPrepare_CreatesWorkspaceAndMarkers(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	batch := newBatch(t, "ch-discussions:UC123", "ch-discussions:UC456")
	require.NoError(t, m.Prepare(batch))

	require.Len(t, batch.Fingerprint, sha1.Size)
	require.Equal(t, filepath.Join(m.DataDir(), batch.Fingerprint), batch.WorkDir)
	require.Equal(t, "youtube-discussions-"+batch.Fingerprint+"-20211011-120000", batch.ArtifactBase)
	for _, suffix := range []string{archive.CaptureSuffix, archive.BadItemsSuffix, archive.DataSuffix} {
		info, err := os.Stat(batch.WorkFile(suffix))
		require.NoError(t, err, suffix)
		assert.Zero(t, info.Size(), suffix)
	}
}

func TestPrepare_RemovesStaleWorkspace(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	batch := newBatch(t, "ch-discussions:UC123")
	require.NoError(t, m.Prepare(batch))
	stale := filepath.Join(batch.WorkDir, "wget.log")
	require.NoError(t, os.WriteFile(stale, []byte("old run"), 0o600))

	retry := newBatch(t, "ch-discussions:UC123")
	require.NoError(t, m.Prepare(retry))
	require.Equal(t, batch.WorkDir, retry.WorkDir)
	_, err := os.Stat(stale)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestPrepare_KeepsArtifactBaseAfterIdentityShrinks(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	batch := newBatch(t, "ch-discussions:UC123", "ch-discussions:UC456")
	require.NoError(t, m.Prepare(batch))
	base, dir := batch.ArtifactBase, batch.WorkDir

	batch.Identity = batch.Identity[1:]
	require.NoError(t, m.Prepare(batch))
	require.Equal(t, base, batch.ArtifactBase)
	require.Equal(t, dir, batch.WorkDir)
}

func TestFinalize_MovesArtifactsAndRemovesWorkspace(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	batch := newBatch(t, "ch-discussions:UC123")
	require.NoError(t, m.Prepare(batch))
	require.NoError(t, os.WriteFile(batch.WorkFile(archive.CaptureSuffix), []byte("warc"), 0o600))

	require.NoError(t, m.Finalize(batch))

	got, err := os.ReadFile(batch.OutputFile(archive.CaptureSuffix))
	require.NoError(t, err)
	require.Equal(t, "warc", string(got))
	_, err = os.Stat(batch.OutputFile(archive.DataSuffix))
	require.NoError(t, err)
	_, err = os.Stat(batch.OutputFile(archive.BadItemsSuffix))
	require.ErrorIs(t, err, os.ErrNotExist, "bad-items list stays with the workspace")
	_, err = os.Stat(batch.WorkDir)
	require.ErrorIs(t, err, os.ErrNotExist)
	require.ElementsMatch(t, []string{
		batch.OutputFile(archive.CaptureSuffix),
		batch.OutputFile(archive.DataSuffix),
	}, m.ArtifactPaths(batch))
}

func TestFinalize_FailureLeavesWorkspace(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	batch := newBatch(t, "ch-discussions:UC123")
	require.NoError(t, m.Prepare(batch))
	require.NoError(t, os.Remove(batch.WorkFile(archive.DataSuffix)))

	require.Error(t, m.Finalize(batch))
	_, err := os.Stat(batch.WorkDir)
	require.NoError(t, err)

	require.Error(t, m.Finalize(&archive.Batch{}))
}

func TestDiscard(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	batch := newBatch(t, "ch-discussions:UC123")
	require.NoError(t, m.Prepare(batch))
	require.NoError(t, m.Finalize(batch))

	require.NoError(t, m.Discard(batch))
	for _, p := range m.ArtifactPaths(batch) {
		_, err := os.Stat(p)
		require.ErrorIs(t, err, os.ErrNotExist)
	}
	require.NoError(t, m.Discard(batch), "discard is idempotent")
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New("", nil, nil)
	require.Error(t, err)
	namer, err := fingerprint.New("p", sha1.New(), system.New())
	require.NoError(t, err)
	_, err = New(t.TempDir(), nil, nil)
	require.Error(t, err)
	m, err := New(filepath.Join(t.TempDir(), "nested", "data"), namer, nil)
	require.NoError(t, err)
	require.DirExists(t, m.DataDir())
}
