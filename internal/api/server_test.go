package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/archive-pipeline/internal/archive"
	"github.com/JakeFAU/archive-pipeline/internal/config"
	"github.com/JakeFAU/archive-pipeline/internal/pipeline"
	"github.com/JakeFAU/archive-pipeline/internal/upload"
)

type fakeLister struct {
	batches []pipeline.Status
}

func (f fakeLister) Active() []pipeline.Status {
	return f.batches
}

func newTestServer(t *testing.T, auth config.AuthConfig, ready ReadinessFunc) (*Server, *upload.Gate) {
	t.Helper()
	gate, err := upload.NewGate(upload.DefaultCeiling)
	require.NoError(t, err)
	lister := fakeLister{batches: []pipeline.Status{{
		RunID:     "run-1",
		State:     archive.StateFetched,
		Items:     "ch-discussions:UC1\nch-discussions:UC2",
		Remaining: 2,
		Since:     time.Unix(100, 0).UTC(),
	}}}
	return NewServer(lister, gate, auth, ready, zap.NewNop()), gate
}

func do(t *testing.T, s *Server, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.AuthConfig{}, nil)
	rec := do(t, server, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, server, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ready")
}

func TestServer_ReadyzReportsFailure(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.AuthConfig{}, func(context.Context) error {
		return errors.New("dispatcher stopped")
	})
	rec := do(t, server, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "dispatcher stopped")
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.AuthConfig{}, nil)
	do(t, server, http.MethodGet, "/healthz", nil, nil)
	rec := do(t, server, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_Status(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.AuthConfig{}, nil)
	rec := do(t, server, http.MethodGet, "/v1/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Batches, 1)
	require.Equal(t, archive.StateFetched, resp.Batches[0].State)
	require.Equal(t, "ch-discussions:UC1\nch-discussions:UC2", resp.Batches[0].Items)
	require.Equal(t, uploadStatus{Ceiling: upload.DefaultCeiling, InFlight: 0}, resp.Upload)
}

func TestServer_SetUploadCeiling(t *testing.T) {
	t.Parallel()

	server, gate := newTestServer(t, config.AuthConfig{}, nil)
	rec := do(t, server, http.MethodPut, "/v1/upload-ceiling", []byte(`{"ceiling": 7}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 7, gate.Ceiling())

	rec = do(t, server, http.MethodPut, "/v1/upload-ceiling", []byte(`{"ceiling": 1}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, gate.Ceiling())
}

func TestServer_SetUploadCeilingRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "zero", body: `{"ceiling": 0}`},
		{name: "too high", body: `{"ceiling": 21}`},
		{name: "missing", body: `{}`},
		{name: "invalid json", body: `{ceiling`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			server, gate := newTestServer(t, config.AuthConfig{}, nil)
			rec := do(t, server, http.MethodPut, "/v1/upload-ceiling", []byte(tc.body), nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, upload.DefaultCeiling, gate.Ceiling())
		})
	}
}

func TestServer_SetUploadCeilingRequiresAPIKey(t *testing.T) {
	t.Parallel()

	server, gate := newTestServer(t, config.AuthConfig{Enabled: true, APIKey: "secret"}, nil)

	rec := do(t, server, http.MethodPut, "/v1/upload-ceiling", []byte(`{"ceiling": 5}`), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, upload.DefaultCeiling, gate.Ceiling())

	rec = do(t, server, http.MethodPut, "/v1/upload-ceiling", []byte(`{"ceiling": 5}`), map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 5, gate.Ceiling())

	// Read-only routes stay open.
	rec = do(t, server, http.MethodGet, "/v1/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ShrinkTimesOutWhileUploadsHoldSlots(t *testing.T) {
	t.Parallel()

	server, gate := newTestServer(t, config.AuthConfig{}, nil)
	release := make(chan struct{})
	holding := make(chan struct{}, 2)
	for range 2 {
		go func() {
			_ = gate.Do(context.Background(), func(context.Context) error {
				holding <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-holding
	<-holding
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPut, "/v1/upload-ceiling", bytes.NewBufferString(`{"ceiling": 1}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, upload.DefaultCeiling, gate.Ceiling())
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	server := NewServer(panickingLister{}, mustGate(t), config.AuthConfig{}, nil, zap.NewNop())
	rec := do(t, server, http.MethodGet, "/v1/status", nil, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type panickingLister struct{}

func (panickingLister) Active() []pipeline.Status {
	panic("boom")
}

func mustGate(t *testing.T) *upload.Gate {
	t.Helper()
	gate, err := upload.NewGate(upload.DefaultCeiling)
	require.NoError(t, err)
	return gate
}
