package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/novelsync/internal/config"
	"github.com/agentworkforce/novelsync/internal/metrics"
	"github.com/agentworkforce/novelsync/internal/syncagent"
)

func TestRunGivesUpWhenServerNeverAccepts(t *testing.T) {
	// Health succeeds but the events endpoint refuses the upgrade.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			_, _ = w.Write([]byte(`{"status":"ok"}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	t.Setenv("NOVELSYNC_VIEWER_BASE_DELAY", "1ms")
	t.Setenv("NOVELSYNC_VIEWER_MAX_DELAY", "2ms")
	statePath := filepath.Join(t.TempDir(), "view.json")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := run(ctx, []string{"--server", server.URL, "--max-attempts", "2", "--state-dsn", "file://" + statePath}, io.Discard)
	assert.ErrorIs(t, err, syncagent.ErrGaveUp)
}

func TestRunRejectsUnknownStateBackend(t *testing.T) {
	err := run(context.Background(), []string{"--state-dsn", "redis://localhost"}, io.Discard)
	assert.ErrorIs(t, err, syncagent.ErrInvalidDSN)
}

func TestNewAgentUsesViewerConfig(t *testing.T) {
	cfg, err := config.Load(nil)
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()
	agent, err := newAgent(cfg.Viewer, syncagent.NewInMemoryStateBackend(), logger, metrics.New(nil))
	require.NoError(t, err)
	assert.Equal(t, syncagent.StateIdle, agent.State())
	assert.Equal(t, 0, agent.View().Len())
}
