// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/nfqengine/internal/config"
	"grimm.is/nfqengine/internal/engine"
	"grimm.is/nfqengine/internal/metrics"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultMetricsPath, cfg.Metrics.Path)
	assert.False(t, cfg.Validate().HasErrors())
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nfqd.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
queue {
  id      = 4
  verdict = "drop"
}
`), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Queue.ID)
	assert.Equal(t, "drop", cfg.Queue.Verdict)
}

func TestMetricsMux(t *testing.T) {
	rec := metrics.NewRecorder()
	rec.LoopStopped(2, engine.StatusOK)

	srv := httptest.NewServer(metricsMux(&config.MetricsConfig{Path: "/metrics"}, rec))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/other")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}
