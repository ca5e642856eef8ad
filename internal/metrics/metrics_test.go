package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgesoc/ids2-agent/internal/config"
	"github.com/edgesoc/ids2-agent/internal/state"
)

func scrape(t *testing.T, st *state.Store, path string) (int, string) {
	t.Helper()
	srv := httptest.NewServer(Handler(st))
	defer srv.Close()

	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestMetricsBeforeAnyWorkerRan(t *testing.T) {
	st := state.New()
	code, body := scrape(t, st, "/metrics")

	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "ids2_cpu_usage_percent 0")
	assert.Contains(t, body, "ids2_ram_usage_percent 0")
	assert.Contains(t, body, "ids2_throttle_level 0")
	assert.Contains(t, body, "ids2_dns_status 0")
	assert.Contains(t, body, "ids2_tls_status 0")
	assert.Contains(t, body, "ids2_opensearch_status 0")
	assert.Contains(t, body, "ids2_pipeline_ok 0")
	assert.Contains(t, body, `ids2_worker_alive{name="monitor"} 0`)
	assert.Contains(t, body, `ids2_worker_restarts_total{name="prober"} 0`)
	assert.Contains(t, body, "# HELP ids2_cpu_usage_percent")
	assert.Contains(t, body, "# TYPE ids2_cpu_usage_percent gauge")
	assert.Contains(t, body, "# TYPE ids2_worker_restarts_total counter")
}

func TestMetricsLiveSnapshot(t *testing.T) {
	st := state.New()
	st.SetCPUPercent(42.5)
	st.SetRAMPercent(61)
	st.SetThrottleLevel(2)
	st.SetDNSOK(true)
	st.SetTLSOK(true)
	st.SetClusterOK(true)
	st.SetClusterLatencyMS(118)
	st.SetPipelineOK(true)
	st.SetPhase(state.PhaseSteady)
	st.SetWorkerAlive(state.WorkerMonitor, true)
	st.IncWorkerRestarts(state.WorkerProber)

	_, body := scrape(t, st, "/metrics")
	assert.Contains(t, body, "ids2_cpu_usage_percent 42.5")
	assert.Contains(t, body, "ids2_ram_usage_percent 61")
	assert.Contains(t, body, "ids2_throttle_level 2")
	assert.Contains(t, body, "ids2_dns_status 1")
	assert.Contains(t, body, "ids2_opensearch_status 1")
	assert.Contains(t, body, "ids2_opensearch_latency_ms 118")
	assert.Contains(t, body, "ids2_pipeline_ok 1")
	assert.Contains(t, body, `ids2_worker_alive{name="monitor"} 1`)
	assert.Contains(t, body, `ids2_worker_restarts_total{name="prober"} 1`)

	// No refresh loop: a store write shows up on the very next scrape.
	st.SetThrottleLevel(3)
	_, body = scrape(t, st, "/metrics")
	assert.Contains(t, body, "ids2_throttle_level 3")
}

func TestMetricsContentType(t *testing.T) {
	st := state.New()
	srv := httptest.NewServer(Handler(st))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	assert.Contains(t, resp.Header.Get("Content-Type"), "version=0.0.4")
}

func TestHealthDegraded(t *testing.T) {
	st := state.New()
	code, body := scrape(t, st, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "not steady")

	st.SetPhase(state.PhaseSteady)
	code, body = scrape(t, st, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "dns check failing")

	st.SetDNSOK(true)
	st.SetTLSOK(true)
	_, body = scrape(t, st, "/health")
	assert.Contains(t, body, "cluster check failing")
}

func TestHealthOK(t *testing.T) {
	st := state.New()
	st.SetPipelineOK(true)
	code, body := scrape(t, st, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)
}

func TestServerRunAndShutdown(t *testing.T) {
	st := state.New()
	cfg := &config.Config{MetricsAddr: "127.0.0.1", MetricsPort: 0}
	srv, err := NewServer(cfg, st)
	require.NoError(t, err)
	addr := srv.Addr()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
