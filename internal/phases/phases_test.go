package phases

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgesoc/ids2-agent/internal/config"
	"github.com/edgesoc/ids2-agent/internal/orchestrator"
	"github.com/edgesoc/ids2-agent/internal/probe"
	"github.com/edgesoc/ids2-agent/internal/render"
	"github.com/edgesoc/ids2-agent/internal/state"
)

type fakeCluster struct {
	credsErr error
	endpoint string
	epErr    error
}

func (f *fakeCluster) VerifyCredentials(context.Context) error { return f.credsErr }
func (f *fakeCluster) ResolveEndpoint(context.Context) (string, error) {
	return f.endpoint, f.epErr
}

type fakeCompose struct {
	versionErr error
	upErr      error
	upCalls    int
	statuses   orchestrator.Statuses
	statusErr  error
}

func (f *fakeCompose) Render(ctx context.Context, tmplPath, outPath string, values map[string]string) error {
	return render.File(tmplPath, outPath, values)
}
func (f *fakeCompose) ComposeVersion(context.Context) (string, error) {
	return "2.24.5", f.versionErr
}
func (f *fakeCompose) ComposeUp(context.Context) error {
	f.upCalls++
	return f.upErr
}
func (f *fakeCompose) ComposeStatus(context.Context) (orchestrator.Statuses, error) {
	return f.statuses, f.statusErr
}

type fakeCycle struct {
	results []probe.CycleResult
	calls   int
	store   *state.Store
}

func (f *fakeCycle) RunCycle(context.Context) probe.CycleResult {
	res := f.results[min(f.calls, len(f.results)-1)]
	f.calls++
	if f.store != nil {
		f.store.SetDNSOK(res.DNS)
		f.store.SetTLSOK(res.TLS)
		f.store.SetClusterOK(res.Cluster)
	}
	return res
}

func testSetup(t *testing.T) (*config.Config, *state.Store) {
	t.Helper()
	dir := t.TempDir()
	snifferTmpl := filepath.Join(dir, "suricata.yaml.tmpl")
	shipperTmpl := filepath.Join(dir, "vector.toml.tmpl")
	require.NoError(t, os.WriteFile(snifferTmpl, []byte("af-packet:\n  - interface: ${interface}\n"), 0o644))
	require.NoError(t, os.WriteFile(shipperTmpl, []byte("[sinks.es]\nendpoint = \"${endpoint}\"\n"), 0o644))

	cfg := &config.Config{
		Interface:       "eth0",
		IndexPrefix:     "ids2-logs",
		BulkSize:        100,
		BulkTimeout:     30 * time.Second,
		SnifferTemplate: snifferTmpl,
		ShipperTemplate: shipperTmpl,
		SnifferConfig:   filepath.Join(dir, "suricata.yaml"),
		ShipperConfig:   filepath.Join(dir, "vector.toml"),
		RAMLog:          "/mnt/ram_logs/eve.json",
		BufferDir:       "/var/lib/vector/buffer",
		BufferMaxBytes:  1,
		GitDir:          dir, // not a repository: phase F skips with a warning
		GitBranch:       "dev",
		PhaseDTimeout:   200 * time.Millisecond,
	}
	return cfg, state.New()
}

func healthyStack() orchestrator.Statuses {
	return orchestrator.Statuses{
		{Service: "vector", State: "running", Health: "healthy"},
		{Service: "redis", State: "running"},
	}
}

func okCycle(st *state.Store) *fakeCycle {
	return &fakeCycle{store: st, results: []probe.CycleResult{{DNS: true, TLS: true, Cluster: true, LatencyMS: 10}}}
}

func TestRunHappyPath(t *testing.T) {
	cfg, st := testSetup(t)
	cl := &fakeCluster{endpoint: "https://es.example"}
	co := &fakeCompose{statuses: healthyStack()}
	m := New(cfg, st, cl, co, okCycle(st))

	require.NoError(t, m.Run(context.Background()))
	assert.Equal(t, state.PhaseG, st.Phase())
	assert.Equal(t, "https://es.example", m.Endpoint())
	assert.True(t, m.StartedStack())
	assert.Equal(t, 1, co.upCalls)

	// Rendered configs exist and carry the resolved endpoint.
	b, err := os.ReadFile(cfg.ShipperConfig)
	require.NoError(t, err)
	assert.Contains(t, string(b), "https://es.example")
}

func TestPhaseAFailure(t *testing.T) {
	cfg, st := testSetup(t)
	cl := &fakeCluster{credsErr: errors.New("no credentials")}
	m := New(cfg, st, cl, &fakeCompose{}, okCycle(st))

	err := m.Run(context.Background())
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ExitPhaseA, perr.Code)
	assert.Equal(t, state.PhaseA, st.Phase())
}

func TestPhaseAEmptyEndpoint(t *testing.T) {
	cfg, st := testSetup(t)
	m := New(cfg, st, &fakeCluster{endpoint: ""}, &fakeCompose{}, okCycle(st))

	err := m.Run(context.Background())
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ExitPhaseA, perr.Code)
}

func TestPhaseBFailureBadTemplate(t *testing.T) {
	cfg, st := testSetup(t)
	require.NoError(t, os.WriteFile(cfg.ShipperTemplate, []byte("x = ${unknown_key}\n"), 0o644))
	m := New(cfg, st, &fakeCluster{endpoint: "https://es.example"}, &fakeCompose{statuses: healthyStack()}, okCycle(st))

	err := m.Run(context.Background())
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ExitPhaseB, perr.Code)
}

func TestPhaseCFailureIncludesStatuses(t *testing.T) {
	cfg, st := testSetup(t)
	co := &fakeCompose{
		upErr:    errors.New("compose up: exit status 1"),
		statuses: orchestrator.Statuses{{Service: "vector", State: "exited"}},
	}
	m := New(cfg, st, &fakeCluster{endpoint: "https://es.example"}, co, okCycle(st))

	err := m.Run(context.Background())
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ExitPhaseC, perr.Code)
	assert.Contains(t, perr.Error(), "vector=exited/-")
}

func TestPhaseDTimeoutNamesFirstFailingProbe(t *testing.T) {
	cfg, st := testSetup(t)
	cy := &fakeCycle{store: st, results: []probe.CycleResult{{DNS: false, TLS: true, Cluster: false}}}
	m := New(cfg, st, &fakeCluster{endpoint: "https://es.example"}, &fakeCompose{statuses: healthyStack()}, cy)
	m.cyclePause = 10 * time.Millisecond

	err := m.Run(context.Background())
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ExitPhaseD, perr.Code)
	assert.Contains(t, perr.Error(), "dns")
	assert.GreaterOrEqual(t, cy.calls, 1)
}

func TestPhaseEThrottleTooHigh(t *testing.T) {
	cfg, st := testSetup(t)
	st.SetThrottleLevel(3)
	m := New(cfg, st, &fakeCluster{endpoint: "https://es.example"}, &fakeCompose{statuses: healthyStack()}, okCycle(st))

	err := m.Run(context.Background())
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ExitPhaseE, perr.Code)
}

func TestPhaseEStackRegressed(t *testing.T) {
	cfg, st := testSetup(t)
	co := &fakeCompose{statuses: healthyStack()}
	m := New(cfg, st, &fakeCluster{endpoint: "https://es.example"}, co, okCycle(st))

	// Healthy through phase C, degraded at phase E's re-check: flip the
	// shared statuses after the stack wait succeeds once. Simplest via a
	// compose whose status turns unhealthy after two calls.
	calls := 0
	co2 := &statusSeq{fakeCompose: co, onStatus: func() orchestrator.Statuses {
		calls++
		if calls >= 2 {
			return orchestrator.Statuses{{Service: "vector", State: "exited"}}
		}
		return healthyStack()
	}}
	m = New(cfg, st, &fakeCluster{endpoint: "https://es.example"}, co2, okCycle(st))

	err := m.Run(context.Background())
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ExitPhaseE, perr.Code)
}

type statusSeq struct {
	*fakeCompose
	onStatus func() orchestrator.Statuses
}

func (s *statusSeq) ComposeStatus(context.Context) (orchestrator.Statuses, error) {
	return s.onStatus(), nil
}

func TestPhaseFNeverAborts(t *testing.T) {
	cfg, st := testSetup(t)
	// GitDir is not a repository; capture errors and is skipped.
	m := New(cfg, st, &fakeCluster{endpoint: "https://es.example"}, &fakeCompose{statuses: healthyStack()}, okCycle(st))
	require.NoError(t, m.Run(context.Background()))
	assert.Equal(t, state.PhaseG, st.Phase())
}

func TestDryRunStubsComposeAndSynthesizesReachability(t *testing.T) {
	cfg, st := testSetup(t)
	cfg.DryRun = true
	co := &fakeCompose{versionErr: errors.New("no compose CLI in dry-run")}
	cy := &fakeCycle{store: st, results: []probe.CycleResult{{}}}
	m := New(cfg, st, &fakeCluster{endpoint: "https://es.example"}, co, cy)

	require.NoError(t, m.Run(context.Background()))
	assert.Equal(t, 0, co.upCalls)
	assert.Equal(t, 0, cy.calls)
	assert.True(t, st.DNSOK())
	assert.True(t, st.TLSOK())
	assert.True(t, st.ClusterOK())
	assert.False(t, m.StartedStack())
}

func TestRunCanceledContext(t *testing.T) {
	cfg, st := testSetup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := New(cfg, st, &fakeCluster{endpoint: "https://es.example"}, &fakeCompose{}, okCycle(st))

	err := m.Run(ctx)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ExitPhaseA, perr.Code)
}
