// Package phases is the ordered bring-up state machine. Each phase is a
// discrete state with an explicit success criterion; failures carry the
// phase's process exit code.
package phases

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edgesoc/ids2-agent/internal/config"
	"github.com/edgesoc/ids2-agent/internal/gitops"
	"github.com/edgesoc/ids2-agent/internal/orchestrator"
	"github.com/edgesoc/ids2-agent/internal/probe"
	"github.com/edgesoc/ids2-agent/internal/render"
	"github.com/edgesoc/ids2-agent/internal/state"
)

// Exit codes for phase failures.
const (
	ExitPhaseA = 3
	ExitPhaseB = 4
	ExitPhaseC = 5
	ExitPhaseD = 6
	ExitPhaseE = 7
)

const (
	stackHealthyTimeout = 180 * time.Second
	stackPollInterval   = 5 * time.Second
	cyclePauseInterval  = 5 * time.Second
)

// Error is a phase failure with its process exit code.
type Error struct {
	Phase state.Phase
	Code  int
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("phase %s failed: %v", e.Phase, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ClusterAPI is the slice of the cluster client the machine drives.
type ClusterAPI interface {
	VerifyCredentials(ctx context.Context) error
	ResolveEndpoint(ctx context.Context) (string, error)
}

// Compose is the subprocess orchestrator surface.
type Compose interface {
	Render(ctx context.Context, templatePath, outPath string, values map[string]string) error
	ComposeVersion(ctx context.Context) (string, error)
	ComposeUp(ctx context.Context) error
	ComposeStatus(ctx context.Context) (orchestrator.Statuses, error)
}

// CycleRunner runs one reachability cycle (the prober, pre-worker).
type CycleRunner interface {
	RunCycle(ctx context.Context) probe.CycleResult
}

// Machine executes phases A through F exactly once and then writes phase
// G; the caller starts the workers, and the supervisor moves the phase on
// to STEADY.
type Machine struct {
	cfg     *config.Config
	store   *state.Store
	cluster ClusterAPI
	compose Compose
	prober  CycleRunner

	endpoint     string
	startedStack bool

	// poll cadences, shortened in tests
	stackPoll  time.Duration
	cyclePause time.Duration
}

func New(cfg *config.Config, st *state.Store, cl ClusterAPI, co Compose, pr CycleRunner) *Machine {
	return &Machine{
		cfg: cfg, store: st, cluster: cl, compose: co, prober: pr,
		endpoint:   cfg.Endpoint,
		stackPoll:  stackPollInterval,
		cyclePause: cyclePauseInterval,
	}
}

// Endpoint is the cluster endpoint resolved in phase A.
func (m *Machine) Endpoint() string { return m.endpoint }

// StartedStack reports whether this run brought the container stack up,
// which gates the shutdown-time stack stop.
func (m *Machine) StartedStack() bool { return m.startedStack }

// Run walks the transition table. The returned error, if any, is *Error
// with the failing phase's exit code.
func (m *Machine) Run(ctx context.Context) error {
	steps := []struct {
		phase state.Phase
		code  int
		run   func(context.Context) error
	}{
		{state.PhaseA, ExitPhaseA, m.phaseA},
		{state.PhaseB, ExitPhaseB, m.phaseB},
		{state.PhaseC, ExitPhaseC, m.phaseC},
		{state.PhaseD, ExitPhaseD, m.phaseD},
		{state.PhaseE, ExitPhaseE, m.phaseE},
		{state.PhaseF, 0, m.phaseF},
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return &Error{Phase: s.phase, Code: s.code, Err: err}
		}
		m.store.SetPhase(s.phase)
		log.Info().Str("phase", s.phase.String()).Msg("phase starting")
		if err := s.run(ctx); err != nil {
			if s.phase == state.PhaseF {
				// Change capture is best-effort, never fatal.
				log.Warn().Err(err).Msg("change capture skipped")
				continue
			}
			return &Error{Phase: s.phase, Code: s.code, Err: err}
		}
		log.Info().Str("phase", s.phase.String()).Msg("phase complete")
	}
	m.store.SetPhase(state.PhaseG)
	return nil
}

// phaseA verifies credentials and resolves the cluster endpoint.
func (m *Machine) phaseA(ctx context.Context) error {
	if err := m.cluster.VerifyCredentials(ctx); err != nil {
		return err
	}
	ep, err := m.cluster.ResolveEndpoint(ctx)
	if err != nil {
		return err
	}
	if ep == "" {
		return errors.New("resolved an empty cluster endpoint")
	}
	m.endpoint = ep
	return nil
}

// phaseB renders both collaborator configs and checks their syntax.
func (m *Machine) phaseB(ctx context.Context) error {
	values := render.PipelineValues(m.cfg, m.endpoint)

	if err := m.compose.Render(ctx, m.cfg.SnifferTemplate, m.cfg.SnifferConfig, values); err != nil {
		return fmt.Errorf("sniffer config: %w", err)
	}
	if err := render.CheckSnifferConfig(m.cfg.SnifferConfig); err != nil {
		return err
	}
	if err := m.compose.Render(ctx, m.cfg.ShipperTemplate, m.cfg.ShipperConfig, values); err != nil {
		return fmt.Errorf("shipper config: %w", err)
	}
	return render.CheckShipperConfig(m.cfg.ShipperConfig)
}

// phaseC starts the container stack and waits for health.
func (m *Machine) phaseC(ctx context.Context) error {
	if m.cfg.DryRun {
		log.Info().Msg("dry-run: would start container stack and wait for health")
		return nil
	}
	ver, err := m.compose.ComposeVersion(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("compose_version", ver).Msg("compose CLI ok")

	if err := m.compose.ComposeUp(ctx); err != nil {
		if sts, serr := m.compose.ComposeStatus(ctx); serr == nil {
			return fmt.Errorf("%w; containers: %s", err, sts.String())
		}
		return err
	}
	m.startedStack = true

	deadline := time.Now().Add(stackHealthyTimeout)
	var last orchestrator.Statuses
	for {
		sts, err := m.compose.ComposeStatus(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("container status poll failed")
		} else {
			last = sts
			if sts.AllHealthy() {
				log.Info().Str("containers", sts.String()).Msg("container stack healthy")
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("container stack not healthy after %s: %s", stackHealthyTimeout, last.String())
		}
		t := time.NewTimer(m.stackPoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// phaseD waits for one fully successful reachability cycle.
func (m *Machine) phaseD(ctx context.Context) error {
	if m.cfg.DryRun {
		log.Info().Msg("dry-run: reporting synthetic reachability success")
		m.store.SetDNSOK(true)
		m.store.SetTLSOK(true)
		m.store.SetClusterOK(true)
		return nil
	}
	deadline := time.Now().Add(m.cfg.PhaseDTimeout)
	firstFailing := "dns"
	for {
		res := m.prober.RunCycle(ctx)
		if res.OK() {
			return nil
		}
		firstFailing = res.FirstFailing()
		log.Warn().Str("failing", firstFailing).Msg("reachability cycle incomplete")

		if time.Now().After(deadline) {
			return fmt.Errorf("reachability not established within %s, first failing probe: %s",
				m.cfg.PhaseDTimeout, firstFailing)
		}
		t := time.NewTimer(m.cyclePause)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("canceled waiting for reachability, first failing probe: %s", firstFailing)
		case <-t.C:
		}
	}
}

// phaseE re-verifies the whole pipeline before entering steady state.
func (m *Machine) phaseE(ctx context.Context) error {
	if !m.cfg.DryRun {
		sts, err := m.compose.ComposeStatus(ctx)
		if err != nil {
			return fmt.Errorf("container status: %w", err)
		}
		if !sts.AllHealthy() {
			return fmt.Errorf("container stack degraded: %s", sts.String())
		}
	}
	if !(m.store.DNSOK() && m.store.TLSOK() && m.store.ClusterOK()) {
		return fmt.Errorf("reachability regressed: dns=%v tls=%v cluster=%v",
			m.store.DNSOK(), m.store.TLSOK(), m.store.ClusterOK())
	}
	if lvl := m.store.ThrottleLevel(); lvl > 2 {
		return fmt.Errorf("throttle level %d too high to enter steady state", lvl)
	}
	return nil
}

// phaseF captures rendered config changes into the versioned directory.
func (m *Machine) phaseF(ctx context.Context) error {
	if m.cfg.DryRun {
		log.Info().Msg("dry-run: would commit rendered configs")
		return nil
	}
	committed, err := gitops.Capture(m.cfg.GitDir, m.cfg.GitBranch,
		[]string{m.cfg.SnifferConfig, m.cfg.ShipperConfig})
	if err != nil {
		if m.cfg.StrictBranch {
			log.Error().Err(err).Msg("change capture failed (strict_branch set, still non-fatal)")
			return nil
		}
		return err // surfaced as a warning by Run
	}
	if !committed {
		log.Info().Msg("no rendered config changes to commit")
	}
	return nil
}
