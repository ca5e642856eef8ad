// Package supervisor owns the steady-state lifecycle of the worker set:
// spawn, liveness via heartbeats, crash restart with back-off, and the
// ordered drain on shutdown.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edgesoc/ids2-agent/internal/config"
	"github.com/edgesoc/ids2-agent/internal/state"
)

const (
	pollInterval      = 1 * time.Second
	statusEvery       = 30 * time.Second
	initialBackoff    = 1 * time.Second
	maxBackoff        = 30 * time.Second
	backoffResetAfter = 5 * time.Minute
)

// Worker is a supervised unit of concurrency. Run blocks until the
// context is canceled (clean stop) or the worker fails; it must touch its
// heartbeat key regularly.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

type workerState struct {
	w        Worker
	liveness time.Duration // heartbeat staleness window

	cancel    context.CancelFunc
	done      chan struct{}
	lastErr   error
	running   bool
	startedAt time.Time
	backoff   time.Duration
	restartAt time.Time
}

// Supervisor runs the fixed worker set and keeps the store's liveness,
// restart, and pipeline_ok keys current.
type Supervisor struct {
	cfg     *config.Config
	store   *state.Store
	workers []*workerState
}

func New(cfg *config.Config, st *state.Store) *Supervisor {
	return &Supervisor{cfg: cfg, store: st}
}

// Add registers a worker with its heartbeat staleness window.
func (s *Supervisor) Add(w Worker, liveness time.Duration) {
	s.workers = append(s.workers, &workerState{
		w:        w,
		liveness: liveness,
		backoff:  initialBackoff,
	})
}

func (s *Supervisor) start(ctx context.Context, ws *workerState) {
	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	ws.cancel = cancel
	ws.done = done
	ws.running = true
	ws.startedAt = time.Now()
	s.store.Beat(ws.w.Name()) // fresh window for the new run
	s.store.SetWorkerAlive(ws.w.Name(), true)

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				ws.lastErr = fmt.Errorf("panic: %v", r)
				log.Error().
					Str("worker", ws.w.Name()).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("worker panicked")
			}
		}()
		ws.lastErr = ws.w.Run(wctx)
	}()
}

// exited reports whether the current run's goroutine has finished.
func (ws *workerState) exited() bool {
	select {
	case <-ws.done:
		return true
	default:
		return false
	}
}

func (s *Supervisor) heartbeatStale(ws *workerState) bool {
	last, ever := s.store.LastBeat(ws.w.Name())
	if !ever {
		return time.Since(ws.startedAt) > ws.liveness
	}
	return time.Since(last) > ws.liveness
}

// supervise is one poll over a single worker.
func (s *Supervisor) supervise(ctx context.Context, ws *workerState) {
	name := ws.w.Name()

	if ws.running {
		// A long-lived run earns its back-off reset.
		if time.Since(ws.startedAt) >= backoffResetAfter {
			ws.backoff = initialBackoff
		}
		if ws.exited() {
			s.crashed(ws, "terminated")
			return
		}
		if s.heartbeatStale(ws) {
			log.Error().Str("worker", name).Dur("window", ws.liveness).Msg("heartbeat stale, treating as crashed")
			ws.cancel()
			select {
			case <-ws.done:
			case <-time.After(pollInterval):
				// Abandon the wedged goroutine; a replacement starts below.
			}
			s.crashed(ws, "stale heartbeat")
			return
		}
		return
	}

	if time.Now().After(ws.restartAt) {
		restarts := s.store.IncWorkerRestarts(name)
		log.Warn().Str("worker", name).Int64("restarts", restarts).Msg("restarting worker")
		s.start(ctx, ws)
	}
}

func (s *Supervisor) crashed(ws *workerState, reason string) {
	name := ws.w.Name()
	ws.running = false
	ws.cancel()
	s.store.SetWorkerAlive(name, false)

	log.Error().
		Str("worker", name).
		Str("reason", reason).
		AnErr("last_error", ws.lastErr).
		Dur("backoff", ws.backoff).
		Msg("worker down")

	ws.restartAt = time.Now().Add(ws.backoff)
	ws.backoff *= 2
	if ws.backoff > maxBackoff {
		ws.backoff = maxBackoff
	}
}

func (s *Supervisor) updatePipelineOK() {
	ok := s.store.Phase() == state.PhaseSteady &&
		s.store.DNSOK() && s.store.TLSOK() && s.store.ClusterOK()
	s.store.SetPipelineOK(ok)
}

func (s *Supervisor) logStatus() {
	ev := log.Info().
		Str("phase", s.store.Phase().String()).
		Bool("pipeline_ok", s.store.PipelineOK()).
		Int("throttle", s.store.ThrottleLevel()).
		Float64("cpu", s.store.CPUPercent()).
		Float64("ram", s.store.RAMPercent())
	for _, ws := range s.workers {
		name := ws.w.Name()
		ev = ev.Bool(name+"_alive", s.store.WorkerAlive(name)).
			Int64(name+"_restarts", s.store.WorkerRestarts(name))
	}
	ev.Msg("status")
}

// Run starts every worker, enters steady state, and supervises until the
// context is canceled, then drains within the shutdown grace period.
func (s *Supervisor) Run(ctx context.Context) {
	for _, ws := range s.workers {
		s.start(ctx, ws)
	}
	s.store.SetPhase(state.PhaseSteady)
	log.Info().Int("workers", len(s.workers)).Msg("steady state entered")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	status := time.NewTicker(statusEvery)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case <-ticker.C:
			for _, ws := range s.workers {
				s.supervise(ctx, ws)
			}
			s.updatePipelineOK()
		case <-status.C:
			s.logStatus()
		}
	}
}

// drain cancels every worker and waits up to the grace period for them to
// finish. Whatever is still running afterwards is abandoned.
func (s *Supervisor) drain() {
	s.store.SetPhase(state.PhaseDraining)
	s.store.SetPipelineOK(false)
	log.Info().Dur("grace", s.cfg.ShutdownGrace).Msg("draining workers")

	for _, ws := range s.workers {
		if ws.cancel != nil {
			ws.cancel()
		}
	}
	deadline := time.Now().Add(s.cfg.ShutdownGrace)
	for _, ws := range s.workers {
		if !ws.running {
			continue
		}
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		select {
		case <-ws.done:
			log.Info().Str("worker", ws.w.Name()).Msg("worker drained")
		case <-time.After(remaining):
			log.Warn().Str("worker", ws.w.Name()).Msg("worker did not drain in time, abandoning")
		}
		ws.running = false
		s.store.SetWorkerAlive(ws.w.Name(), false)
	}
	log.Info().Msg("drain complete")
}
