package monitor

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/edgesoc/ids2-agent/internal/config"
	"github.com/edgesoc/ids2-agent/internal/state"
)

// freeMemoryRAMThreshold is the RAM% at or above which the monitor asks the
// runtime to return memory to the OS, at most once per freeMemoryMinGap.
const (
	freeMemoryRAMThreshold = 65.0
	freeMemoryMinGap       = 30 * time.Second
)

// Sampler reads one host-wide CPU and RAM utilization sample. cpuValid is
// false until a delta baseline exists (the first call after start).
type Sampler interface {
	Sample(ctx context.Context) (cpuPct float64, cpuValid bool, ramPct float64, err error)
}

// hostSampler samples via gopsutil. cpu.Percent with interval 0 measures
// the delta since the previous call, so the first reading carries no
// information and is reported as invalid.
type hostSampler struct {
	primed bool
}

func NewHostSampler() Sampler { return &hostSampler{} }

func (h *hostSampler) Sample(ctx context.Context) (float64, bool, float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, false, 0, err
	}
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, false, vm.UsedPercent, err
	}
	var cpuPct float64
	if len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	if !h.primed {
		h.primed = true
		return 0, false, vm.UsedPercent, nil
	}
	return cpuPct, true, vm.UsedPercent, nil
}

// Monitor is the resource-monitor worker. It samples host CPU/RAM each
// tick, derives the throttle level, and publishes all three keys.
type Monitor struct {
	cfg      *config.Config
	store    *state.Store
	sampler  Sampler
	lastFree time.Time
	freeMem  func() // memory-release hook, replaceable in tests
}

func New(cfg *config.Config, st *state.Store, sampler Sampler) *Monitor {
	if sampler == nil {
		sampler = NewHostSampler()
	}
	return &Monitor{cfg: cfg, store: st, sampler: sampler, freeMem: debug.FreeOSMemory}
}

func (m *Monitor) Name() string { return state.WorkerMonitor }

// ThrottleLevel maps max(cpu, ram) onto the 0-3 throttle scale. Each
// threshold is inclusive on its lower bound.
func ThrottleLevel(m float64, t1, t2, t3 float64) int {
	switch {
	case m >= t3:
		return 3
	case m >= t2:
		return 2
	case m >= t1:
		return 1
	default:
		return 0
	}
}

// Run samples until the context is canceled. Sampling errors keep the
// previous published values and count in sampler_errors_total.
func (m *Monitor) Run(ctx context.Context) error {
	logger := log.With().Str("worker", m.Name()).Logger()
	logger.Info().Dur("interval", m.cfg.SampleInterval).Msg("resource monitor started")

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	m.tick(ctx, logger)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("resource monitor stopping")
			return nil
		case <-ticker.C:
			m.tick(ctx, logger)
		}
	}
}

func (m *Monitor) tick(ctx context.Context, logger zerolog.Logger) {
	defer m.store.Beat(m.Name())

	cpuPct, cpuValid, ramPct, err := m.sampler.Sample(ctx)
	if err != nil {
		m.store.IncSamplerErrors()
		logger.Warn().Err(err).Msg("resource sample failed, keeping previous values")
		return
	}
	var level int
	if cpuValid {
		level = ThrottleLevel(max(cpuPct, ramPct), m.cfg.ThrottleT1, m.cfg.ThrottleT2, m.cfg.ThrottleT3)
		// Pressure ramps one level per tick so collaborators see each
		// step; relief is immediate.
		if prev := m.store.ThrottleLevel(); level > prev+1 {
			level = prev + 1
		}
	} else {
		// No CPU delta yet: the throttle stays off this tick no matter
		// what the RAM reading says.
		cpuPct = 0
	}

	m.store.SetCPUPercent(cpuPct)
	m.store.SetRAMPercent(ramPct)
	m.store.SetThrottleLevel(level)

	if level > 0 {
		logger.Warn().
			Float64("cpu", cpuPct).
			Float64("ram", ramPct).
			Int("throttle", level).
			Msg("resource pressure")
	} else {
		logger.Debug().Float64("cpu", cpuPct).Float64("ram", ramPct).Msg("resources ok")
	}

	if cpuPct > m.cfg.MaxCPUPercent || ramPct > m.cfg.MaxRAMPercent {
		logger.Error().
			Float64("cpu", cpuPct).Float64("cpu_limit", m.cfg.MaxCPUPercent).
			Float64("ram", ramPct).Float64("ram_limit", m.cfg.MaxRAMPercent).
			Msg("resource limits exceeded")
	}

	if ramPct >= freeMemoryRAMThreshold && time.Since(m.lastFree) > freeMemoryMinGap {
		logger.Info().Float64("ram", ramPct).Msg("releasing memory to OS")
		m.freeMem()
		m.lastFree = time.Now()
	}
}
