package state

import (
	"math"
	"sync/atomic"
	"time"
)

// Phase is the bring-up / lifecycle position of the agent.
type Phase int32

const (
	PhaseA Phase = iota
	PhaseB
	PhaseC
	PhaseD
	PhaseE
	PhaseF
	PhaseG
	PhaseSteady
	PhaseDraining
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseA:
		return "A"
	case PhaseB:
		return "B"
	case PhaseC:
		return "C"
	case PhaseD:
		return "D"
	case PhaseE:
		return "E"
	case PhaseF:
		return "F"
	case PhaseG:
		return "G"
	case PhaseSteady:
		return "STEADY"
	case PhaseDraining:
		return "DRAINING"
	case PhaseStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// Worker names. The store allocates per-worker slots for exactly this set.
const (
	WorkerMonitor = "monitor"
	WorkerProber  = "prober"
	WorkerMetrics = "metrics"
)

// WorkerNames lists the supervised workers in start order.
var WorkerNames = []string{WorkerMonitor, WorkerProber, WorkerMetrics}

// workerSlot holds the per-worker observability fields. Each field is a
// single atomic; readers never take a lock.
type workerSlot struct {
	alive     atomic.Bool
	restarts  atomic.Int64
	heartbeat atomic.Int64 // unix nanos of last beat, 0 = never
}

// Store is the shared-state area every component observes. Each key is
// backed by an independent atomic primitive; there is no store-wide lock
// and no notification mechanism. Every key has its zero value defined
// before any worker starts.
type Store struct {
	cpuPercent     atomic.Uint64 // float64 bits
	ramPercent     atomic.Uint64 // float64 bits
	throttleLevel  atomic.Int32
	dnsOK          atomic.Bool
	tlsOK          atomic.Bool
	clusterOK      atomic.Bool
	clusterLatency atomic.Uint64 // float64 bits, milliseconds
	phase          atomic.Int32
	pipelineOK     atomic.Bool

	samplerErrors   atomic.Uint64
	coalescedCycles atomic.Uint64

	startedAt time.Time
	workers   map[string]*workerSlot
}

// New builds a store with every key at its initial value.
func New() *Store {
	s := &Store{
		startedAt: time.Now(),
		workers:   make(map[string]*workerSlot, len(WorkerNames)),
	}
	for _, name := range WorkerNames {
		s.workers[name] = &workerSlot{}
	}
	s.phase.Store(int32(PhaseA))
	return s
}

func (s *Store) SetCPUPercent(v float64) { s.cpuPercent.Store(math.Float64bits(v)) }
func (s *Store) CPUPercent() float64     { return math.Float64frombits(s.cpuPercent.Load()) }

func (s *Store) SetRAMPercent(v float64) { s.ramPercent.Store(math.Float64bits(v)) }
func (s *Store) RAMPercent() float64     { return math.Float64frombits(s.ramPercent.Load()) }

func (s *Store) SetThrottleLevel(v int) { s.throttleLevel.Store(int32(v)) }
func (s *Store) ThrottleLevel() int     { return int(s.throttleLevel.Load()) }

func (s *Store) SetDNSOK(v bool) { s.dnsOK.Store(v) }
func (s *Store) DNSOK() bool     { return s.dnsOK.Load() }

func (s *Store) SetTLSOK(v bool) { s.tlsOK.Store(v) }
func (s *Store) TLSOK() bool     { return s.tlsOK.Load() }

func (s *Store) SetClusterOK(v bool) { s.clusterOK.Store(v) }
func (s *Store) ClusterOK() bool     { return s.clusterOK.Load() }

func (s *Store) SetClusterLatencyMS(v float64) { s.clusterLatency.Store(math.Float64bits(v)) }
func (s *Store) ClusterLatencyMS() float64     { return math.Float64frombits(s.clusterLatency.Load()) }

func (s *Store) SetPhase(p Phase) { s.phase.Store(int32(p)) }
func (s *Store) Phase() Phase     { return Phase(s.phase.Load()) }

func (s *Store) SetPipelineOK(v bool) { s.pipelineOK.Store(v) }
func (s *Store) PipelineOK() bool     { return s.pipelineOK.Load() }

func (s *Store) IncSamplerErrors()       { s.samplerErrors.Add(1) }
func (s *Store) SamplerErrors() uint64   { return s.samplerErrors.Load() }
func (s *Store) IncCoalescedCycles()     { s.coalescedCycles.Add(1) }
func (s *Store) CoalescedCycles() uint64 { return s.coalescedCycles.Load() }

// StartedAt is the supervisor start time, set once at construction.
func (s *Store) StartedAt() time.Time { return s.startedAt }

// Uptime returns seconds since the store was created.
func (s *Store) Uptime() float64 { return time.Since(s.startedAt).Seconds() }

func (s *Store) slot(name string) *workerSlot {
	sl, ok := s.workers[name]
	if !ok {
		// Unknown worker names indicate a programming error; the worker
		// set is fixed at construction. Return a throwaway slot rather
		// than panic inside an observability path.
		return &workerSlot{}
	}
	return sl
}

func (s *Store) SetWorkerAlive(name string, v bool) { s.slot(name).alive.Store(v) }
func (s *Store) WorkerAlive(name string) bool       { return s.slot(name).alive.Load() }

// IncWorkerRestarts bumps the restart counter and returns the new value.
func (s *Store) IncWorkerRestarts(name string) int64 { return s.slot(name).restarts.Add(1) }
func (s *Store) WorkerRestarts(name string) int64    { return s.slot(name).restarts.Load() }

// Beat records a worker heartbeat. Workers call this once per tick; the
// supervisor treats a stale beat as a crash.
func (s *Store) Beat(name string) { s.slot(name).heartbeat.Store(time.Now().UnixNano()) }

// LastBeat returns the time of the worker's last heartbeat and whether it
// has ever beaten.
func (s *Store) LastBeat(name string) (time.Time, bool) {
	n := s.slot(name).heartbeat.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}
