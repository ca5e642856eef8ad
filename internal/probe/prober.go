// Package probe runs the downstream reachability cycle: DNS resolution,
// TLS handshake, and the signed cluster bulk ping, concurrently with
// per-probe retries.
package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edgesoc/ids2-agent/internal/config"
	"github.com/edgesoc/ids2-agent/internal/state"
)

const (
	dnsTimeout = 10 * time.Second
	tlsTimeout = 10 * time.Second
)

// Pinger is the slice of the cluster client the prober needs.
type Pinger interface {
	Host() string
	Ping(ctx context.Context) (latencyMS float64, err error)
}

// CycleResult is the outcome of one full probe cycle.
type CycleResult struct {
	DNS       bool
	TLS       bool
	Cluster   bool
	LatencyMS float64
}

// OK reports whether every probe in the cycle succeeded.
func (r CycleResult) OK() bool { return r.DNS && r.TLS && r.Cluster }

// FirstFailing names the first failed probe in DNS, TLS, cluster order,
// or "" when the cycle succeeded.
func (r CycleResult) FirstFailing() string {
	switch {
	case !r.DNS:
		return "dns"
	case !r.TLS:
		return "tls"
	case !r.Cluster:
		return "cluster"
	}
	return ""
}

// Prober is the reachability worker. RunCycle is also driven directly by
// the bring-up state machine during phase D, before workers exist.
type Prober struct {
	cfg    *config.Config
	store  *state.Store
	pinger Pinger

	// probe functions, replaceable in tests
	resolveHost func(ctx context.Context, host string) error
	dialTLS     func(ctx context.Context, host string) error

	running atomic.Bool
}

func New(cfg *config.Config, st *state.Store, pinger Pinger) *Prober {
	return &Prober{
		cfg:         cfg,
		store:       st,
		pinger:      pinger,
		resolveHost: resolveHost,
		dialTLS:     dialTLS,
	}
}

func (p *Prober) Name() string { return state.WorkerProber }

func resolveHost(ctx context.Context, host string) error {
	ctx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("resolve %s: no records", host)
	}
	return nil
}

func dialTLS(ctx context.Context, host string) error {
	ctx, cancel := context.WithTimeout(ctx, tlsTimeout)
	defer cancel()
	d := &tls.Dialer{NetDialer: &net.Dialer{}}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, "443"))
	if err != nil {
		return fmt.Errorf("tls handshake %s: %w", host, err)
	}
	return conn.Close()
}

// retry runs fn up to cfg.RetryAttempts times with exponential back-off
// (base, 2*base, 4*base, capped). The sleep observes ctx so shutdown
// aborts an in-flight wait promptly.
func (p *Prober) retry(ctx context.Context, fn func(context.Context) error) error {
	backoff := p.cfg.RetryBase
	var err error
	for attempt := 0; attempt < p.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			backoff *= 2
			if backoff > p.cfg.RetryCap {
				backoff = p.cfg.RetryCap
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

// RunCycle runs one full cycle and writes the three status keys in
// DNS, TLS, cluster order once all probes have finished.
func (p *Prober) RunCycle(ctx context.Context) CycleResult {
	host := p.pinger.Host()
	logger := log.With().Str("worker", p.Name()).Str("host", host).Logger()

	var res CycleResult
	var mu sync.Mutex
	var wg sync.WaitGroup

	if host == "" {
		logger.Error().Msg("no cluster endpoint for reachability checks")
		p.writeResult(res)
		return res
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		err := p.retry(ctx, func(ctx context.Context) error { return p.resolveHost(ctx, host) })
		if err != nil {
			logger.Warn().Err(err).Msg("dns probe failed")
		}
		mu.Lock()
		res.DNS = err == nil
		mu.Unlock()
	}()
	go func() {
		defer wg.Done()
		err := p.retry(ctx, func(ctx context.Context) error { return p.dialTLS(ctx, host) })
		if err != nil {
			logger.Warn().Err(err).Msg("tls probe failed")
		}
		mu.Lock()
		res.TLS = err == nil
		mu.Unlock()
	}()
	go func() {
		defer wg.Done()
		// The ping client retries internally on the same schedule.
		latency, err := p.pinger.Ping(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("cluster probe failed")
		}
		mu.Lock()
		res.Cluster = err == nil
		res.LatencyMS = latency
		mu.Unlock()
	}()
	wg.Wait()

	p.writeResult(res)
	logger.Info().
		Bool("dns", res.DNS).
		Bool("tls", res.TLS).
		Bool("cluster", res.Cluster).
		Float64("latency_ms", res.LatencyMS).
		Msg("reachability cycle complete")
	return res
}

func (p *Prober) writeResult(res CycleResult) {
	p.store.SetDNSOK(res.DNS)
	p.store.SetTLSOK(res.TLS)
	p.store.SetClusterOK(res.Cluster)
	if res.Cluster {
		p.store.SetClusterLatencyMS(res.LatencyMS)
	}
}

// Run is the worker loop: one cycle immediately, then one per
// check_interval. A tick that lands while a cycle is still in flight is
// skipped and counted, never run concurrently.
func (p *Prober) Run(ctx context.Context) error {
	logger := log.With().Str("worker", p.Name()).Logger()
	logger.Info().Dur("interval", p.cfg.CheckInterval).Msg("reachability prober started")

	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()

	cycleDone := make(chan struct{}, 1)
	launch := func() {
		if !p.running.CompareAndSwap(false, true) {
			p.store.IncCoalescedCycles()
			logger.Debug().Msg("cycle still running, tick skipped")
			return
		}
		go func() {
			defer func() {
				p.running.Store(false)
				select {
				case cycleDone <- struct{}{}:
				default:
				}
			}()
			p.RunCycle(ctx)
		}()
	}

	p.store.Beat(p.Name())
	launch()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("reachability prober stopping")
			return nil
		case <-cycleDone:
			p.store.Beat(p.Name())
		case <-ticker.C:
			p.store.Beat(p.Name())
			launch()
		}
	}
}
