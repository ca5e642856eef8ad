package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/edgesoc/ids2-agent/internal/config"
	"github.com/edgesoc/ids2-agent/internal/state"
)

// heartbeatEvery keeps the metrics worker's liveness fresh; the server
// itself is event-driven so it beats on a timer rather than per request.
const heartbeatEvery = 15 * time.Second

// Server is the metrics-endpoint worker: /metrics in text exposition
// format and /health keyed off pipeline_ok.
type Server struct {
	cfg   *config.Config
	store *state.Store
	// listener is created eagerly so a bind failure surfaces at
	// construction (fatal) rather than inside the worker loop.
	ln net.Listener
}

func NewServer(cfg *config.Config, st *state.Store) (*Server, error) {
	ln, err := net.Listen("tcp", cfg.MetricsListenAddr())
	if err != nil {
		return nil, fmt.Errorf("metrics bind %s: %w", cfg.MetricsListenAddr(), err)
	}
	return &Server{cfg: cfg, store: st, ln: ln}, nil
}

func (s *Server) Name() string { return state.WorkerMetrics }

// Addr is the bound listen address (useful when the port was 0).
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.MetricsListenAddr()
	}
	return s.ln.Addr().String()
}

// Handler builds the HTTP mux. Split out for tests.
func Handler(st *state.Store) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(NewRegistry(st), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if st.PipelineOK() {
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "ok")
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, healthReason(st))
	})
	return mux
}

// healthReason names the first failing conjunct of pipeline_ok.
func healthReason(st *state.Store) string {
	if st.Phase() != state.PhaseSteady {
		return fmt.Sprintf("not steady (phase=%s)", st.Phase())
	}
	switch {
	case !st.DNSOK():
		return "dns check failing"
	case !st.TLSOK():
		return "tls check failing"
	case !st.ClusterOK():
		return "cluster check failing"
	}
	return "pipeline degraded"
}

// Run serves until the context is canceled, then shuts down gracefully.
// On a restart after a crash the initial listener is gone, so Run rebinds.
func (s *Server) Run(ctx context.Context) error {
	logger := log.With().Str("worker", s.Name()).Logger()

	ln := s.ln
	s.ln = nil
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.cfg.MetricsListenAddr())
		if err != nil {
			return fmt.Errorf("metrics rebind %s: %w", s.cfg.MetricsListenAddr(), err)
		}
	}

	srv := &http.Server{Handler: Handler(s.store)}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", ln.Addr().String()).Msg("metrics server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	s.store.Beat(s.Name())

	for {
		select {
		case <-ctx.Done():
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutCtx); err != nil {
				logger.Warn().Err(err).Msg("metrics shutdown")
			}
			<-errCh
			logger.Info().Msg("metrics server stopped")
			return nil
		case err := <-errCh:
			// Serve returned on its own: worker crash, supervisor restarts.
			if err != nil {
				return fmt.Errorf("metrics serve: %w", err)
			}
			return errors.New("metrics server exited unexpectedly")
		case <-ticker.C:
			s.store.Beat(s.Name())
		}
	}
}
