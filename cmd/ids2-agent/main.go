package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/edgesoc/ids2-agent/internal/cluster"
	"github.com/edgesoc/ids2-agent/internal/config"
	"github.com/edgesoc/ids2-agent/internal/metrics"
	"github.com/edgesoc/ids2-agent/internal/monitor"
	"github.com/edgesoc/ids2-agent/internal/orchestrator"
	"github.com/edgesoc/ids2-agent/internal/phases"
	"github.com/edgesoc/ids2-agent/internal/probe"
	sysrt "github.com/edgesoc/ids2-agent/internal/runtime"
	"github.com/edgesoc/ids2-agent/internal/state"
	"github.com/edgesoc/ids2-agent/internal/supervisor"
	"github.com/edgesoc/ids2-agent/internal/version"
)

// Process exit codes beyond the per-phase set.
const (
	exitFatal        = 1
	exitConfig       = 2
	exitSecondSignal = 130
)

const metricsLiveness = 60 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.toml", "Path to the agent configuration file (TOML)")
	dryRun := flag.Bool("dry-run", false, "Log bring-up intent without starting the container stack")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ids2-agent %s (%s)\n", version.Version, version.Commit)
		return 0
	}

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", *logLevel)
		return exitConfig
	}
	log.Logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	// .env first so config placeholders can resolve from it.
	config.LoadDotEnvDefault()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Str("config", *configPath).Msg("configuration error")
		return exitConfig
	}
	if *dryRun {
		cfg.DryRun = true
	}

	if err := sysrt.ApplyRlimits(cfg.RlimitNofile); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return exitFatal
	}

	log.Info().
		Str("version", version.Version).
		Str("interface", cfg.Interface).
		Bool("dry_run", cfg.DryRun).
		Msg("ids2-agent starting")

	st := state.New()

	// One cancellation for everything; a second signal during the drain
	// exits immediately without touching the container stack.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received, draining")
		cancel()
		sig = <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("second signal, exiting immediately")
		os.Exit(exitSecondSignal)
	}()

	cl, err := cluster.New(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("credential profile unusable")
		return phases.ExitPhaseA
	}
	orch := orchestrator.New(cfg, ".")
	prober := probe.New(cfg, st, cl)

	machine := phases.New(cfg, st, cl, orch, prober)
	if err := machine.Run(ctx); err != nil {
		var perr *phases.Error
		if errors.As(err, &perr) {
			log.Error().Err(perr.Err).Str("phase", perr.Phase.String()).Msg("bring-up failed")
			return perr.Code
		}
		log.Error().Err(err).Msg("bring-up failed")
		return exitFatal
	}

	metricsSrv, err := metrics.NewServer(cfg, st)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return exitFatal
	}

	sup := supervisor.New(cfg, st)
	sup.Add(monitor.New(cfg, st, nil), 2*cfg.SampleInterval)
	sup.Add(prober, 2*cfg.CheckInterval)
	sup.Add(metricsSrv, metricsLiveness)
	sup.Run(ctx) // blocks until the shutdown signal, then drains

	if machine.StartedStack() && cfg.StopStackOnExit {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 90*time.Second)
		if err := orch.ComposeDown(stopCtx); err != nil {
			log.Warn().Err(err).Msg("container stack stop failed")
		}
		stopCancel()
	}

	st.SetPhase(state.PhaseStopped)
	log.Info().Str("phase", st.Phase().String()).Msg("ids2-agent stopped")
	return 0
}
