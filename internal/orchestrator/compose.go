// Package orchestrator is the only place the agent spawns external
// commands. It drives the compose CLI and renders the collaborator
// configuration files; commands are serialized behind a single mutex.
package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"

	"github.com/edgesoc/ids2-agent/internal/config"
	"github.com/edgesoc/ids2-agent/internal/render"
)

// Per-operation timeouts.
const (
	renderTimeout  = 5 * time.Second
	upTimeout      = 180 * time.Second
	statusTimeout  = 15 * time.Second
	downTimeout    = 60 * time.Second
	versionTimeout = 10 * time.Second
)

// ContainerStatus is one service row from the compose status query.
type ContainerStatus struct {
	Service string `json:"Service"`
	State   string `json:"State"`
	Health  string `json:"Health"`
}

// Healthy reports whether the container is running and, when it defines a
// healthcheck, healthy.
func (c ContainerStatus) Healthy() bool {
	if !strings.EqualFold(c.State, "running") {
		return false
	}
	return c.Health == "" || strings.EqualFold(c.Health, "healthy")
}

// Statuses is the full stack view at one poll.
type Statuses []ContainerStatus

func (s Statuses) AllHealthy() bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		if !c.Healthy() {
			return false
		}
	}
	return true
}

func (s Statuses) String() string {
	parts := make([]string, 0, len(s))
	for _, c := range s {
		h := c.Health
		if h == "" {
			h = "-"
		}
		parts = append(parts, fmt.Sprintf("%s=%s/%s", c.Service, c.State, h))
	}
	return strings.Join(parts, " ")
}

// Orchestrator invokes the compose CLI and the template renderer. It is
// synchronous; at most one external command runs at a time.
type Orchestrator struct {
	mu          sync.Mutex
	composeBin  string
	composeFile string
	workDir     string
	env         []string
	minVersion  string
}

func New(cfg *config.Config, workDir string) *Orchestrator {
	return &Orchestrator{
		composeBin:  "docker",
		composeFile: cfg.ComposeFile,
		workDir:     workDir,
		env:         commandEnv(cfg.Profile),
		minVersion:  cfg.ComposeMinVersion,
	}
}

func (o *Orchestrator) composeArgs(args ...string) []string {
	return append([]string{"compose", "-f", o.composeFile}, args...)
}

// Render substitutes values into a template file and writes the result,
// within the render timeout (the operation is local but still bounded).
func (o *Orchestrator) Render(ctx context.Context, templatePath, outPath string, values map[string]string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, renderTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- render.File(templatePath, outPath, values) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("render %s: %w", templatePath, ctx.Err())
	case err := <-done:
		return err
	}
}

// ComposeVersion checks the compose CLI is present and at least the
// configured minimum version.
func (o *Orchestrator) ComposeVersion(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	out, err := o.runCommand(ctx, versionTimeout, o.composeBin, "compose", "version", "--short")
	if err != nil {
		return "", err
	}
	return checkComposeVersion(strings.TrimSpace(out), o.minVersion)
}

func checkComposeVersion(raw, minimum string) (string, error) {
	v, err := semver.NewVersion(strings.TrimPrefix(raw, "v"))
	if err != nil {
		return raw, fmt.Errorf("parse compose version %q: %w", raw, err)
	}
	min, err := semver.NewVersion(minimum)
	if err != nil {
		return raw, fmt.Errorf("parse minimum compose version %q: %w", minimum, err)
	}
	if v.LessThan(min) {
		return raw, fmt.Errorf("compose version %s is older than required %s", v, min)
	}
	return v.String(), nil
}

// ComposeUp starts the stack detached.
func (o *Orchestrator) ComposeUp(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	log.Info().Str("compose_file", o.composeFile).Msg("starting container stack")
	_, err := o.runCommand(ctx, upTimeout, o.composeBin, o.composeArgs("up", "-d")...)
	return err
}

// ComposeStatus queries per-service state and health.
func (o *Orchestrator) ComposeStatus(ctx context.Context) (Statuses, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	out, err := o.runCommand(ctx, statusTimeout, o.composeBin, o.composeArgs("ps", "--format", "json")...)
	if err != nil {
		return nil, err
	}
	return parseStatuses(out)
}

// parseStatuses handles both output shapes of `compose ps --format json`:
// one JSON object per line (v2.21+) and a single JSON array.
func parseStatuses(out string) (Statuses, error) {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var sts Statuses
		if err := json.Unmarshal([]byte(trimmed), &sts); err != nil {
			return nil, fmt.Errorf("parse compose status: %w", err)
		}
		return sts, nil
	}
	var sts Statuses
	sc := bufio.NewScanner(strings.NewReader(trimmed))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var c ContainerStatus
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			return nil, fmt.Errorf("parse compose status line: %w", err)
		}
		sts = append(sts, c)
	}
	return sts, sc.Err()
}

// ComposeDown stops the stack.
func (o *Orchestrator) ComposeDown(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	log.Info().Str("compose_file", o.composeFile).Msg("stopping container stack")
	_, err := o.runCommand(ctx, downTimeout, o.composeBin, o.composeArgs("down", "--timeout", "30")...)
	return err
}
