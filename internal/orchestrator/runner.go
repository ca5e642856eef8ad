package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// runCommand executes one external command with a bounded timeout, the
// orchestrator's scrubbed environment, and line-forwarded output. stdout
// is returned for callers that parse it; stderr is captured so a failure
// can surface it verbatim.
func (o *Orchestrator) runCommand(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = o.workDir
	cmd.Env = o.env

	var stdout, stderr bytes.Buffer
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = io.MultiWriter(&stdout, outW)
	cmd.Stderr = io.MultiWriter(&stderr, errW)

	label := name + " " + strings.Join(args, " ")
	go streamLines(label, "stdout", outR, false)
	go streamLines(label, "stderr", errR, true)

	log.Debug().Str("cmd", label).Msg("running external command")
	err := cmd.Run()
	outW.Close()
	errW.Close()

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return stdout.String(), fmt.Errorf("%s: timed out after %s", label, timeout)
		}
		return stdout.String(), fmt.Errorf("%s: %w (stderr: %s)", label, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func streamLines(cmd, stream string, r io.Reader, asError bool) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		if asError {
			log.Error().Str("cmd", cmd).Str("stream", stream).Msg(s.Text())
		} else {
			log.Info().Str("cmd", cmd).Str("stream", stream).Msg(s.Text())
		}
	}
}

// commandEnv builds the explicit environment for external commands: the
// basics the tools need plus the credential-profile name. Nothing else
// from the agent's environment leaks through.
func commandEnv(profile string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
	}
	if profile != "" {
		env = append(env, "AWS_PROFILE="+profile)
	}
	return env
}
