//go:build linux

package runtime

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ApplyRlimits raises the NOFILE soft limit when configured (>0). The
// metrics server and prober keep several sockets open on a busy host.
func ApplyRlimits(noFile uint64) error {
	if noFile == 0 {
		return nil
	}
	lim := &unix.Rlimit{Cur: noFile, Max: noFile}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, lim); err != nil {
		return fmt.Errorf("setrlimit NOFILE: %w", err)
	}
	return nil
}
