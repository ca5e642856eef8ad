//go:build !linux

package runtime

// ApplyRlimits is a no-op off Linux; the deployment target is a Linux
// edge host and dev machines just skip the limit.
func ApplyRlimits(noFile uint64) error { return nil }
