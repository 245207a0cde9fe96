// Package util holds the handful of process-level helpers shared by
// cmd/agent and cmd/aggregator: exit codes, mirroring the teacher's
// pkg/utils/exitcodes.go.
package util

const (
	// ExitCodeSuccess is returned on a clean shutdown (signal received,
	// drained, exited).
	ExitCodeSuccess = iota
	// ExitCodeError is returned for any fatal startup or runtime error
	// that isn't one of the more specific codes below.
	ExitCodeError

	// ExitCodeIncompatibleKernel is returned when kernelcheck rejects the
	// host (missing BTF or below the minimum ring-buffer kernel version).
	ExitCodeIncompatibleKernel = 101
	// ExitCodeConfigError is returned when config.Load fails.
	ExitCodeConfigError = 102
)
