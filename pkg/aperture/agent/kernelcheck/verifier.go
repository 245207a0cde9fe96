// Package kernelcheck validates that the host the agent is starting on supports
// the eBPF features Aperture's probes rely on (BTF, ring buffers, a recent enough
// kernel) before any probe attachment is attempted.
package kernelcheck

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
)

// ErrKernelVersion is returned (wrapped) when the running kernel predates the
// minimum version Aperture's ring-buffer probes require.
var ErrKernelVersion = errors.New("incompatible kernel version")

// CheckPrerequisites verifies BTF availability and kernel version. BTF absence is
// fatal; an old kernel version is logged as a warning since some distributions
// backport ring buffer support.
func CheckPrerequisites() error {
	if err := checkBTFSupport(); err != nil {
		return err
	}
	if err := checkKernelVersion(); err != nil {
		logger.L().Warning("kernel version below the supported baseline", helpers.Error(err))
	}
	return nil
}

// btfDetector is one way of confirming the running kernel carries BTF type
// info, tried in order from cheapest to most indirect. Aperture's probes
// need BTF for CO-RE relocations, so any one strategy succeeding is enough.
type btfDetector struct {
	name  string
	check func() bool
}

func btfDetectors() []btfDetector {
	return []btfDetector{
		{"vmlinux BTF file", btfVmlinuxFileExists},
		{"boot/module vmlinux path", btfExpandedPathExists},
		{"kernel config flag", btfConfigFlagSet},
	}
}

func checkBTFSupport() error {
	for _, d := range btfDetectors() {
		if d.check() {
			logger.L().Debug("BTF support detected", helpers.String("via", d.name))
			return nil
		}
	}
	return fmt.Errorf("BTF support not detected: tried %s", strings.Join(btfDetectorNames(), ", "))
}

func btfDetectorNames() []string {
	names := make([]string, 0, len(btfDetectors()))
	for _, d := range btfDetectors() {
		names = append(names, d.name)
	}
	return names
}

func btfVmlinuxFileExists() bool {
	_, err := os.Stat("/sys/kernel/btf/vmlinux")
	return err == nil
}

// btfExpandedPathExists shells out to expand $(uname -r) in each candidate
// path, since Go's os/exec has no built-in shell-variable expansion.
func btfExpandedPathExists() bool {
	for _, path := range []string{
		"/boot/vmlinux-$(uname -r)",
		"/lib/modules/$(uname -r)/vmlinux",
	} {
		expanded, err := exec.Command("sh", "-c", fmt.Sprintf("echo %s", path)).Output()
		if err != nil {
			continue
		}
		if _, err := os.Stat(strings.TrimSpace(string(expanded))); err == nil {
			return true
		}
	}
	return false
}

func btfConfigFlagSet() bool {
	cmd := exec.Command("sh", "-c", "grep -q CONFIG_DEBUG_INFO_BTF=y /boot/config-$(uname -r)")
	return cmd.Run() == nil
}

func checkKernelVersion() error {
	raw, err := os.ReadFile("/proc/version")
	if err != nil {
		return err
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 3 {
		return errors.New("unexpected format in /proc/version")
	}
	major, minor, _, err := ParseKernelVersion(fields[2])
	if err != nil {
		return err
	}
	if major < 4 || (major == 4 && minor < 18) {
		return fmt.Errorf("%w: running %d.%d, need at least 4.18 for ring buffer support", ErrKernelVersion, major, minor)
	}
	return nil
}

// ParseKernelVersion extracts the major.minor.patch triple from a uname -r style
// string such as "6.11+parrot-amd64" or "4.15.0-112-generic". Missing or
// non-numeric components default to zero rather than erroring, since distro
// suffixes vary widely.
func ParseKernelVersion(release string) (major, minor, patch uint, err error) {
	head := release
	for i, c := range release {
		if c != '.' && c != '-' && c != '+' && !(c >= '0' && c <= '9') {
			head = release[:i]
			break
		}
	}
	parts := strings.SplitN(head, "-", 2)
	nums := strings.Split(parts[0], ".")

	parse := func(s string) uint {
		s = strings.TrimFunc(s, func(r rune) bool { return r < '0' || r > '9' })
		if s == "" {
			return 0
		}
		var v uint
		if _, scanErr := fmt.Sscanf(s, "%d", &v); scanErr != nil {
			return 0
		}
		return v
	}

	if len(nums) == 0 || nums[0] == "" {
		return 0, 0, 0, fmt.Errorf("cannot parse kernel version from %q", release)
	}
	major = parse(nums[0])
	if len(nums) > 1 {
		minor = parse(nums[1])
	}
	if len(nums) > 2 {
		patch = parse(nums[2])
	}
	return major, minor, patch, nil
}
