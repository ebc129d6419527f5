// Package sysfs provides utilities for interacting with the /sys filesystem.
package sysfs

import (
	"os"
)

// CheckBTFAvailable reports whether the running kernel exposes BTF (BPF Type
// Format) info. The kernel sampler's startup capability probe uses this to
// decide whether it can attempt JIT-symbol inject (-k 1) — CO-RE-based
// resolution of JIT-compiled frames needs BTF, and its absence (older
// kernels, some container images) means that option must be left off rather
// than passed to a perf binary that can't honor it.
func CheckBTFAvailable() bool {
	// Check for /sys/kernel/btf/vmlinux.
	_, err := os.Stat("/sys/kernel/btf/vmlinux")
	return err == nil
}
