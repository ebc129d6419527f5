// Package main provides the profiler-agent binary.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/contprof/agent/internal/cli"
	"github.com/contprof/agent/internal/errors"
)

func main() {
	errors.Must(requireLinux(), "unsupported platform")

	if err := cli.NewRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// requireLinux fails fast on any OS other than Linux: the sampler
// supervisor, cgroup enumerator and /proc-based resolvers this agent
// depends on have no equivalent elsewhere.
func requireLinux() error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("profiler-agent only runs on linux, not %s", runtime.GOOS)
	}
	return nil
}
