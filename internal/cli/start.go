package cli

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/contprof/agent/internal/cgroup"
	"github.com/contprof/agent/internal/command"
	"github.com/contprof/agent/internal/config"
	"github.com/contprof/agent/internal/constants"
	"github.com/contprof/agent/internal/containerinfo"
	"github.com/contprof/agent/internal/heartbeat"
	"github.com/contprof/agent/internal/kernelsampler"
	"github.com/contprof/agent/internal/lifecycle"
	"github.com/contprof/agent/internal/logging"
	"github.com/contprof/agent/internal/procreg"
	"github.com/contprof/agent/internal/runtimeprofiler"
	"github.com/contprof/agent/internal/runtimesampler"
	"github.com/contprof/agent/internal/spark"
)

// NewStartCmd starts the agent as a long-running daemon: heartbeating to
// the collector, running profiling cycles on command, and running until
// SIGINT/SIGTERM.
func NewStartCmd() *cobra.Command {
	var (
		configFile string
		samplerBin string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the profiling agent as a daemon",
		Long: `Start the profiling agent as a long-running daemon.

The agent heartbeats to the configured collector on a fixed interval,
accepts start/stop profiling commands, and runs profiling cycles combining
a system-wide kernel sampler with per-runtime samplers until stopped by
signal.

Configuration sources (in order of precedence):
  1. Environment variables (PROFILEAGENT_*)
  2. Config file (--config flag or ~/.profileagent/config.yaml)
  3. Built-in defaults`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configFile
			if path == "" {
				path = config.ResolvePath()
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

			if samplerBin == "" {
				samplerBin = "perf"
			}
			if err := os.MkdirAll(cfg.TempRoot, 0o755); err != nil {
				return fmt.Errorf("create temp root %s: %w", cfg.TempRoot, err)
			}

			hostname, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("resolve hostname: %w", err)
			}
			ipAddress := outboundIP()

			reg := procreg.New(logger)
			containers := containerinfo.NewResolver("")

			var cgroupEnum *cgroup.Enumerator
			if version, err := cgroup.DetectVersion("/proc/mounts"); err == nil && version != cgroup.VersionUnknown {
				cgroupEnum = cgroup.NewEnumerator(version, "")
			} else {
				logger.Warn().Err(err).Msg("cgroup hierarchy not detected; profiling cycles will not be cgroup-scoped")
			}

			runtimes := buildRuntimeSet(cfg, reg, cfg.TempRoot, logger)

			caps := kernelsampler.DetectCapabilities()
			logger.Info().Bool("btf_available", caps.BTFAvailable).Bool("can_inject_jit", caps.CanInjectJIT).
				Msg("detected eBPF capabilities")

			mgr := lifecycle.NewManager(hostname, samplerBin, cfg.TempRoot, runtimes, reg, containers, cgroupEnum,
				caps.CanInjectJIT, cfg.Sampler.TrackSpawns, logger)

			scheduler := command.NewScheduler()
			idemp := command.NewIdempotencySet()
			client := heartbeat.NewClient(cfg.CollectorEndpoint, cfg.BearerToken, 5*time.Second, logger)
			hbAgent := heartbeat.NewAgent(client, scheduler, idemp, mgr, hostname, ipAddress, "profiler-agent", logger)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if cfg.Spark.Enabled {
				sparkRegistry := spark.NewRegistry(cfg.Spark.StalenessTimeout, logger)
				mux := http.NewServeMux()
				mux.Handle("/spark", sparkRegistry.Handler())
				server := &http.Server{Addr: cfg.Spark.ListenAddr, Handler: mux}
				go func() {
					if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error().Err(err).Msg("spark listener exited")
					}
				}()
				go func() {
					<-ctx.Done()
					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer shutdownCancel()
					_ = server.Shutdown(shutdownCtx)
				}()
			}

			go hbAgent.Run(ctx, cfg.HeartbeatInterval)

			logger.Info().Str("hostname", hostname).Str("collector", cfg.CollectorEndpoint).Msg("agent started")

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			sig := <-sigChan

			logger.Info().Str("signal", sig.String()).Msg("received shutdown signal, stopping")
			cancel()
			_ = mgr.Stop(context.Background())

			return nil
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Path to agent configuration file")
	cmd.Flags().StringVar(&samplerBin, "sampler-bin", "perf", "Path to the kernel sampler binary")

	return cmd
}

// buildRuntimeSet constructs one runtimesampler.Sampler per enabled runtime
// in cfg, using the py-spy/rbspy-style CommandBuilder conventions.
func buildRuntimeSet(cfg config.Config, reg *procreg.Registry, outputDir string, logger zerolog.Logger) lifecycle.RuntimeSet {
	set := make(lifecycle.RuntimeSet)
	minAge := cfg.Sampler.MinProcessAge
	if minAge <= 0 {
		minAge = constants.DefaultMinProcessAge
	}
	shouldSkip := func(p runtimeprofiler.Process) bool { return p.Age < minAge }

	for _, rc := range cfg.Runtimes {
		if !rc.Enabled {
			continue
		}
		switch rc.Name {
		case "python":
			set["python"] = runtimesampler.New("python", reg, outputDir, pySpyCommand(rc.BinaryPath, cfg.Sampler.FrequencyHz),
				runtimesampler.DiscoverByComm("/proc", "python", "python3"), shouldSkip, logger)
		case "ruby":
			set["ruby"] = runtimesampler.New("ruby", reg, outputDir, rbSpyCommand(rc.BinaryPath, cfg.Sampler.FrequencyHz),
				runtimesampler.DiscoverByComm("/proc", "ruby"), shouldSkip, logger)
		default:
			logger.Warn().Str("runtime", rc.Name).Msg("unknown runtime name in config, skipping")
		}
	}
	return set
}

// pySpyCommand builds the py-spy record argv, matching the original
// Python-implementation's -r/-d/--nonblocking/--format raw invocation.
func pySpyCommand(bin string, frequencyHz int) runtimesampler.CommandBuilder {
	return func(pid int, duration time.Duration, outputPath string) []string {
		return []string{
			bin, "record",
			"-r", fmt.Sprintf("%d", frequencyHz),
			"-d", fmt.Sprintf("%d", int(duration.Seconds())),
			"--nonblocking",
			"--format", "raw",
			"-F",
			"--output", outputPath,
			"-p", fmt.Sprintf("%d", pid),
			"--full-filenames",
		}
	}
}

// rbSpyCommand builds the rbspy record argv, matching the original
// Ruby-profiler's --oncpu/--format=collapsed invocation.
func rbSpyCommand(bin string, frequencyHz int) runtimesampler.CommandBuilder {
	return func(pid int, duration time.Duration, outputPath string) []string {
		return []string{
			bin, "record",
			"--silent",
			"-r", fmt.Sprintf("%d", frequencyHz),
			"-d", fmt.Sprintf("%d", int(duration.Seconds())),
			"--nonblocking",
			"--oncpu",
			"--format=collapsed",
			"--file", outputPath,
			"--pid", fmt.Sprintf("%d", pid),
		}
	}
}

// outboundIP returns the local address used to reach a public host, without
// sending any traffic (UDP "connect" just resolves a route). Falls back to
// "127.0.0.1" if no route exists.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
