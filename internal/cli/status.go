package cli

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/contprof/agent/internal/config"
)

// NewStatusCmd reports whether the agent's collector endpoint and spark
// listener (if enabled) are reachable, using the same resolved config a
// running "start" would use.
func NewStatusCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check connectivity to the configured collector",
		Long: `Check whether the configured collector endpoint is reachable and report
the agent's resolved configuration.

This does not require a running agent process: it reads the same config
file "start" would load and probes the collector and (if enabled) the local
Spark listener.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configFile
			if path == "" {
				path = config.ResolvePath()
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			fmt.Printf("Config file:        %s\n", path)
			fmt.Printf("Collector endpoint: %s\n", cfg.CollectorEndpoint)
			fmt.Printf("Heartbeat interval: %s\n", cfg.HeartbeatInterval)
			fmt.Printf("Temp root:          %s\n", cfg.TempRoot)

			reachable := probeTCP(cfg.CollectorEndpoint, 3*time.Second)
			fmt.Printf("Collector reachable: %s\n", formatReachable(reachable))

			if cfg.Spark.Enabled {
				sparkUp := probeTCP(cfg.Spark.ListenAddr, time.Second)
				fmt.Printf("Spark listener (%s): %s\n", cfg.Spark.ListenAddr, formatReachable(sparkUp))
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Path to agent configuration file")

	return cmd
}

// probeTCP attempts a short-lived TCP dial to endpoint (a URL or host:port)
// and reports whether it succeeded.
func probeTCP(endpoint string, timeout time.Duration) bool {
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "443")
	}

	conn, err := net.DialTimeout("tcp", host, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func formatReachable(ok bool) string {
	if ok {
		return "yes"
	}
	return "no"
}
