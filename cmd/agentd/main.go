// Package main is the entry point for the agentd binary.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Load per-host config for the selected environment (§6)
//  4. Build the daemon orchestrator and its introspection HTTP server
//  5. Start the daemon (it installs its own signal handlers, §4.9 step 1);
//     block until it reports Stopped, then shut down introspection
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hostbridge/agentd/internal/config"
	"github.com/hostbridge/agentd/internal/daemon"
	"github.com/hostbridge/agentd/internal/introspect"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	env               string
	apiURL            string
	projectKey        string
	machineID         string
	heartbeatInterval int64
	configFile        string
	introspectAddr    string
	logLevel          string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}

	root := &cobra.Command{
		Use:   "agentd",
		Short: "agentd — bridges local coding sessions to the event bus",
		Long: `agentd discovers interactive coding sessions running on this machine,
registers each as an agent with the bus, relays pushed messages to a
session worker process, and mirrors pull-mode messages to a local mailbox.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.env, "env", envOrDefault("AGENTD_ENV", "dev"), "Environment to run as: dev, test, or live")
	root.PersistentFlags().StringVar(&cfg.apiURL, "api-url", "", "Bus base URL (overrides config file)")
	root.PersistentFlags().StringVar(&cfg.projectKey, "project-key", "", "Project scoping key attached to every bus request")
	root.PersistentFlags().StringVar(&cfg.machineID, "machine-id", "", "Machine id (overrides config file)")
	root.PersistentFlags().Int64Var(&cfg.heartbeatInterval, "heartbeat-interval", 0, "Heartbeat interval in ms (overrides config file)")
	root.PersistentFlags().StringVar(&cfg.configFile, "config", envOrDefault("AGENTD_CONFIG", ""), "Path to the per-host YAML config file")
	root.PersistentFlags().StringVar(&cfg.introspectAddr, "introspect-addr", envOrDefault("AGENTD_INTROSPECT_ADDR", "127.0.0.1:8787"), "Local address for /healthz, /metrics, /debug/sessions")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("AGENTD_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cli *cliConfig) error {
	logger, err := buildLogger(cli.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(cli.configFile, config.EnvName(cli.env))
	if err != nil {
		return fmt.Errorf("startup configuration error: %w", err)
	}
	applyFlagOverrides(cfg, cli)

	logger.Info("starting agentd",
		zap.String("version", version),
		zap.String("env", string(cfg.Env)),
		zap.String("api_url", cfg.Environment.APIURL),
		zap.String("machine_id", cfg.Environment.MachineID),
	)

	d, err := daemon.New(*cfg, logger, func(s daemon.State) {
		logger.Info("daemon state transition", zap.String("state", string(s)))
	})
	if err != nil {
		return fmt.Errorf("failed to build daemon: %w", err)
	}

	// The daemon installs its own interrupt/terminate handlers (§4.9 step
	// 1); Start returns once startup completes, not once the process
	// should exit.
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	introspectSrv := &http.Server{
		Addr:    cli.introspectAddr,
		Handler: introspect.NewRouter(func() string { return d.Status() }, d, d.Telemetry(), logger),
	}
	go func() {
		if err := introspectSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("introspect server stopped", zap.Error(err))
		}
	}()

	<-d.Done()
	_ = introspectSrv.Shutdown(context.Background())

	logger.Info("agentd stopped")
	return nil
}

func applyFlagOverrides(cfg *config.Config, cli *cliConfig) {
	if cli.apiURL != "" {
		cfg.Environment.APIURL = cli.apiURL
	}
	if cli.machineID != "" {
		cfg.Environment.MachineID = cli.machineID
	}
	if cli.heartbeatInterval > 0 {
		cfg.Environment.HeartbeatIntervalMs = cli.heartbeatInterval
	}
	if cli.projectKey != "" {
		cfg.ProjectKey = cli.projectKey
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
