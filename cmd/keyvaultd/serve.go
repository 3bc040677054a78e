package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/keyvault/internal/keypool"
	"github.com/oriys/keyvault/internal/logging"
	"github.com/oriys/keyvault/internal/metrics"
	"github.com/oriys/keyvault/internal/tracing"
)

func serveCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the key pool manager as a long-lived daemon",
		Long:  "Loads all configured pools, runs the initial precheck fill for each when prechecking is enabled, and logs pool status periodically until terminated. The admin server is built but not exposed over any wire transport.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("redis") {
				cfg.Redis.Addr = redisAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			ctx := context.Background()
			if err := tracing.Init(ctx, tracing.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer tracing.Shutdown(ctx)

			if cfg.Observability.Metrics.Enabled {
				metrics.Init(cfg.Observability.Metrics.Namespace)
			}

			admin, pools, cleanup, err := buildAdmin(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build admin server: %w", err)
			}
			defer cleanup()
			_ = admin // exposed to an embedding process; this build has no wire transport

			logging.Op().Info("keyvaultd started", "pools", len(cfg.Pools), "precheck_enabled", cfg.Precheck.Enabled)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-sigCh:
					logging.Op().Info("shutdown signal received")
					return nil
				case <-ticker.C:
					logStatus(pools)
				}
			}
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	return cmd
}

func logStatus(pools map[string]*keypool.Pool) {
	for name, p := range pools {
		snap := p.StatusSnapshot()
		logging.Op().Debug("pool status",
			"pool", name,
			"valid", len(snap.Valid),
			"invalid", len(snap.Invalid),
			"frozen", len(snap.Frozen),
		)
	}
}
