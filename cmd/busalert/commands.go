package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bus-monitor/alerting/internal/app"
	"bus-monitor/alerting/internal/config"
	"bus-monitor/alerting/internal/domain"
	"bus-monitor/alerting/internal/logger"
)

const startupTimeout = 15 * time.Second

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "busalert",
		Short:         "Overspeed alerting for bus location updates",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newEvaluateCmd(), newMigrateCmd())
	return root
}

// setup loads configuration and builds the process logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "load config")
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		return nil, nil, errors.Wrap(err, "build logger")
	}
	return cfg, log, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the configured trigger runtimes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			buildCtx, cancel := context.WithTimeout(ctx, startupTimeout)
			a, err := app.Build(buildCtx, cfg, log)
			cancel()
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Warn("shutdown incomplete", zap.Error(err))
				}
			}()

			log.Info("busalert starting",
				zap.String("alert_store", cfg.AlertStore),
				zap.Strings("triggers", cfg.Triggers),
				zap.Strings("notify_sinks", cfg.NotifySinks),
				zap.Bool("strict_dedup", cfg.StrictDedup),
			)
			err = a.Run(ctx)
			log.Info("busalert stopped")
			return err
		},
	}
}

func newEvaluateCmd() *cobra.Command {
	var (
		busID    string
		speed    float64
		lat, lng float64
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run a single location update through the alert rules",
		Example: `  busalert evaluate --bus B12 --speed 20
  busalert evaluate --bus B12 --speed 25.1 --lat 26.14 --lng 91.73`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), startupTimeout)
			defer cancel()

			a, err := app.Build(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			u := &domain.LocationUpdate{Timestamp: time.Now().UTC()}
			if cmd.Flags().Changed("speed") {
				u.Speed = domain.SpeedOf(speed)
			}
			if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lng") {
				u.Lat, u.Lng = &lat, &lng
			}

			written, err := a.Evaluator.HandleChange(ctx, busID, domain.LocationChange{After: u})
			if err != nil {
				return err
			}
			if written == nil {
				written = []*domain.AlertRecord{}
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(written)
		},
	}

	cmd.Flags().StringVar(&busID, "bus", "", "bus id the update belongs to")
	cmd.Flags().Float64Var(&speed, "speed", 0, "speed in meters per second")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude")
	_ = cmd.MarkFlagRequired("bus")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the alert store schema and indexes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			alerts, closeFn, err := app.OpenAlertBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()

			if err := alerts.Migrate(ctx); err != nil {
				return err
			}
			log.Info("alert store migrated", zap.String("alert_store", cfg.AlertStore))
			return nil
		},
	}
}
