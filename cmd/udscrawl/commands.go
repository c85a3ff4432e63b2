package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nict-isp/uds-sdk/config"
	uerrors "github.com/nict-isp/uds-sdk/errors"
	"github.com/nict-isp/uds-sdk/evwh"
	"github.com/nict-isp/uds-sdk/metric"
	"github.com/nict-isp/uds-sdk/sensor"
)

func newRunCmd(cli *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the configured sensor",
		Long: "Run crawls until the source is exhausted or a signal arrives. The first " +
			"SIGINT/SIGTERM finishes the current cycle; a second one interrupts it.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSensor(cmd.Context(), cli)
		},
	}
}

func runSensor(ctx context.Context, cli *cliFlags) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logFile := ""
	if cfg.Log.FileEnabled {
		logFile = filepath.Join(cfg.LogDirPath, cfg.Sensor.Name+".log")
	}
	logger, closeLog, err := setupLogger(cfg.Log.Level, cfg.Log.Format, logFile)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer func() { _ = closeLog() }()

	logger = logger.With("sensor", cfg.Sensor.Name, "run_id", uuid.NewString())
	slog.SetDefault(logger)
	logger.Info("Starting udscrawl", "build_time", BuildTime, "config_path", cli.ConfigPath)

	registry := metric.NewMetricsRegistry()
	if cfg.Metrics.Port > 0 {
		srv := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() { _ = srv.Stop() }()
		logger.Info("metrics server started", "address", srv.Address())
	}

	s, err := sensor.New(cfg, sensor.Options{Logger: logger, Registry: registry, Start: time.Now()})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go handleSignals(runCtx, s, cancel, logger)

	err = s.Run(runCtx)
	if errors.Is(err, context.Canceled) {
		logger.Info("udscrawl interrupted")
		return nil
	}
	return err
}

// handleSignals asks the sensor to finish its cycle on the first signal
// and cancels the run on the second.
func handleSignals(ctx context.Context, s *sensor.Sensor, cancel context.CancelFunc, logger *slog.Logger) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	received := 0
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			received++
			if received == 1 {
				logger.Info("Received shutdown signal, finishing current cycle", "signal", sig.String())
				s.Abort()
				continue
			}
			logger.Warn("Received second signal, interrupting", "signal", sig.String())
			cancel()
			return
		}
	}
}

func newValidateCmd(cli *cliFlags) *cobra.Command {
	var show bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cli.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if show {
				out, err := cfg.YAML()
				if err != nil {
					return err
				}
				_, _ = cmd.OutOrStdout().Write(out)
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "configuration %s is valid\n", cli.ConfigPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&show, "print", false, "Print the effective configuration")
	return cmd
}

// connectDAO connects to the event warehouse named by the configuration.
func connectDAO(ctx context.Context, cli *cliFlags) (*config.Config, *evwh.DAO, *slog.Logger, error) {
	cfg, err := cli.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Store.EvWH.Host == "" || cfg.Store.EvWH.Port <= 0 {
		return nil, nil, nil, uerrors.WrapFatal(uerrors.ErrMissingConfig, "udscrawl", "connectDAO", "store.evwh host and port check")
	}
	logger, _, err := setupLogger(cfg.Log.Level, cfg.Log.Format, "")
	if err != nil {
		return nil, nil, nil, err
	}
	logger = logger.With("sensor", cfg.Sensor.Name)

	dao, err := sensor.NewDAO(cfg, logger, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := dao.Reconnect(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("connect event warehouse: %w", err)
	}
	return cfg, dao, logger, nil
}

func newCreateTableCmd(cli *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "create-table",
		Short: "Create the event warehouse table when it does not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, dao, logger, err := connectDAO(cmd.Context(), cli)
			if err != nil {
				return err
			}
			defer func() { _ = dao.Close() }()

			exists, err := dao.TableExists(cmd.Context())
			if err != nil {
				return err
			}
			if exists {
				logger.Info("table already exists", "table", dao.Table())
				return nil
			}
			if err := dao.CreateTable(cmd.Context()); err != nil {
				return err
			}
			logger.Info("table created", "table", dao.Table())
			return nil
		},
	}
}

func newReplayCmd(cli *cliFlags) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Insert envelopes left in the event warehouse error directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, dao, logger, err := connectDAO(cmd.Context(), cli)
			if err != nil {
				return err
			}
			defer func() { _ = dao.Close() }()

			if dir == "" {
				dir = cfg.Store.EvWH.ErrorDirPath
			}
			res, err := sensor.Replay(cmd.Context(), dir, cfg.Sensor.PrimaryKeys, dao, logger)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "found=%d inserted=%d failed=%d invalid=%d\n",
				res.Found, res.Inserted, res.Failed, res.Invalid)
			if res.Failed > 0 {
				return fmt.Errorf("%d envelopes were not inserted", res.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Directory to replay (default store.evwh.error_dir_path)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (%s)\n", appName, Version, BuildTime)
		},
	}
}
