package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"callisto_daemon/internal/config"
	"callisto_daemon/internal/daemon"
	"callisto_daemon/internal/logger"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/config.yml"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "callisto",
		Short:         "e-Callisto spectrometer daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Configuration file path")

	root.AddCommand(newRunCommand(&configPath))
	root.AddCommand(newPortsCommand())
	root.AddCommand(newCheckScheduleCommand(&configPath))
	root.AddCommand(newHashPasswordCommand())
	return root
}

func newRunCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), *configPath)
		},
	}
}

func runDaemon(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// init logger
	log := logger.Get(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := daemon.New(ctx, cfg, daemon.Options{}, log)
	if err != nil {
		return err
	}
	go watchReload(ctx, d, log)

	log.Infow("daemon_started",
		"instrument", cfg.Instrument,
		"receiver", cfg.Serial.Port,
		"command_addr", cfg.CommandAddr,
		"http_port", cfg.HTTP.Port,
		"format", cfg.Output.Format,
	)
	err = d.Run(ctx)
	if errors.Is(err, daemon.ErrTerminated) {
		log.Infow("daemon_terminated")
		return nil
	}
	return err
}

// watchReload re-reads the schedule on SIGHUP.
func watchReload(ctx context.Context, d *daemon.Daemon, log *logger.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			n, err := d.Reload(ctx)
			if err != nil {
				log.Warnw("schedule_reload_failed", "err", err)
				continue
			}
			log.Infow("schedule_reload_signal", "entries", n)
		}
	}
}
