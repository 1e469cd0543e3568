package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shashfrankenstien/self-scheduler/internal/app"
	"github.com/shashfrankenstien/self-scheduler/pkg/logx"
	"github.com/shashfrankenstien/self-scheduler/pkg/systemd"
)

var serveStopTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler and the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&serveStopTimeout, "stop-timeout", 15*time.Second, "graceful shutdown budget")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgm, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(cfgm, cfg)
	if err != nil {
		return err
	}
	log := a.Logger()
	if cfgm == nil {
		log.Warn("config file not found; using defaults", logx.String("path", cfgPath))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		_ = a.Close()
		return err
	}
	if ok, err := systemd.Ready(); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		log.Debug("sd_notify ready sent")
	}
	go func() {
		if err := systemd.Watchdog(ctx); err != nil {
			log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	}()

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = systemd.Stopping()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), serveStopTimeout)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			return err
		}
	}
	return stopErr
}
