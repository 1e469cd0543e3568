package main

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/shashfrankenstien/self-scheduler/internal/app"
	"github.com/shashfrankenstien/self-scheduler/internal/config"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "selfsched",
	Short:         "Run user scripts on demand or on a schedule",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./selfsched.yaml", "path to config file (yaml, toml or json)")

	rootCmd.AddCommand(serveCmd, runCmd, userCmd, projectCmd, entryPointCmd, scheduleCmd)
}

// loadConfig falls back to defaults when the file is missing; the returned
// manager is nil in that case and hot reload is off.
func loadConfig() (*config.ConfigManager, *config.Config, error) {
	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		return nil, config.Default(), nil
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfgm, cfg, nil
}

// openApp builds an app for a one-shot command. Callers Close it.
func openApp() (*app.App, error) {
	_, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(nil, cfg)
}
