package main

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/nict-isp/uds-sdk/config"
)

// cliFlags holds the flags shared by every command.
type cliFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	Debug      bool
}

func (f *cliFlags) register(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVarP(&f.ConfigPath, "config", "c",
		getEnv("UDS_CONFIG", "conf/sensor.yaml"),
		"Path to the sensor configuration, .yaml or .json (env: UDS_CONFIG)")
	flags.StringVar(&f.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error (overrides log.level)")
	flags.StringVar(&f.LogFormat, "log-format", "",
		"Log format: json, text (overrides log.format)")
	flags.BoolVar(&f.Debug, "debug", false, "Shorthand for --log-level=debug")
}

func (f *cliFlags) validate() error {
	if f.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, f.LogLevel) {
		return fmt.Errorf("invalid log level: %s", f.LogLevel)
	}
	if f.LogFormat != "" && !slices.Contains([]string{"json", "text"}, f.LogFormat) {
		return fmt.Errorf("invalid log format: %s", f.LogFormat)
	}
	return nil
}

// loadConfig loads, overrides and resolves the configuration named by the
// flags. Validation is left to the caller.
func (f *cliFlags) loadConfig() (*config.Config, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.Debug {
		cfg.Log.Level = "debug"
	}
	if f.LogFormat != "" {
		cfg.Log.Format = f.LogFormat
	}
	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
