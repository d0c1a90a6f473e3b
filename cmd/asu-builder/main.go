// Package main implements the asu-builder daemon and its operator commands.
//
// The serve command runs the full service: HTTP submission API, the worker
// pool that executes ImageBuilder containers, and the janitor that expires
// cached builds. The prepare, monitor, and sweep commands are standalone
// operator tools over the same configuration and database.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aparcar/asu-builder/config"
)

var rootCmd = &cobra.Command{
	Use:           "asu-builder",
	Short:         "On-demand OpenWrt firmware build service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(serveCmd, prepareCmd, monitorCmd, sweepCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and builds the logger from it.
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(level)
	return cfg, log, nil
}
