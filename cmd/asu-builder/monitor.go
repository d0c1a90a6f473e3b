package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aparcar/asu-builder/database"
	"github.com/aparcar/asu-builder/tui"
)

var monitorRefresh time.Duration

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch the build queue in the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		dbCfg := database.DefaultConfig()
		dbCfg.Path = cfg.DatabasePath
		db, err := database.New(dbCfg)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		mCfg := tui.DefaultMonitorConfig()
		if monitorRefresh > 0 {
			mCfg.RefreshInterval = monitorRefresh
		}
		return tui.RunMonitor(db, mCfg)
	},
}

func init() {
	monitorCmd.Flags().DurationVar(&monitorRefresh, "refresh", time.Second, "refresh interval")
}
