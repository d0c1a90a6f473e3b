package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aparcar/asu-builder/database"
	"github.com/aparcar/asu-builder/queue"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one recovery and janitor pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
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

		ctx := context.Background()
		if err := queue.Recover(ctx, db, cfg.StorePath, log); err != nil {
			return fmt.Errorf("recovery: %w", err)
		}

		j := queue.NewJanitor(db, cfg.StorePath, cfg.BuildTTL(), cfg.FailureTTL(), time.Minute, log)
		if err := j.Sweep(ctx); err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		log.Info("sweep completed")
		return nil
	},
}
