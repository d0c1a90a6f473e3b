package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aparcar/asu-builder/api"
	"github.com/aparcar/asu-builder/database"
	"github.com/aparcar/asu-builder/metrics"
)

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Run the standalone prepare service",
	Long: `Serves only the package-resolution endpoint: requests are
canonicalized and resolved, and the prepared request is returned with its
change log. No jobs are enqueued and no container runtime is needed, so this
shape can be deployed separately from the build workers. It shares the
database for the probe memo and the cache-available signal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(cfg.DatabasePath), err)
		}
		dbCfg := database.DefaultConfig()
		dbCfg.Path = cfg.DatabasePath
		db, err := database.New(dbCfg)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		rules, err := loadRules(cfg)
		if err != nil {
			return err
		}

		server := api.New(db, rules, cfg.Limits(), cfg.MaxPendingJobs, "", metrics.New(nil), log)
		httpSrv := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort),
			Handler:           server.PrepareRouter(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			log.WithField("addr", httpSrv.Addr).Info("prepare service listening")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return fmt.Errorf("http server: %w", err)
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	},
}
