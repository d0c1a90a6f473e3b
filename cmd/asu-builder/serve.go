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

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aparcar/asu-builder/api"
	"github.com/aparcar/asu-builder/build"
	"github.com/aparcar/asu-builder/config"
	"github.com/aparcar/asu-builder/container"
	"github.com/aparcar/asu-builder/database"
	"github.com/aparcar/asu-builder/metrics"
	"github.com/aparcar/asu-builder/queue"
	"github.com/aparcar/asu-builder/resolver"
	"github.com/aparcar/asu-builder/safeguards"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the build service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cfg, log)
	},
}

func serve(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, dir := range []string{filepath.Dir(cfg.DatabasePath), cfg.StorePath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
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

	// Jobs left mid-build by the previous process must be resolved before
	// any worker starts claiming.
	if err := queue.Recover(ctx, db, cfg.StorePath, log); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	driver, err := container.NewPodman(cfg.ContainerSocketPath, log)
	if err != nil {
		return fmt.Errorf("connect to container runtime: %w", err)
	}

	m := metrics.New(func() float64 {
		n, err := db.QueueLength(context.Background())
		if err != nil {
			return 0
		}
		return float64(n)
	})

	orch := build.New(db, driver, rules, build.Config{
		StorePath: cfg.StorePath,
		Registry:  cfg.ImageBuilderRegistry,
	}, log, m)

	dispatcher := queue.NewDispatcher(db, orch, cfg.WorkerConcurrent, cfg.WorkerPoll(), cfg.JobTimeout(), log)
	diskCheck := safeguards.NewDiskChecker(cfg.StorePath, 0, log)
	dispatcher.Guard = safeguards.NewGuard(safeguards.GuardConfig{
		MaxConcurrent:   cfg.WorkerConcurrent,
		Logger:          log,
		HealthCheckFunc: diskCheck.Check,
	})
	dispatcher.Start(ctx)

	janitor := queue.NewJanitor(db, cfg.StorePath, cfg.BuildTTL(), cfg.FailureTTL(), time.Minute, log)
	go janitor.Start(ctx)

	server := api.New(db, rules, cfg.Limits(), cfg.MaxPendingJobs, cfg.StorePath, m, log)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", httpSrv.Addr).Info("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		stop()
		dispatcher.Wait()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}

	// Workers get to finish their terminal transitions before the process
	// exits; an interrupted build is handled by the next startup recovery.
	dispatcher.Wait()
	log.Info("stopped")
	return nil
}

func loadRules(cfg *config.Config) (*resolver.Rules, error) {
	if cfg.PackageRulesPath != "" {
		rules, err := resolver.LoadRules(cfg.PackageRulesPath)
		if err != nil {
			return nil, fmt.Errorf("load package rules: %w", err)
		}
		return rules, nil
	}
	rules, err := resolver.DefaultRules()
	if err != nil {
		return nil, fmt.Errorf("load embedded package rules: %w", err)
	}
	return rules, nil
}
