package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/tastythames/task-launcher/internal/api"
	"github.com/tastythames/task-launcher/internal/config"
	"github.com/tastythames/task-launcher/internal/inventory"
	"github.com/tastythames/task-launcher/internal/kvstore"
	"github.com/tastythames/task-launcher/internal/logging"
	"github.com/tastythames/task-launcher/internal/metrics"
	"github.com/tastythames/task-launcher/internal/probe"
	"github.com/tastythames/task-launcher/internal/scheduler"
	"github.com/tastythames/task-launcher/internal/sshclient"
	"github.com/tastythames/task-launcher/internal/task"
)

const shutdownTimeout = 5 * time.Second

type sweepingStore interface {
	kvstore.Store
	kvstore.Sweeper
}

func serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, err := loadSettings()
	if err != nil {
		return err
	}
	logger, err := logging.New(settings.LogLevel, settings.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("config",
		zap.String("listen", settings.Listen),
		zap.String("catalog", settings.CatalogFile),
		zap.String("store", storeName(settings)),
		zap.Duration("reconcile_interval", settings.ReconcileInterval))

	catalog, err := inventory.Load(settings.CatalogFile)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	clock := clockwork.NewRealClock()

	// 1) ssh pool, executor, batch runner
	pool := sshclient.NewPool(sshclient.Config{
		ConnectTimeout: settings.SSHConnectTimeout,
		KnownHostsFile: settings.SSHKnownHosts,
	}, logger)
	executor := sshclient.NewExecutor(logger)
	batches := sshclient.NewBatchRunner(sshclient.BatchOptions{
		Hosts:  catalog,
		Pool:   pool,
		Runner: executor,
		Delay:  settings.SSHExecuteDelay,
		Clock:  clock,
		Logger: logger,
	})

	// 2) durable store + expiry sweeper
	store, closeStore, err := openStore(settings, clock)
	if err != nil {
		return err
	}
	sweeper, err := kvstore.StartSweeper(store, settings.StoreSweep, logger)
	if err != nil {
		_ = closeStore()
		return err
	}

	// 3) orchestration
	prober := probe.New(probe.Options{
		Hosts:       catalog,
		Pool:        pool,
		Runner:      executor,
		PingTimeout: settings.PingTimeout,
		Logger:      logger,
	})
	registry := task.NewRegistry(clock)
	m := metrics.New(registry, pool, clock)
	orch := task.New(task.Options{
		Catalog:       catalog,
		Registry:      registry,
		Batches:       batches,
		Prober:        prober,
		Store:         store,
		Clock:         clock,
		Logger:        logger,
		Metrics:       m,
		RestartSettle: settings.RestartSettle,
	})
	orch.Restore(ctx)

	sched := scheduler.NewScheduler(scheduler.Options{
		Interval: settings.ReconcileInterval,
		Jitter:   settings.ReconcileJitter,
		Clock:    clock,
		Logger:   logger,
	})
	reconciler := task.NewReconciler(orch)

	schedCtx, cancelSched := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(schedCtx, reconciler.Reconcile)
	}()

	// 4) HTTP
	srv := &http.Server{
		Addr:              settings.Listen,
		Handler:           api.NewRouter(orch, m.Handler(), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("task-launcher listening", zap.String("addr", settings.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		logger.Error("http server failed", zap.Error(runErr))
	}
	logger.Info("shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	cancelSched()
	wg.Wait()
	runs, overruns := sched.Stats()
	logger.Info("reconcile loop stopped", zap.Uint64("runs", runs), zap.Uint64("overruns", overruns))

	<-sweeper.Stop().Done()

	if err := pool.CloseAll(); err != nil {
		logger.Warn("closing ssh sessions", zap.Error(err))
	}
	if err := closeStore(); err != nil {
		logger.Warn("closing store", zap.Error(err))
	}
	return runErr
}

func openStore(settings config.Settings, clock clockwork.Clock) (sweepingStore, func() error, error) {
	if settings.StorePath == "" {
		return kvstore.NewMemory(clock), func() error { return nil }, nil
	}
	s, err := kvstore.OpenSQLite(settings.StorePath, clock)
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

func storeName(settings config.Settings) string {
	if settings.StorePath == "" {
		return "memory"
	}
	return "sqlite:" + settings.StorePath
}
