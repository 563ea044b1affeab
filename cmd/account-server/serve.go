package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/account-server/internal/handler"
	"github.com/devrev/pairdb/account-server/internal/health"
	"github.com/devrev/pairdb/account-server/internal/metrics"
	"github.com/devrev/pairdb/account-server/internal/placement"
	"github.com/devrev/pairdb/account-server/internal/replicator"
	"github.com/devrev/pairdb/account-server/internal/server"
	"github.com/devrev/pairdb/account-server/internal/service"
	"github.com/devrev/pairdb/account-server/internal/storage/broker"
	"github.com/devrev/pairdb/account-server/internal/storage/diskmanager"
	"github.com/devrev/pairdb/account-server/internal/util/workerpool"
	"github.com/devrev/pairdb/account-server/internal/validation"
)

const poolStopTimeout = 30 * time.Second

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	mode, err := handler.ParseReplicationMode(cfg.Replication.Server)
	if err != nil {
		return err
	}

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("devices", cfg.Storage.Devices),
		zap.Bool("mount_check", cfg.Storage.MountCheck),
		zap.String("replication_mode", mode.String()))

	m := metrics.NewMetrics(cfg.Server.NodeID, prometheus.DefaultRegisterer)

	dmCfg := diskmanager.DefaultConfig(cfg.Storage.Devices)
	dmCfg.MountCheck = cfg.Storage.MountCheck
	dmCfg.CheckInterval = cfg.Storage.DiskCheckInterval
	dmCfg.WarningThreshold = cfg.Storage.DiskWarningThreshold
	dmCfg.CircuitBreakerThreshold = cfg.Storage.DiskCircuitBreaker
	diskMgr, err := diskmanager.NewDiskManager(dmCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize disk manager: %w", err)
	}

	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "pending-commit",
		MaxWorkers: cfg.WorkerPool.MaxWorkers,
		QueueSize:  cfg.WorkerPool.QueueSize,
		Logger:     logger,
	})
	m.RegisterWorkerPool(pool)

	brokers := &broker.Factory{
		Resolver:       placement.NewResolver(cfg.Storage.Devices, cfg.Storage.HashPathPrefix, cfg.Storage.HashPathSuffix),
		Logger:         logger,
		Preallocate:    cfg.Storage.DBPreallocation,
		PendingCap:     cfg.Broker.PendingCap,
		PendingTimeout: cfg.Broker.PendingTimeout,
		Pool:           pool,
		OnCommit:       m.ObservePendingCommit,
	}

	accountSvc := service.NewAccountService(service.AccountServiceConfig{
		AutoCreateAccountPrefix:    cfg.Storage.AutoCreateAccountPrefix,
		ReadPendingTimeout:         cfg.Broker.ReadPendingTimeout,
		ContainerPutPendingTimeout: cfg.Broker.ContainerPutPendingTimeout,
	}, brokers, diskMgr, logger)
	rpc := replicator.NewRPC(brokers, logger, m.ObserveReplicateOp)

	validator := validation.NewValidatorWithLimits(cfg.Storage.AccountListingLimit, cfg.Storage.MaxContainerNameLength)
	accountHandler := handler.NewAccountHandler(accountSvc, rpc, diskMgr, validator, m, logger)
	dispatcher := handler.NewDispatcher(accountHandler, mode, m, logger)
	accountServer := server.NewAccountServer(cfg, dispatcher, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:         cfg.Server.NodeID,
		Root:           cfg.Storage.Devices,
		Interval:       cfg.Health.Interval,
		WarningPercent: cfg.Storage.DiskWarningThreshold,
	}, diskMgr, m, logger)
	go checker.Start(ctx)

	var opsServer *server.OpsServer
	if cfg.Metrics.Enabled {
		opsServer = server.NewOpsServer(&server.OpsServerConfig{
			Host:        cfg.Server.Host,
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
		}, prometheus.DefaultGatherer, checker, logger)
		go func() {
			if err := opsServer.Start(); err != nil {
				logger.Error("Ops server error", zap.Error(err))
			}
		}()
	}

	errChan := make(chan error, 1)
	go func() {
		if err := accountServer.Start(); err != nil {
			errChan <- err
		}
	}()

	logger.Info("Account server started",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int("port", cfg.Server.Port))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-sigChan:
		logger.Info("Shutting down gracefully...", zap.String("signal", sig.String()))
	case serveErr = <-errChan:
		logger.Error("Account server error", zap.Error(serveErr))
	}

	checker.SetReadiness(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := accountServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down account server", zap.Error(err))
	}
	if opsServer != nil {
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shut down ops server", zap.Error(err))
		}
	}

	// queued pending commits run before the pool exits
	if err := pool.Stop(poolStopTimeout); err != nil {
		logger.Error("Failed to stop worker pool", zap.Error(err))
	}
	stats := pool.Stats()
	logger.Info("Pending commit pool drained",
		zap.Uint64("completed", stats.CompletedTasks),
		zap.Uint64("failed", stats.FailedTasks),
		zap.Uint64("coalesced", stats.CoalescedTasks),
		zap.Float64("success_rate", stats.SuccessRate()))

	logger.Info("Account server shutdown complete")
	return serveErr
}
