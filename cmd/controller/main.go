package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	"driftfs/internal/nodeclient"
	"driftfs/internal/server"
	"driftfs/pkg/config"
	"driftfs/pkg/logging"
	"driftfs/pkg/metadata"
	"driftfs/pkg/metadata/memstore"
	"driftfs/pkg/metadata/postgres"
	"driftfs/pkg/metrics"
	"driftfs/pkg/registry"
	"driftfs/pkg/replication"
	"driftfs/pkg/router"
)

func main() {
	cfg, err := config.LoadController()
	if err != nil {
		panic(err)
	}

	logger, err := logging.GetLogger(logging.LogConfig{
		ServiceName: "controller",
		LogLevel:    cfg.LogLevel,
	})
	if err != nil {
		panic(err)
	}
	defer logging.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open metadata store", zap.Error(err))
		os.Exit(1)
	}
	defer cleanup()

	reg := registry.New(store, registry.Config{
		SuspectAfter:    cfg.Cluster.SuspectAfter(),
		EvictionTimeout: cfg.Cluster.EvictionTimeout,
		SweepInterval:   cfg.Cluster.HeartbeatInterval,
	}, logger)
	if err := reg.Restore(ctx); err != nil {
		logger.Error("failed to restore node registry", zap.Error(err))
		os.Exit(1)
	}

	clients := nodeclient.NewClientManager(nodeclient.DefaultConfig())

	reconciler := replication.NewReconciler(store, reg, clients, replication.Config{
		ReplicationFactor: cfg.Cluster.ReplicationFactor,
		Interval:          cfg.Cluster.ReconcileInterval,
		NodeTimeout:       cfg.Cluster.NodeTimeout,
	}, logger)
	reg.SetRebalancer(reconciler)

	rt := router.NewRouter(store, reg, clients, router.Config{
		ReplicationFactor: cfg.Cluster.ReplicationFactor,
		WriteQuorum:       cfg.Cluster.WriteQuorum,
		NodeTimeout:       cfg.Cluster.NodeTimeout,
	}, logger)

	srv := server.New(server.Config{
		Store:             store,
		Registry:          reg,
		Router:            rt,
		Reconciler:        reconciler,
		Clients:           clients,
		Logger:            logger,
		ReplicationFactor: cfg.Cluster.ReplicationFactor,
	})

	go reg.Run(ctx)
	go reconciler.Run(ctx)
	go metrics.RunSystemCollector(ctx, "controller", ".", 15*time.Second)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Handler(),
	}

	go func() {
		logger.Info("controller listening",
			zap.String("port", cfg.Port),
			zap.Int("replicationFactor", cfg.Cluster.ReplicationFactor),
			zap.Int("writeQuorum", cfg.Cluster.WriteQuorum))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
}

// openStore connects to PostgreSQL when DB_HOST is set, and falls back to
// the in-memory store for local single-process runs.
func openStore(cfg *config.ControllerConfig, logger *logging.Logger) (metadata.Store, func(), error) {
	if cfg.Database.Host == "" {
		logger.Warn("DB_HOST not set, using in-memory metadata store")
		return memstore.New(), func() {}, nil
	}

	db, err := postgres.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := postgres.EnsureMigrated(migrateCtx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	logger.Info("connected to metadata database",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Name))
	return postgres.NewStore(db), func() { db.Close() }, nil
}
