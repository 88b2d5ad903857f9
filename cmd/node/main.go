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

	"driftfs/internal/agent"
	"driftfs/pkg/config"
	"driftfs/pkg/logging"
	"driftfs/pkg/metrics"
)

func main() {
	cfg := config.LoadNode()

	logger, err := logging.GetLogger(logging.LogConfig{
		ServiceName: "node-" + cfg.NodeID,
		LogLevel:    cfg.LogLevel,
	})
	if err != nil {
		panic(err)
	}
	defer logging.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := agent.NewLocalBlobStore(cfg.StoragePath)
	if err != nil {
		logger.Error("failed to open blob store",
			zap.String("path", cfg.StoragePath), zap.Error(err))
		os.Exit(1)
	}

	a := agent.New(cfg, store, logger)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: a.Handler(),
	}

	go func() {
		logger.Info("storage node listening",
			zap.String("nodeID", cfg.NodeID),
			zap.String("port", cfg.Port),
			zap.String("storagePath", cfg.StoragePath))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	// Register after the listener is up so the controller can verify us
	// right away, then heartbeat until shutdown.
	go metrics.RunSystemCollector(ctx, "node-"+cfg.NodeID, cfg.StoragePath, 15*time.Second)

	go func() {
		if err := a.Register(ctx); err != nil {
			logger.Error("registration failed", zap.Error(err))
			stop()
			return
		}
		a.RunHeartbeat(ctx)
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
}
