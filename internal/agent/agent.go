package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"

	"driftfs/pkg/config"
	"driftfs/pkg/logging"
)

// Agent is the storage node daemon: it serves replica traffic for the
// controller, registers itself on startup, and heartbeats for as long as it
// runs.
type Agent struct {
	cfg      *config.NodeConfig
	store    BlobStore
	logger   *logging.Logger
	http     *http.Client
	capacity int64
}

func New(cfg *config.NodeConfig, store BlobStore, logger *logging.Logger) *Agent {
	return &Agent{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		http:     &http.Client{Timeout: 10 * time.Second},
		capacity: probeCapacity(cfg.StoragePath, logger),
	}
}

// probeCapacity reports the size of the filesystem backing the storage
// directory. Failure falls back to a fixed figure rather than refusing to
// start.
func probeCapacity(path string, logger *logging.Logger) int64 {
	usage, err := disk.Usage(path)
	if err != nil {
		logger.Warn("disk capacity probe failed, using fallback",
			zap.String("path", path), zap.Error(err))
		return 10 << 30
	}
	return int64(usage.Total)
}

// Register announces the node to the controller, retrying with exponential
// backoff until the controller is reachable. An already-registered answer
// counts as success so agent restarts are idempotent.
func (a *Agent) Register(ctx context.Context) error {
	body, err := json.Marshal(map[string]any{
		"node_id":  a.cfg.NodeID,
		"address":  a.cfg.Address,
		"capacity": a.capacity,
	})
	if err != nil {
		return err
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			a.cfg.ControllerURL+"/nodes/register", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.http.Do(req)
		if err != nil {
			a.logger.Warn("controller not reachable, retrying", zap.Error(err))
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusCreated, http.StatusConflict:
			return nil
		case http.StatusBadRequest:
			return backoff.Permanent(fmt.Errorf("registration rejected: %s", resp.Status))
		default:
			return fmt.Errorf("registration failed: %s", resp.Status)
		}
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("register node %s: %w", a.cfg.NodeID, err)
	}
	a.logger.Info("registered with controller",
		zap.String("nodeID", a.cfg.NodeID),
		zap.String("controller", a.cfg.ControllerURL),
		zap.Int64("capacity", a.capacity))
	return nil
}

// RunHeartbeat posts a heartbeat every interval until the context is
// cancelled. A 404 means the controller forgot this node (wiped state,
// decommission); the agent re-registers and carries on.
func (a *Agent) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.heartbeat(ctx); err != nil {
				a.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) error {
	body, err := json.Marshal(map[string]any{"used_space": a.store.UsedBytes()})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/nodes/%s/heartbeat", a.cfg.ControllerURL, a.cfg.NodeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		a.logger.Warn("controller does not know this node, re-registering")
		return a.Register(ctx)
	default:
		return fmt.Errorf("heartbeat rejected: %s", resp.Status)
	}
}
