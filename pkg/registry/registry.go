package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"driftfs/pkg/errdefs"
	"driftfs/pkg/logging"
	"driftfs/pkg/metadata"
	"driftfs/pkg/metrics"
	"driftfs/pkg/model"
)

// Config tunes the liveness state machine.
type Config struct {
	// SuspectAfter is how long a node may stay silent before Active ->
	// Suspected (K missed heartbeats worth of time).
	SuspectAfter time.Duration
	// EvictionTimeout is how long a node may stay Suspected before it is
	// marked Inactive.
	EvictionTimeout time.Duration
	// SweepInterval is how often Run evaluates transitions.
	SweepInterval time.Duration
}

// Rebalancer re-places the replicas held by a node before the node is
// dropped. Implemented by the replication manager.
type Rebalancer interface {
	EvacuateNode(ctx context.Context, nodeID string) error
}

type nodeEntry struct {
	mu          sync.Mutex
	node        model.StorageNode
	state       model.NodeState
	suspectedAt time.Time
}

// Registry maintains the live view of storage nodes derived from heartbeats.
// State is mutated per node with per-node atomicity: a heartbeat for node A
// never blocks processing for node B. The persisted is_active flag carries
// "Active or Suspected"; only truly Inactive nodes are excluded from
// placement.
type Registry struct {
	store      metadata.Store
	cfg        Config
	logger     *logging.Logger
	now        func() time.Time
	rebalancer Rebalancer

	mu    sync.RWMutex
	nodes map[string]*nodeEntry
}

// NodeStatus is a read-only snapshot of one node for status endpoints.
type NodeStatus struct {
	model.StorageNode
	State string `json:"state"`
}

func New(store metadata.Store, cfg Config, logger *logging.Logger) *Registry {
	return &Registry{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		nodes:  make(map[string]*nodeEntry),
	}
}

// SetClock replaces the time source so tests can drive the state machine
// with synthetic timestamps.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// SetRebalancer wires the replication manager used by Decommission.
func (r *Registry) SetRebalancer(reb Rebalancer) {
	r.rebalancer = reb
}

// Restore loads the persisted node set at startup. Nodes persisted active
// start out Active and are demoted by the next sweep if their heartbeats are
// stale; inactive nodes start out Inactive.
func (r *Registry) Restore(ctx context.Context) error {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range nodes {
		state := model.StateInactive
		if n.IsActive {
			state = model.StateActive
		}
		r.nodes[n.NodeID] = &nodeEntry{node: n, state: state}
	}
	r.logger.Info("registry restored", zap.Int("nodes", len(nodes)))
	return nil
}

// Register adds a new node in the Registered state. The node becomes Active
// on its first heartbeat.
func (r *Registry) Register(ctx context.Context, nodeID, address string, capacity int64) error {
	r.mu.Lock()
	if _, exists := r.nodes[nodeID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("register %s: %w", nodeID, errdefs.ErrDuplicateNode)
	}
	node := model.StorageNode{
		NodeID:        nodeID,
		Address:       address,
		Capacity:      capacity,
		IsActive:      false,
		LastHeartbeat: r.now(),
	}
	r.nodes[nodeID] = &nodeEntry{node: node, state: model.StateRegistered}
	r.mu.Unlock()

	if err := r.store.RegisterNode(ctx, &node); err != nil {
		r.mu.Lock()
		delete(r.nodes, nodeID)
		r.mu.Unlock()
		return err
	}

	r.logger.Info("node registered",
		zap.String("nodeID", nodeID),
		zap.String("address", address),
		zap.Int64("capacity", capacity))
	return nil
}

// Heartbeat records a heartbeat: updates last_heartbeat and used_space and
// transitions Registered/Suspected/Inactive nodes back to Active.
func (r *Registry) Heartbeat(ctx context.Context, nodeID string, usedSpace int64) error {
	entry, err := r.entry(nodeID)
	if err != nil {
		return err
	}

	now := r.now()

	entry.mu.Lock()
	prev := entry.state
	entry.state = model.StateActive
	entry.suspectedAt = time.Time{}
	entry.node.LastHeartbeat = now
	entry.node.UsedSpace = usedSpace
	entry.node.IsActive = true
	entry.mu.Unlock()

	if prev != model.StateActive {
		r.logger.Info("node transitioned to active",
			zap.String("nodeID", nodeID),
			zap.String("from", prev.String()))
	}
	metrics.NodeAvailability.WithLabelValues(nodeID).Set(1)
	metrics.NodeUsedBytes.WithLabelValues(nodeID).Set(float64(usedSpace))

	return r.store.UpdateHeartbeat(ctx, nodeID, usedSpace, now)
}

// ActiveNodes returns nodes eligible for placement: Active or Suspected, per
// the persisted is_active semantics. Truly Inactive nodes are excluded.
func (r *Registry) ActiveNodes() []model.StorageNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]model.StorageNode, 0, len(r.nodes))
	for _, entry := range r.nodes {
		entry.mu.Lock()
		if entry.state == model.StateActive || entry.state == model.StateSuspected {
			nodes = append(nodes, entry.node)
		}
		entry.mu.Unlock()
	}
	return nodes
}

// IsActive reports whether a node is strictly Active. Replica health
// counting uses this; Suspected nodes do not count healthy.
func (r *Registry) IsActive(nodeID string) bool {
	entry, err := r.entry(nodeID)
	if err != nil {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state == model.StateActive
}

// Node returns a snapshot of one node and its state.
func (r *Registry) Node(nodeID string) (model.StorageNode, model.NodeState, error) {
	entry, err := r.entry(nodeID)
	if err != nil {
		return model.StorageNode{}, 0, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.node, entry.state, nil
}

// Snapshot returns the full node set with states for status endpoints.
func (r *Registry) Snapshot() []NodeStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]NodeStatus, 0, len(r.nodes))
	for _, entry := range r.nodes {
		entry.mu.Lock()
		out = append(out, NodeStatus{StorageNode: entry.node, State: entry.state.String()})
		entry.mu.Unlock()
	}
	return out
}

// AddUsedSpace adjusts the in-memory used_space so placement sees writes
// before the next heartbeat refreshes the true figure.
func (r *Registry) AddUsedSpace(nodeID string, delta int64) {
	entry, err := r.entry(nodeID)
	if err != nil {
		return
	}
	entry.mu.Lock()
	entry.node.UsedSpace += delta
	if entry.node.UsedSpace < 0 {
		entry.node.UsedSpace = 0
	}
	entry.mu.Unlock()
}

// Sweep evaluates liveness transitions at the given instant:
// Active -> Suspected after SuspectAfter with no heartbeat, and
// Suspected -> Inactive after EvictionTimeout. Exposed so tests can drive
// the state machine with synthetic timestamps.
func (r *Registry) Sweep(ctx context.Context, now time.Time) {
	r.mu.RLock()
	entries := make(map[string]*nodeEntry, len(r.nodes))
	for id, e := range r.nodes {
		entries[id] = e
	}
	r.mu.RUnlock()

	for nodeID, entry := range entries {
		entry.mu.Lock()
		switch entry.state {
		case model.StateActive:
			if last := entry.node.LastHeartbeat; now.Sub(last) > r.cfg.SuspectAfter {
				entry.state = model.StateSuspected
				entry.suspectedAt = now
				entry.mu.Unlock()
				r.logger.Warn("node suspected",
					zap.String("nodeID", nodeID),
					zap.Time("lastHeartbeat", last))
				continue
			}
		case model.StateSuspected:
			if now.Sub(entry.suspectedAt) > r.cfg.EvictionTimeout {
				entry.state = model.StateInactive
				entry.node.IsActive = false
				entry.mu.Unlock()
				r.logger.Error("node marked inactive", zap.String("nodeID", nodeID))
				metrics.NodeAvailability.WithLabelValues(nodeID).Set(0)
				if err := r.store.SetNodeActive(ctx, nodeID, false); err != nil {
					r.logger.Error("failed to persist node deactivation",
						zap.String("nodeID", nodeID), zap.Error(err))
				}
				continue
			}
		}
		entry.mu.Unlock()
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (r *Registry) Run(ctx context.Context) {
	interval := r.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx, r.now())
		}
	}
}

// Decommission administratively removes a node. Replicas located there are
// re-placed first so the removal never drops the last copy of a file.
func (r *Registry) Decommission(ctx context.Context, nodeID string) error {
	entry, err := r.entry(nodeID)
	if err != nil {
		return err
	}

	// Exclude the node from further placement while it drains.
	entry.mu.Lock()
	entry.state = model.StateInactive
	entry.node.IsActive = false
	entry.mu.Unlock()
	if err := r.store.SetNodeActive(ctx, nodeID, false); err != nil {
		return fmt.Errorf("deactivate %s: %w", nodeID, err)
	}

	if r.rebalancer != nil {
		if err := r.rebalancer.EvacuateNode(ctx, nodeID); err != nil {
			return fmt.Errorf("evacuate %s: %w", nodeID, err)
		}
	}

	if err := r.store.RemoveNode(ctx, nodeID); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.nodes, nodeID)
	r.mu.Unlock()

	metrics.NodeAvailability.DeleteLabelValues(nodeID)
	r.logger.Info("node decommissioned", zap.String("nodeID", nodeID))
	return nil
}

func (r *Registry) entry(nodeID string) (*nodeEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.nodes[nodeID]
	if !exists {
		return nil, fmt.Errorf("node %s: %w", nodeID, errdefs.ErrUnknownNode)
	}
	return entry, nil
}
