package replication

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"driftfs/internal/nodeclient"
	"driftfs/pkg/errdefs"
	"driftfs/pkg/logging"
	"driftfs/pkg/metadata"
	"driftfs/pkg/metrics"
	"driftfs/pkg/model"
	"driftfs/pkg/placement"
)

// ClusterView is the slice of the node registry the reconciler needs.
type ClusterView interface {
	// ActiveNodes returns placement candidates (active or suspected).
	ActiveNodes() []model.StorageNode
	// IsActive reports whether a node is strictly active; only replicas on
	// active nodes count as healthy.
	IsActive(nodeID string) bool
	// AddUsedSpace adjusts the in-memory load figure after a copy or delete.
	AddUsedSpace(nodeID string, delta int64)
}

// Config tunes the reconciler.
type Config struct {
	// ReplicationFactor is the target replica count R per file.
	ReplicationFactor int
	// Interval is the period between reconciliation passes.
	Interval time.Duration
	// NodeTimeout bounds each store/fetch/checksum call to one node.
	NodeTimeout time.Duration
}

// Reconciler drives actual replica placement toward the desired state
// without ever losing data. Each pass walks every file, counts healthy
// replicas, repairs under-replication, and cleans up deleted files.
// Re-running a pass with no external change produces zero additional
// actions.
type Reconciler struct {
	store   metadata.Store
	view    ClusterView
	clients nodeclient.Manager
	cfg     Config
	logger  *logging.Logger

	running atomic.Bool

	// In-flight copies, so overlapping work (a pass plus an evacuation)
	// never duplicates a transfer.
	inflightMu sync.Mutex
	inflight   map[string]map[string]struct{} // fileID -> target nodeIDs

	lostMu sync.RWMutex
	lost   map[string]struct{}
}

func NewReconciler(store metadata.Store, view ClusterView, clients nodeclient.Manager, cfg Config, logger *logging.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		view:     view,
		clients:  clients,
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[string]map[string]struct{}),
		lost:     make(map[string]struct{}),
	}
}

// Run executes reconciliation passes on a fixed interval until the context
// is cancelled. If a pass is still running when the interval elapses, the
// tick is skipped rather than run concurrently, to bound repair traffic.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error("reconciliation pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single reconciliation pass. A file's error never
// terminates the pass; it is logged and the pass moves to the next file.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Warn("previous reconciliation pass still running, skipping tick")
		return nil
	}
	defer r.running.Store(false)

	start := time.Now()
	defer func() {
		metrics.ReconcilePassDuration.Observe(time.Since(start).Seconds())
	}()

	files, err := r.store.ListFiles(ctx, true)
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}

	nodesByID := r.nodeIndex(ctx)

	underReplicated := 0
	for _, f := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if f.IsDeleted {
			if err := r.cleanupDeleted(ctx, f, nodesByID); err != nil {
				r.logger.Error("delete cleanup failed",
					zap.String("fileID", f.FileID), zap.Error(err))
			}
			continue
		}
		under, err := r.reconcileFile(ctx, f, nodesByID)
		if err != nil {
			r.logger.Error("file reconciliation failed",
				zap.String("fileID", f.FileID), zap.Error(err))
		}
		if under {
			underReplicated++
		}
	}

	metrics.UnderReplicatedFiles.Set(float64(underReplicated))
	r.lostMu.RLock()
	metrics.LostFiles.Set(float64(len(r.lost)))
	r.lostMu.RUnlock()

	return nil
}

// reconcileFile drives one non-deleted file toward R healthy replicas.
// It reports whether the file is currently under-replicated.
func (r *Reconciler) reconcileFile(ctx context.Context, f model.File, nodesByID map[string]model.StorageNode) (bool, error) {
	locs, err := r.store.Locations(ctx, f.FileID)
	if err != nil {
		return false, fmt.Errorf("locations: %w", err)
	}

	located := make(map[string]bool, len(locs))
	for _, loc := range locs {
		located[loc.NodeID] = true
	}

	healthy := r.healthyReplicas(ctx, f, locs, nodesByID)

	if len(healthy) >= r.cfg.ReplicationFactor {
		r.clearLost(f.FileID)
		return false, nil
	}

	if len(healthy) == 0 {
		// Unrecoverable from this cluster state. Not retried with the same
		// plan; a suspected node returning to active makes the next pass see
		// a healthy replica again and clears the flag.
		r.markLost(f)
		return true, nil
	}

	r.clearLost(f.FileID)
	if err := r.repairFile(ctx, f, healthy, located); err != nil {
		return true, err
	}
	return true, nil
}

// healthyReplicas returns the located nodes that are strictly active and
// whose on-node checksum matches the metadata checksum.
func (r *Reconciler) healthyReplicas(ctx context.Context, f model.File, locs []model.FileLocation, nodesByID map[string]model.StorageNode) []model.StorageNode {
	var healthy []model.StorageNode
	for _, loc := range locs {
		node, known := nodesByID[loc.NodeID]
		if !known || !r.view.IsActive(loc.NodeID) {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.NodeTimeout)
		sum, err := r.clients.ClientFor(node).Checksum(callCtx, f.FileID)
		cancel()
		if err != nil {
			r.logger.Warn("replica verification failed",
				zap.String("fileID", f.FileID),
				zap.String("nodeID", loc.NodeID),
				zap.Error(err))
			continue
		}
		if sum != f.Checksum {
			r.logger.Warn("replica checksum mismatch",
				zap.String("fileID", f.FileID),
				zap.String("nodeID", loc.NodeID),
				zap.String("want", f.Checksum),
				zap.String("got", sum))
			continue
		}
		healthy = append(healthy, node)
	}
	return healthy
}

// repairFile copies the file from the least-loaded healthy source to new
// targets until R locations exist. A location row is inserted only after the
// target acknowledged the copy, and the file's deleted flag is re-checked
// inside that insert so a delete racing the repair discards the fresh copy
// instead of registering it.
func (r *Reconciler) repairFile(ctx context.Context, f model.File, healthy []model.StorageNode, located map[string]bool) error {
	need := r.cfg.ReplicationFactor - len(healthy)

	excluded := make(map[string]bool, len(located))
	for id := range located {
		excluded[id] = true
	}
	for _, id := range r.inflightTargets(f.FileID) {
		excluded[id] = true
	}

	targets, err := placement.Choose(r.view.ActiveNodes(), excluded, need)
	if err != nil && !errors.Is(err, errdefs.ErrInsufficientNodes) {
		return err
	}
	if len(targets) == 0 {
		r.logger.Warn("no eligible repair targets",
			zap.String("fileID", f.FileID),
			zap.Int("healthy", len(healthy)),
			zap.Int("need", need))
		return nil
	}

	// Least-loaded healthy node serves as the copy source.
	sort.Slice(healthy, func(i, j int) bool {
		fi, fj := healthy[i].FreeFraction(), healthy[j].FreeFraction()
		if fi != fj {
			return fi > fj
		}
		return healthy[i].NodeID < healthy[j].NodeID
	})
	source := healthy[0]

	readCtx, cancel := context.WithTimeout(ctx, r.cfg.NodeTimeout)
	data, err := r.clients.ClientFor(source).Retrieve(readCtx, f.FileID)
	cancel()
	if err != nil {
		return fmt.Errorf("read source replica on %s: %w", source.NodeID, err)
	}
	if sum := sha256Hex(data); sum != f.Checksum {
		return fmt.Errorf("source replica on %s: %w: want %s got %s",
			source.NodeID, errdefs.ErrChecksumMismatch, f.Checksum, sum)
	}

	for _, target := range targets {
		if !r.markInflight(f.FileID, target.NodeID) {
			continue
		}
		err := r.copyTo(ctx, f, data, target)
		r.clearInflight(f.FileID, target.NodeID)
		if err != nil {
			r.logger.Error("replica repair failed",
				zap.String("fileID", f.FileID),
				zap.String("target", target.NodeID),
				zap.Error(err))
			continue
		}
		r.logger.Info("replica repaired",
			zap.String("fileID", f.FileID),
			zap.String("source", source.NodeID),
			zap.String("target", target.NodeID))
		metrics.ReplicaRepairsTotal.Inc()
	}
	return nil
}

func (r *Reconciler) copyTo(ctx context.Context, f model.File, data []byte, target model.StorageNode) error {
	client := r.clients.ClientFor(target)

	storeCtx, cancel := context.WithTimeout(ctx, r.cfg.NodeTimeout)
	err := client.Store(storeCtx, f.FileID, data)
	cancel()
	if err != nil {
		return fmt.Errorf("store on target: %w", err)
	}

	if err := r.store.AddLocation(ctx, f.FileID, target.NodeID); err != nil {
		if errors.Is(err, errdefs.ErrFileDeleted) || errors.Is(err, errdefs.ErrFileNotFound) {
			// Delete won the race; discard the fresh copy.
			delCtx, cancel := context.WithTimeout(ctx, r.cfg.NodeTimeout)
			defer cancel()
			if delErr := client.Delete(delCtx, f.FileID); delErr != nil {
				r.logger.Warn("failed to discard orphaned copy",
					zap.String("fileID", f.FileID),
					zap.String("nodeID", target.NodeID),
					zap.Error(delErr))
			}
			return nil
		}
		if errors.Is(err, errdefs.ErrDuplicateLocation) {
			return nil
		}
		return fmt.Errorf("commit location: %w", err)
	}

	r.view.AddUsedSpace(target.NodeID, f.Size)
	return nil
}

// cleanupDeleted removes a deleted file's replicas from their nodes, then
// the location rows, and finally purges the file row once zero locations
// remain. Unreachable nodes keep their rows; the next pass retries.
func (r *Reconciler) cleanupDeleted(ctx context.Context, f model.File, nodesByID map[string]model.StorageNode) error {
	locs, err := r.store.Locations(ctx, f.FileID)
	if err != nil {
		return fmt.Errorf("locations: %w", err)
	}

	remaining := 0
	for _, loc := range locs {
		node, known := nodesByID[loc.NodeID]
		if known {
			delCtx, cancel := context.WithTimeout(ctx, r.cfg.NodeTimeout)
			err := r.clients.ClientFor(node).Delete(delCtx, f.FileID)
			cancel()
			if err != nil {
				r.logger.Warn("replica deletion failed, will retry",
					zap.String("fileID", f.FileID),
					zap.String("nodeID", loc.NodeID),
					zap.Error(err))
				remaining++
				continue
			}
		}
		// Unknown nodes have been decommissioned; drop the row outright.
		if err := r.store.RemoveLocation(ctx, f.FileID, loc.NodeID); err != nil {
			r.logger.Error("failed to remove location row",
				zap.String("fileID", f.FileID),
				zap.String("nodeID", loc.NodeID),
				zap.Error(err))
			remaining++
			continue
		}
		r.view.AddUsedSpace(loc.NodeID, -f.Size)
	}

	if remaining > 0 {
		return nil
	}
	if err := r.store.PurgeFile(ctx, f.FileID); err != nil && !errors.Is(err, errdefs.ErrFileNotFound) {
		return fmt.Errorf("purge file: %w", err)
	}
	r.clearLost(f.FileID)
	r.logger.Info("deleted file purged", zap.String("fileID", f.FileID))
	return nil
}

// EvacuateNode re-places every replica held by a node, then drops the
// node's location rows. Used by administrative decommission; it refuses to
// drop the last copy of a file.
func (r *Reconciler) EvacuateNode(ctx context.Context, nodeID string) error {
	locs, err := r.store.LocationsOnNode(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("locations on node: %w", err)
	}

	node, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}

	nodesByID := r.nodeIndex(ctx)

	for _, loc := range locs {
		f, err := r.store.GetFile(ctx, loc.FileID)
		if err != nil {
			r.logger.Error("evacuation skipped file",
				zap.String("fileID", loc.FileID), zap.Error(err))
			continue
		}

		if !f.IsDeleted {
			if err := r.evacuateFile(ctx, *f, *node, nodesByID); err != nil {
				return fmt.Errorf("evacuate %s: %w", f.FileID, err)
			}
		}

		if err := r.store.RemoveLocation(ctx, f.FileID, nodeID); err != nil {
			return fmt.Errorf("remove location %s/%s: %w", f.FileID, nodeID, err)
		}
		r.view.AddUsedSpace(nodeID, -f.Size)

		delCtx, cancel := context.WithTimeout(ctx, r.cfg.NodeTimeout)
		if err := r.clients.ClientFor(*node).Delete(delCtx, f.FileID); err != nil {
			r.logger.Warn("failed to delete replica from decommissioned node",
				zap.String("fileID", f.FileID),
				zap.String("nodeID", nodeID),
				zap.Error(err))
		}
		cancel()
	}
	return nil
}

// evacuateFile makes sure at least one copy of the file survives off the
// evacuating node, copying from the node itself when it holds the only one.
func (r *Reconciler) evacuateFile(ctx context.Context, f model.File, evacuating model.StorageNode, nodesByID map[string]model.StorageNode) error {
	locs, err := r.store.Locations(ctx, f.FileID)
	if err != nil {
		return err
	}

	located := make(map[string]bool, len(locs))
	for _, loc := range locs {
		located[loc.NodeID] = true
	}

	// The evacuating node is already inactive in the registry, so it does
	// not count here and placement will not pick it.
	healthy := r.healthyReplicas(ctx, f, locs, nodesByID)
	if len(healthy) > 0 {
		// Copies survive elsewhere; the periodic pass restores full R.
		return nil
	}

	readCtx, cancel := context.WithTimeout(ctx, r.cfg.NodeTimeout)
	data, err := r.clients.ClientFor(evacuating).Retrieve(readCtx, f.FileID)
	cancel()
	if err != nil {
		return fmt.Errorf("read last copy: %w", err)
	}
	if sum := sha256Hex(data); sum != f.Checksum {
		return fmt.Errorf("last copy: %w", errdefs.ErrChecksumMismatch)
	}

	targets, err := placement.Choose(r.view.ActiveNodes(), located, 1)
	if err != nil || len(targets) == 0 {
		return fmt.Errorf("no target for last copy: %w", errdefs.ErrInsufficientNodes)
	}

	if !r.markInflight(f.FileID, targets[0].NodeID) {
		return nil
	}
	defer r.clearInflight(f.FileID, targets[0].NodeID)
	return r.copyTo(ctx, f, data, targets[0])
}

// LostFiles returns the IDs of files with zero healthy replicas, for status
// and listing endpoints.
func (r *Reconciler) LostFiles() map[string]bool {
	r.lostMu.RLock()
	defer r.lostMu.RUnlock()
	out := make(map[string]bool, len(r.lost))
	for id := range r.lost {
		out[id] = true
	}
	return out
}

func (r *Reconciler) markLost(f model.File) {
	r.lostMu.Lock()
	_, already := r.lost[f.FileID]
	if !already {
		r.lost[f.FileID] = struct{}{}
	}
	r.lostMu.Unlock()
	if !already {
		r.logger.Error("file has no healthy replicas",
			zap.String("fileID", f.FileID),
			zap.String("filename", f.Filename),
			zap.Error(errdefs.ErrFileLost))
	}
}

func (r *Reconciler) clearLost(fileID string) {
	r.lostMu.Lock()
	if _, ok := r.lost[fileID]; ok {
		delete(r.lost, fileID)
		r.logger.Info("file recovered", zap.String("fileID", fileID))
	}
	r.lostMu.Unlock()
}

func (r *Reconciler) markInflight(fileID, nodeID string) bool {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	targets, ok := r.inflight[fileID]
	if !ok {
		targets = make(map[string]struct{})
		r.inflight[fileID] = targets
	}
	if _, dup := targets[nodeID]; dup {
		return false
	}
	targets[nodeID] = struct{}{}
	return true
}

func (r *Reconciler) clearInflight(fileID, nodeID string) {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	if targets, ok := r.inflight[fileID]; ok {
		delete(targets, nodeID)
		if len(targets) == 0 {
			delete(r.inflight, fileID)
		}
	}
}

func (r *Reconciler) inflightTargets(fileID string) []string {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	targets := make([]string, 0, len(r.inflight[fileID]))
	for id := range r.inflight[fileID] {
		targets = append(targets, id)
	}
	return targets
}

// nodeIndex snapshots every registered node, inactive ones included, so
// cleanup can still reach nodes that fell out of placement.
func (r *Reconciler) nodeIndex(ctx context.Context) map[string]model.StorageNode {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		r.logger.Error("failed to list nodes", zap.Error(err))
		return map[string]model.StorageNode{}
	}
	byID := make(map[string]model.StorageNode, len(nodes))
	for _, n := range nodes {
		byID[n.NodeID] = n
	}
	return byID
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
