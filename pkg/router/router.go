package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"driftfs/internal/nodeclient"
	"driftfs/pkg/errdefs"
	"driftfs/pkg/logging"
	"driftfs/pkg/metadata"
	"driftfs/pkg/metrics"
	"driftfs/pkg/model"
	"driftfs/pkg/placement"
)

// ClusterView is the slice of the node registry the router needs.
type ClusterView interface {
	ActiveNodes() []model.StorageNode
	IsActive(nodeID string) bool
	Node(nodeID string) (model.StorageNode, model.NodeState, error)
	AddUsedSpace(nodeID string, delta int64)
}

// Config tunes the router.
type Config struct {
	// ReplicationFactor is the number of replicas R attempted per upload.
	ReplicationFactor int
	// WriteQuorum is the number of node acknowledgements W an upload needs
	// before metadata is committed.
	WriteQuorum int
	// NodeTimeout bounds each store/fetch call to one node.
	NodeTimeout time.Duration
}

// Router fronts every client-facing file operation: quorum uploads,
// failover downloads, and soft deletes.
type Router struct {
	store   metadata.Store
	view    ClusterView
	clients nodeclient.Manager
	cfg     Config
	logger  *logging.Logger
}

func NewRouter(store metadata.Store, view ClusterView, clients nodeclient.Manager, cfg Config, logger *logging.Logger) *Router {
	return &Router{
		store:   store,
		view:    view,
		clients: clients,
		cfg:     cfg,
		logger:  logger,
	}
}

type storeResult struct {
	nodeID string
	err    error
}

// UploadResult reports the committed file plus which nodes acknowledged the
// write. UnderReplicated is set when the committed replica count is below
// the configured replication factor; reconciliation closes the gap.
type UploadResult struct {
	File            model.File
	Nodes           []string
	UnderReplicated bool
}

// Upload assigns the file an ID, picks R target nodes, stores the bytes on
// all of them in parallel, and commits metadata as soon as W targets
// acknowledged; slower targets finish in the background and are picked up
// by reconciliation. On a missed quorum the acknowledged copies are deleted
// best-effort and no metadata is written. When fewer than R nodes exist the
// upload degrades gracefully: the quorum shrinks to the target count, and a
// later reconciliation pass restores full replication.
func (rt *Router) Upload(ctx context.Context, filename string, data []byte) (*UploadResult, error) {
	fileID := uuid.NewString()
	checksum := sha256Hex(data)

	targets, err := placement.Choose(rt.view.ActiveNodes(), nil, rt.cfg.ReplicationFactor)
	if err != nil && !errors.Is(err, errdefs.ErrInsufficientNodes) {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("upload %q: %w", filename, errdefs.ErrInsufficientNodes)
	}

	required := rt.cfg.WriteQuorum
	if required > len(targets) {
		required = len(targets)
	}

	results := make(chan storeResult, len(targets))
	for _, target := range targets {
		go func(node model.StorageNode) {
			storeCtx, cancel := context.WithTimeout(ctx, rt.cfg.NodeTimeout)
			defer cancel()
			err := rt.clients.ClientFor(node).Store(storeCtx, fileID, data)
			results <- storeResult{nodeID: node.NodeID, err: err}
		}(target)
	}

	// Commit on the first W acks; a slow-but-alive target must not hold up
	// the client once quorum is met.
	var acked []string
	failed := 0
	for len(acked) < required && len(acked)+failed < len(targets) {
		res := <-results
		if res.err != nil {
			rt.logger.Warn("replica store failed",
				zap.String("fileID", fileID),
				zap.String("nodeID", res.nodeID),
				zap.Error(res.err))
			failed++
			continue
		}
		acked = append(acked, res.nodeID)
	}
	if pending := len(targets) - len(acked) - failed; pending > 0 {
		go rt.drainStores(fileID, results, pending)
	}

	if len(acked) < required {
		rt.rollback(ctx, fileID, acked)
		return nil, fmt.Errorf("upload %q: %d of %d required acks: %w",
			filename, len(acked), required, errdefs.ErrQuorumNotReached)
	}
	sort.Strings(acked)

	now := time.Now().UTC()
	file := model.File{
		FileID:    fileID,
		Filename:  filename,
		Size:      int64(len(data)),
		Checksum:  checksum,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := rt.store.CreateFileWithLocations(ctx, &file, acked); err != nil {
		rt.rollback(ctx, fileID, acked)
		return nil, fmt.Errorf("commit upload metadata: %w", err)
	}

	for _, nodeID := range acked {
		rt.view.AddUsedSpace(nodeID, file.Size)
	}

	metrics.FileUploadsTotal.Inc()
	metrics.DataTransferBytesTotal.WithLabelValues("upload", "controller").Add(float64(len(data)))
	rt.logger.Info("file uploaded",
		zap.String("fileID", fileID),
		zap.String("filename", filename),
		zap.Int64("size", file.Size),
		zap.Int("replicas", len(acked)))
	return &UploadResult{
		File:            file,
		Nodes:           acked,
		UnderReplicated: len(acked) < rt.cfg.ReplicationFactor,
	}, nil
}

// drainStores collects store results that arrived after quorum. Late
// successes leave a copy without a location row; reconciliation registers
// or replaces it on the next pass.
func (rt *Router) drainStores(fileID string, results <-chan storeResult, pending int) {
	for i := 0; i < pending; i++ {
		res := <-results
		if res.err != nil {
			rt.logger.Warn("replica store failed after quorum",
				zap.String("fileID", fileID),
				zap.String("nodeID", res.nodeID),
				zap.Error(res.err))
			continue
		}
		rt.logger.Debug("replica stored after quorum",
			zap.String("fileID", fileID),
			zap.String("nodeID", res.nodeID))
	}
}

// rollback deletes already-stored copies after a failed upload so no node
// holds bytes the metadata store never heard of.
func (rt *Router) rollback(ctx context.Context, fileID string, nodeIDs []string) {
	for _, nodeID := range nodeIDs {
		node, _, err := rt.view.Node(nodeID)
		if err != nil {
			continue
		}
		delCtx, cancel := context.WithTimeout(ctx, rt.cfg.NodeTimeout)
		if err := rt.clients.ClientFor(node).Delete(delCtx, fileID); err != nil {
			rt.logger.Warn("upload rollback delete failed",
				zap.String("fileID", fileID),
				zap.String("nodeID", nodeID),
				zap.Error(err))
		}
		cancel()
	}
}

// Download fetches the file from the least-loaded live replica, failing
// over to the next replica on transport errors or checksum mismatch. Only
// when every replica has been tried does it give up, and then the file is
// not retrievable: the error is ErrFileNotFound with the last per-replica
// failure kept in the chain.
func (rt *Router) Download(ctx context.Context, fileID string) (*model.File, []byte, error) {
	file, err := rt.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	if file.IsDeleted {
		return nil, nil, fmt.Errorf("download %s: %w", fileID, errdefs.ErrFileDeleted)
	}

	locs, err := rt.store.Locations(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}

	var candidates []model.StorageNode
	for _, loc := range locs {
		node, state, err := rt.view.Node(loc.NodeID)
		if err != nil {
			continue
		}
		if state == model.StateActive || state == model.StateSuspected {
			candidates = append(candidates, node)
		}
	}
	if len(candidates) == 0 {
		return nil, nil, fmt.Errorf("download %s: no live replicas: %w: %w",
			fileID, errdefs.ErrFileNotFound, errdefs.ErrNodeUnavailable)
	}

	sort.Slice(candidates, func(i, j int) bool {
		fi, fj := candidates[i].FreeFraction(), candidates[j].FreeFraction()
		if fi != fj {
			return fi > fj
		}
		return candidates[i].NodeID < candidates[j].NodeID
	})

	var lastErr error
	for _, node := range candidates {
		readCtx, cancel := context.WithTimeout(ctx, rt.cfg.NodeTimeout)
		data, err := rt.clients.ClientFor(node).Retrieve(readCtx, fileID)
		cancel()
		if err != nil {
			rt.logger.Warn("replica read failed, trying next",
				zap.String("fileID", fileID),
				zap.String("nodeID", node.NodeID),
				zap.Error(err))
			lastErr = err
			continue
		}
		if sum := sha256Hex(data); sum != file.Checksum {
			rt.logger.Warn("replica corrupted, trying next",
				zap.String("fileID", fileID),
				zap.String("nodeID", node.NodeID),
				zap.String("want", file.Checksum),
				zap.String("got", sum))
			lastErr = fmt.Errorf("replica on %s: %w", node.NodeID, errdefs.ErrChecksumMismatch)
			continue
		}

		metrics.FileDownloadsTotal.Inc()
		metrics.DataTransferBytesTotal.WithLabelValues("download", "controller").Add(float64(len(data)))
		return file, data, nil
	}

	return nil, nil, fmt.Errorf("download %s: all replicas failed: %w: %w",
		fileID, errdefs.ErrFileNotFound, lastErr)
}

// Delete soft-marks the file. Replica removal and row purging happen
// asynchronously in reconciliation passes; repeating a delete is a no-op.
func (rt *Router) Delete(ctx context.Context, fileID string) error {
	if err := rt.store.MarkFileDeleted(ctx, fileID); err != nil {
		return err
	}
	metrics.FileDeletionsTotal.Inc()
	rt.logger.Info("file marked deleted", zap.String("fileID", fileID))
	return nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
