package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"driftfs/pkg/errdefs"
	"driftfs/pkg/metadata"
	"driftfs/pkg/model"
)

// MemoryStore is an in-memory metadata.Store used by tests and standalone
// mode. A single mutex gives the same per-file atomicity the SQL store gets
// from transactions.
type MemoryStore struct {
	mu        sync.RWMutex
	files     map[string]*model.File
	nodes     map[string]*model.StorageNode
	locations map[string]map[string]model.FileLocation // fileID -> nodeID -> row
}

var _ metadata.Store = (*MemoryStore)(nil)

func New() *MemoryStore {
	return &MemoryStore{
		files:     make(map[string]*model.File),
		nodes:     make(map[string]*model.StorageNode),
		locations: make(map[string]map[string]model.FileLocation),
	}
}

func (s *MemoryStore) CreateFileWithLocations(ctx context.Context, file *model.File, nodeIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := *file
	s.files[f.FileID] = &f
	locs := make(map[string]model.FileLocation, len(nodeIDs))
	for _, nodeID := range nodeIDs {
		locs[nodeID] = model.FileLocation{FileID: f.FileID, NodeID: nodeID, CreatedAt: time.Now().UTC()}
		if n, ok := s.nodes[nodeID]; ok {
			n.UsedSpace += f.Size
		}
	}
	s.locations[f.FileID] = locs
	return nil
}

func (s *MemoryStore) GetFile(ctx context.Context, fileID string) (*model.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[fileID]
	if !ok {
		return nil, errdefs.ErrFileNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) ListFiles(ctx context.Context, includeDeleted bool) ([]model.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	files := make([]model.File, 0, len(s.files))
	for _, f := range s.files {
		if f.IsDeleted && !includeDeleted {
			continue
		}
		files = append(files, *f)
	}
	return files, nil
}

func (s *MemoryStore) MarkFileDeleted(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	if !ok {
		return errdefs.ErrFileNotFound
	}
	f.IsDeleted = true
	f.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) PurgeFile(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[fileID]; !ok {
		return errdefs.ErrFileNotFound
	}
	if len(s.locations[fileID]) > 0 {
		return fmt.Errorf("purge %s: %d locations remain", fileID, len(s.locations[fileID]))
	}
	delete(s.files, fileID)
	delete(s.locations, fileID)
	return nil
}

func (s *MemoryStore) Locations(ctx context.Context, fileID string) ([]model.FileLocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	locs := make([]model.FileLocation, 0, len(s.locations[fileID]))
	for _, loc := range s.locations[fileID] {
		locs = append(locs, loc)
	}
	return locs, nil
}

func (s *MemoryStore) LocationsOnNode(ctx context.Context, nodeID string) ([]model.FileLocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var locs []model.FileLocation
	for _, byNode := range s.locations {
		if loc, ok := byNode[nodeID]; ok {
			locs = append(locs, loc)
		}
	}
	return locs, nil
}

func (s *MemoryStore) AddLocation(ctx context.Context, fileID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	if !ok {
		return errdefs.ErrFileNotFound
	}
	if f.IsDeleted {
		return errdefs.ErrFileDeleted
	}
	if s.locations[fileID] == nil {
		s.locations[fileID] = make(map[string]model.FileLocation)
	}
	if _, exists := s.locations[fileID][nodeID]; exists {
		return errdefs.ErrDuplicateLocation
	}
	s.locations[fileID][nodeID] = model.FileLocation{FileID: fileID, NodeID: nodeID, CreatedAt: time.Now().UTC()}
	if n, ok := s.nodes[nodeID]; ok {
		n.UsedSpace += f.Size
	}
	return nil
}

func (s *MemoryStore) RemoveLocation(ctx context.Context, fileID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byNode, ok := s.locations[fileID]
	if !ok {
		return nil
	}
	if _, exists := byNode[nodeID]; !exists {
		return nil
	}
	delete(byNode, nodeID)
	if f, ok := s.files[fileID]; ok {
		if n, ok := s.nodes[nodeID]; ok {
			n.UsedSpace -= f.Size
			if n.UsedSpace < 0 {
				n.UsedSpace = 0
			}
		}
	}
	return nil
}

func (s *MemoryStore) RegisterNode(ctx context.Context, node *model.StorageNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[node.NodeID]; exists {
		return errdefs.ErrDuplicateNode
	}
	cp := *node
	s.nodes[node.NodeID] = &cp
	return nil
}

func (s *MemoryStore) GetNode(ctx context.Context, nodeID string) (*model.StorageNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, errdefs.ErrUnknownNode
	}
	cp := *n
	return &cp, nil
}

func (s *MemoryStore) ListNodes(ctx context.Context) ([]model.StorageNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := make([]model.StorageNode, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, *n)
	}
	return nodes, nil
}

func (s *MemoryStore) UpdateHeartbeat(ctx context.Context, nodeID string, usedSpace int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return errdefs.ErrUnknownNode
	}
	n.LastHeartbeat = at
	n.UsedSpace = usedSpace
	n.IsActive = true
	return nil
}

func (s *MemoryStore) SetNodeActive(ctx context.Context, nodeID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return errdefs.ErrUnknownNode
	}
	n.IsActive = active
	return nil
}

func (s *MemoryStore) RemoveNode(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[nodeID]; !ok {
		return errdefs.ErrUnknownNode
	}
	delete(s.nodes, nodeID)
	return nil
}
