package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftfs/internal/nodeclient"
	"driftfs/pkg/errdefs"
	"driftfs/pkg/logging"
	"driftfs/pkg/metadata/memstore"
	"driftfs/pkg/model"
)

type fakeNode struct {
	mu          sync.Mutex
	blobs       map[string][]byte
	failStore   bool
	failRead    bool
	corruptRead bool
	deletes     int

	// blockStore, when set, stalls Store until the channel is closed.
	blockStore chan struct{}
}

func newFakeNode() *fakeNode {
	return &fakeNode{blobs: make(map[string][]byte)}
}

func (n *fakeNode) Store(_ context.Context, fileID string, data []byte) error {
	if n.blockStore != nil {
		<-n.blockStore
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failStore {
		return errdefs.ErrNodeUnavailable
	}
	n.blobs[fileID] = append([]byte(nil), data...)
	return nil
}

func (n *fakeNode) Retrieve(_ context.Context, fileID string) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failRead {
		return nil, errdefs.ErrNodeUnavailable
	}
	data, ok := n.blobs[fileID]
	if !ok {
		return nil, errdefs.ErrFileNotFound
	}
	if n.corruptRead {
		bad := append([]byte(nil), data...)
		bad[0] ^= 0xff
		return bad, nil
	}
	return append([]byte(nil), data...), nil
}

func (n *fakeNode) Delete(_ context.Context, fileID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blobs, fileID)
	n.deletes++
	return nil
}

func (n *fakeNode) Checksum(_ context.Context, fileID string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	data, ok := n.blobs[fileID]
	if !ok {
		return "", errdefs.ErrFileNotFound
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (n *fakeNode) Health(context.Context) error { return nil }

func (n *fakeNode) has(fileID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.blobs[fileID]
	return ok
}

type fakeManager struct {
	nodes map[string]*fakeNode
}

func (m *fakeManager) ClientFor(node model.StorageNode) nodeclient.Client {
	return m.nodes[node.NodeID]
}

func (m *fakeManager) CircuitState(string) string { return "closed" }

type fakeCluster struct {
	mu    sync.Mutex
	nodes map[string]model.StorageNode
	state map[string]model.NodeState
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		nodes: make(map[string]model.StorageNode),
		state: make(map[string]model.NodeState),
	}
}

func (c *fakeCluster) add(nodeID string, capacity, used int64, state model.NodeState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[nodeID] = model.StorageNode{
		NodeID:    nodeID,
		Address:   "http://" + nodeID + ":9000",
		Capacity:  capacity,
		UsedSpace: used,
		IsActive:  state == model.StateActive || state == model.StateSuspected,
	}
	c.state[nodeID] = state
}

func (c *fakeCluster) ActiveNodes() []model.StorageNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.StorageNode
	for id, node := range c.nodes {
		if c.state[id] == model.StateActive || c.state[id] == model.StateSuspected {
			out = append(out, node)
		}
	}
	return out
}

func (c *fakeCluster) IsActive(nodeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state[nodeID] == model.StateActive
}

func (c *fakeCluster) Node(nodeID string) (model.StorageNode, model.NodeState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.nodes[nodeID]
	if !ok {
		return model.StorageNode{}, 0, errdefs.ErrUnknownNode
	}
	return node, c.state[nodeID], nil
}

func (c *fakeCluster) AddUsedSpace(nodeID string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.nodes[nodeID]
	if !ok {
		return
	}
	node.UsedSpace += delta
	c.nodes[nodeID] = node
}

func testRouter(cluster *fakeCluster, manager *fakeManager, store *memstore.MemoryStore, w int) *Router {
	return NewRouter(store, cluster, manager, Config{
		ReplicationFactor: 3,
		WriteQuorum:       w,
		NodeTimeout:       time.Second,
	}, logging.NewNop())
}

func threeNodeCluster() (*fakeCluster, *fakeManager) {
	cluster := newFakeCluster()
	manager := &fakeManager{nodes: make(map[string]*fakeNode)}
	for _, id := range []string{"node-a", "node-b", "node-c"} {
		cluster.add(id, 1000, 0, model.StateActive)
		manager.nodes[id] = newFakeNode()
	}
	return cluster, manager
}

func TestUploadCommitsAfterQuorum(t *testing.T) {
	cluster, manager := threeNodeCluster()
	store := memstore.New()
	for _, n := range cluster.nodes {
		node := n
		require.NoError(t, store.RegisterNode(context.Background(), &node))
	}
	rt := testRouter(cluster, manager, store, 2)

	data := []byte("hello replicated world")
	res, err := rt.Upload(context.Background(), "greeting.txt", data)
	require.NoError(t, err)
	assert.Equal(t, "greeting.txt", res.File.Filename)
	assert.Equal(t, int64(len(data)), res.File.Size)
	assert.Len(t, res.Nodes, 3)
	assert.False(t, res.UnderReplicated)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.File.Checksum)

	locs, err := store.Locations(context.Background(), res.File.FileID)
	require.NoError(t, err)
	assert.Len(t, locs, 3)
	for _, n := range manager.nodes {
		assert.True(t, n.has(res.File.FileID))
	}
}

func TestUploadRecordsTimestamps(t *testing.T) {
	cluster, manager := threeNodeCluster()
	store := memstore.New()
	for _, n := range cluster.nodes {
		node := n
		require.NoError(t, store.RegisterNode(context.Background(), &node))
	}
	rt := testRouter(cluster, manager, store, 2)

	res, err := rt.Upload(context.Background(), "dated.txt", []byte("dated"))
	require.NoError(t, err)

	persisted, err := store.GetFile(context.Background(), res.File.FileID)
	require.NoError(t, err)
	assert.False(t, persisted.CreatedAt.IsZero())
	assert.False(t, persisted.UpdatedAt.IsZero())
	assert.WithinDuration(t, time.Now().UTC(), persisted.CreatedAt, time.Minute)
}

func TestUploadCommitsWithoutWaitingForStraggler(t *testing.T) {
	cluster, manager := threeNodeCluster()
	store := memstore.New()
	for _, n := range cluster.nodes {
		node := n
		require.NoError(t, store.RegisterNode(context.Background(), &node))
	}
	release := make(chan struct{})
	manager.nodes["node-c"].blockStore = release
	rt := testRouter(cluster, manager, store, 2)

	// node-c never answers until released, so a return at all proves the
	// commit happened on the first two acks.
	res, err := rt.Upload(context.Background(), "fast.txt", []byte("fast"))
	require.NoError(t, err)
	assert.Len(t, res.Nodes, 2)
	assert.NotContains(t, res.Nodes, "node-c")

	locs, err := store.Locations(context.Background(), res.File.FileID)
	require.NoError(t, err)
	assert.Len(t, locs, 2)

	close(release)
}

func TestUploadMissedQuorumRollsBack(t *testing.T) {
	cluster, manager := threeNodeCluster()
	manager.nodes["node-a"].failStore = true
	manager.nodes["node-b"].failStore = true
	store := memstore.New()
	for _, n := range cluster.nodes {
		node := n
		require.NoError(t, store.RegisterNode(context.Background(), &node))
	}
	rt := testRouter(cluster, manager, store, 2)

	_, err := rt.Upload(context.Background(), "doomed.txt", []byte("payload"))
	require.ErrorIs(t, err, errdefs.ErrQuorumNotReached)

	// The lone acknowledged copy must have been rolled back.
	assert.Empty(t, manager.nodes["node-c"].blobs)

	files, err := store.ListFiles(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestUploadDegradesBelowReplicationFactor(t *testing.T) {
	cluster := newFakeCluster()
	cluster.add("node-a", 1000, 0, model.StateActive)
	manager := &fakeManager{nodes: map[string]*fakeNode{"node-a": newFakeNode()}}
	store := memstore.New()
	node, _, _ := cluster.Node("node-a")
	require.NoError(t, store.RegisterNode(context.Background(), &node))
	rt := testRouter(cluster, manager, store, 2)

	res, err := rt.Upload(context.Background(), "single.txt", []byte("data"))
	require.NoError(t, err)
	assert.True(t, res.UnderReplicated)
	assert.Equal(t, []string{"node-a"}, res.Nodes)

	locs, err := store.Locations(context.Background(), res.File.FileID)
	require.NoError(t, err)
	assert.Len(t, locs, 1)
}

func TestUploadWithNoNodes(t *testing.T) {
	cluster := newFakeCluster()
	manager := &fakeManager{nodes: map[string]*fakeNode{}}
	rt := testRouter(cluster, manager, memstore.New(), 2)

	_, err := rt.Upload(context.Background(), "nowhere.txt", []byte("data"))
	assert.ErrorIs(t, err, errdefs.ErrInsufficientNodes)
}

func TestDownloadFailsOverToHealthyReplica(t *testing.T) {
	cluster, manager := threeNodeCluster()
	store := memstore.New()
	for _, n := range cluster.nodes {
		node := n
		require.NoError(t, store.RegisterNode(context.Background(), &node))
	}
	rt := testRouter(cluster, manager, store, 2)

	data := []byte("failover payload")
	res, err := rt.Upload(context.Background(), "ha.txt", data)
	require.NoError(t, err)

	// Least-loaded candidates fail; one with a transport error, one with
	// corrupted bytes.
	manager.nodes["node-a"].failRead = true
	manager.nodes["node-b"].corruptRead = true

	got, body, err := rt.Download(context.Background(), res.File.FileID)
	require.NoError(t, err)
	assert.Equal(t, res.File.FileID, got.FileID)
	assert.Equal(t, data, body)
}

func TestDownloadAllReplicasFail(t *testing.T) {
	cluster, manager := threeNodeCluster()
	store := memstore.New()
	for _, n := range cluster.nodes {
		node := n
		require.NoError(t, store.RegisterNode(context.Background(), &node))
	}
	rt := testRouter(cluster, manager, store, 2)

	res, err := rt.Upload(context.Background(), "gone.txt", []byte("bytes"))
	require.NoError(t, err)

	for _, n := range manager.nodes {
		n.failRead = true
	}

	// Exhausting every replica reads as not-found, with the transport
	// failure still in the chain.
	_, _, err = rt.Download(context.Background(), res.File.FileID)
	require.ErrorIs(t, err, errdefs.ErrFileNotFound)
	assert.ErrorIs(t, err, errdefs.ErrNodeUnavailable)
}

func TestDownloadWithNoLiveReplicas(t *testing.T) {
	cluster, manager := threeNodeCluster()
	store := memstore.New()
	for _, n := range cluster.nodes {
		node := n
		require.NoError(t, store.RegisterNode(context.Background(), &node))
	}
	rt := testRouter(cluster, manager, store, 2)

	res, err := rt.Upload(context.Background(), "stranded.txt", []byte("bytes"))
	require.NoError(t, err)

	for _, id := range []string{"node-a", "node-b", "node-c"} {
		cluster.add(id, 1000, 0, model.StateInactive)
	}

	_, _, err = rt.Download(context.Background(), res.File.FileID)
	assert.ErrorIs(t, err, errdefs.ErrFileNotFound)
}

func TestDownloadUnknownFile(t *testing.T) {
	cluster, manager := threeNodeCluster()
	rt := testRouter(cluster, manager, memstore.New(), 2)

	_, _, err := rt.Download(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, errdefs.ErrFileNotFound)
}

func TestDeleteIsSoftAndIdempotent(t *testing.T) {
	cluster, manager := threeNodeCluster()
	store := memstore.New()
	for _, n := range cluster.nodes {
		node := n
		require.NoError(t, store.RegisterNode(context.Background(), &node))
	}
	rt := testRouter(cluster, manager, store, 2)

	res, err := rt.Upload(context.Background(), "bye.txt", []byte("bytes"))
	require.NoError(t, err)
	fileID := res.File.FileID

	require.NoError(t, rt.Delete(context.Background(), fileID))
	require.NoError(t, rt.Delete(context.Background(), fileID))

	// Replicas stay on nodes until reconciliation cleans them up.
	for _, n := range manager.nodes {
		assert.True(t, n.has(fileID))
	}

	got, err := store.GetFile(context.Background(), fileID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)

	_, _, err = rt.Download(context.Background(), fileID)
	assert.ErrorIs(t, err, errdefs.ErrFileDeleted)

	visible, err := store.ListFiles(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, visible)
}
