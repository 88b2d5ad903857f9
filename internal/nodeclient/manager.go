package nodeclient

import (
	"net/http"
	"sync"
	"time"

	"driftfs/pkg/model"
)

// Manager hands out clients for storage nodes. Clients are cached per node
// and share one http.Client.
type Manager interface {
	ClientFor(node model.StorageNode) Client
	CircuitState(nodeID string) string
}

type ClientConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	Timeout             time.Duration
	KeepAlive           time.Duration
	RetryAttempts       int
	RetryDelay          time.Duration
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		Timeout:             10 * time.Second,
		KeepAlive:           30 * time.Second,
		RetryAttempts:       3,
		RetryDelay:          500 * time.Millisecond,
	}
}

type ClientManager struct {
	config      ClientConfig
	client      *http.Client
	nodeClients map[string]*NodeClient
	mu          sync.RWMutex
}

var _ Manager = (*ClientManager)(nil)

func NewClientManager(config ClientConfig) *ClientManager {
	transport := &http.Transport{
		MaxIdleConns:        config.MaxIdleConns,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
	}

	return &ClientManager{
		config:      config,
		client:      client,
		nodeClients: make(map[string]*NodeClient),
	}
}

// ClientFor returns the cached client for a node, creating it on first use.
// A node that re-registers under a new address gets a fresh client.
func (cm *ClientManager) ClientFor(node model.StorageNode) Client {
	cm.mu.RLock()
	nc, exists := cm.nodeClients[node.NodeID]
	cm.mu.RUnlock()
	if exists && nc.baseURL == node.Address {
		return nc
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if nc, exists = cm.nodeClients[node.NodeID]; exists && nc.baseURL == node.Address {
		return nc
	}
	nc = NewNodeClient(node.NodeID, node.Address, cm.client, cm.config)
	cm.nodeClients[node.NodeID] = nc
	return nc
}

// CircuitState reports the breaker state for a node, UNKNOWN if no client
// has been created yet.
func (cm *ClientManager) CircuitState(nodeID string) string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if nc, exists := cm.nodeClients[nodeID]; exists {
		return nc.CircuitState()
	}
	return "UNKNOWN"
}
