package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadControllerDefaults(t *testing.T) {
	cfg, err := LoadController()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Port)
	assert.Equal(t, 3, cfg.Cluster.ReplicationFactor)
	assert.Equal(t, 2, cfg.Cluster.WriteQuorum)
	assert.Equal(t, 5*time.Second, cfg.Cluster.ReconcileInterval)
	assert.Equal(t, 15*time.Second, cfg.Cluster.SuspectAfter())
}

func TestLoadControllerFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("REPLICATION_FACTOR", "5")
	t.Setenv("WRITE_QUORUM", "3")
	t.Setenv("HEARTBEAT_INTERVAL", "2s")
	t.Setenv("HEARTBEAT_MISS_COUNT", "4")

	cfg, err := LoadController()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 5, cfg.Cluster.ReplicationFactor)
	assert.Equal(t, 3, cfg.Cluster.WriteQuorum)
	assert.Equal(t, 8*time.Second, cfg.Cluster.SuspectAfter())
}

func TestLoadControllerRejectsBadQuorum(t *testing.T) {
	t.Setenv("REPLICATION_FACTOR", "2")
	t.Setenv("WRITE_QUORUM", "3")

	_, err := LoadController()
	assert.Error(t, err)
}

func TestClusterConfigValidate(t *testing.T) {
	base := ClusterConfig{
		ReplicationFactor:  3,
		WriteQuorum:        2,
		ReconcileInterval:  5 * time.Second,
		HeartbeatInterval:  5 * time.Second,
		HeartbeatMissCount: 3,
		EvictionTimeout:    time.Minute,
	}
	assert.NoError(t, base.Validate())

	bad := base
	bad.WriteQuorum = 0
	assert.Error(t, bad.Validate())

	bad = base
	bad.ReplicationFactor = 0
	assert.Error(t, bad.Validate())

	bad = base
	bad.EvictionTimeout = 0
	assert.Error(t, bad.Validate())
}

func TestLoadNodeDefaults(t *testing.T) {
	cfg := LoadNode()
	assert.Equal(t, "node-1", cfg.NodeID)
	assert.Equal(t, "http://node-1:8001", cfg.Address)
	assert.Equal(t, "http://localhost:8000", cfg.ControllerURL)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
}
