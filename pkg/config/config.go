package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig holds PostgreSQL connection settings for the metadata store.
type DatabaseConfig struct {
	Host               string
	Port               string
	User               string
	Password           string
	Name               string
	SSLMode            string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetimeSec int
}

// ClusterConfig holds the replication and liveness tuning knobs.
type ClusterConfig struct {
	// ReplicationFactor is the target replica count R per file.
	ReplicationFactor int
	// WriteQuorum is the minimum acks W required to commit an upload, W <= R.
	WriteQuorum int
	// ReconcileInterval is the period of the replication manager's pass.
	ReconcileInterval time.Duration
	// HeartbeatInterval is the expected node heartbeat period.
	HeartbeatInterval time.Duration
	// HeartbeatMissCount is K: consecutive missed heartbeats before a node is
	// suspected.
	HeartbeatMissCount int
	// EvictionTimeout is how long a suspected node may stay silent before it
	// is marked inactive.
	EvictionTimeout time.Duration
	// NodeTimeout bounds a single store/fetch/delete call to a storage node.
	NodeTimeout time.Duration
}

// ControllerConfig is the configuration for the controller binary.
type ControllerConfig struct {
	Port     string
	LogLevel string
	Database DatabaseConfig
	Cluster  ClusterConfig
}

// NodeConfig is the configuration for the storage node agent binary.
type NodeConfig struct {
	NodeID            string
	Port              string
	Address           string
	ControllerURL     string
	StoragePath       string
	LogLevel          string
	HeartbeatInterval time.Duration
}

// LoadController reads controller configuration from environment variables.
// A .env file can be auto-loaded by importing _ "github.com/joho/godotenv/autoload"
// in the main package; real environment variables take precedence.
func LoadController() (*ControllerConfig, error) {
	cfg := &ControllerConfig{
		Port:     getEnv("PORT", "8000"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			Host:               getEnv("DB_HOST", ""),
			Port:               getEnv("DB_PORT", "5432"),
			User:               getEnv("DB_USER", ""),
			Password:           getEnv("DB_PASSWORD", ""),
			Name:               getEnv("DB_NAME", ""),
			SSLMode:            getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:       getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:       getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetimeSec: getEnvInt("DB_CONN_MAX_LIFETIME_SEC", 300),
		},
		Cluster: ClusterConfig{
			ReplicationFactor:  getEnvInt("REPLICATION_FACTOR", 3),
			WriteQuorum:        getEnvInt("WRITE_QUORUM", 2),
			ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", 5*time.Second),
			HeartbeatInterval:  getEnvDuration("HEARTBEAT_INTERVAL", 5*time.Second),
			HeartbeatMissCount: getEnvInt("HEARTBEAT_MISS_COUNT", 3),
			EvictionTimeout:    getEnvDuration("EVICTION_TIMEOUT", 60*time.Second),
			NodeTimeout:        getEnvDuration("NODE_TIMEOUT", 10*time.Second),
		},
	}
	if err := cfg.Cluster.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadNode reads storage node agent configuration from environment variables.
func LoadNode() *NodeConfig {
	nodeID := getEnv("NODE_ID", "node-1")
	port := getEnv("NODE_PORT", "8001")
	return &NodeConfig{
		NodeID:            nodeID,
		Port:              port,
		Address:           getEnv("NODE_ADDRESS", fmt.Sprintf("http://%s:%s", nodeID, port)),
		ControllerURL:     getEnv("CONTROLLER_URL", "http://localhost:8000"),
		StoragePath:       getEnv("STORAGE_PATH", "/data"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 5*time.Second),
	}
}

// Validate checks quorum and interval sanity.
func (c ClusterConfig) Validate() error {
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("replication factor must be >= 1, got %d", c.ReplicationFactor)
	}
	if c.WriteQuorum < 1 || c.WriteQuorum > c.ReplicationFactor {
		return fmt.Errorf("write quorum must satisfy 1 <= W <= R, got W=%d R=%d", c.WriteQuorum, c.ReplicationFactor)
	}
	if c.HeartbeatMissCount < 1 {
		return fmt.Errorf("heartbeat miss count must be >= 1, got %d", c.HeartbeatMissCount)
	}
	if c.ReconcileInterval <= 0 || c.HeartbeatInterval <= 0 || c.EvictionTimeout <= 0 {
		return fmt.Errorf("intervals must be positive")
	}
	return nil
}

// SuspectAfter is how long a node may stay silent before Active -> Suspected.
func (c ClusterConfig) SuspectAfter() time.Duration {
	return time.Duration(c.HeartbeatMissCount) * c.HeartbeatInterval
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
