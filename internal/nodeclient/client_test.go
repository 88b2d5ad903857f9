package nodeclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftfs/pkg/errdefs"
	"driftfs/pkg/model"
)

func fastConfig() ClientConfig {
	cfg := DefaultConfig()
	cfg.RetryAttempts = 3
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.Timeout = time.Second
	return cfg
}

func newTestClient(url string) *NodeClient {
	return NewNodeClient("node-test", url, &http.Client{Timeout: time.Second}, fastConfig())
}

func TestStoreRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	nc := newTestClient(srv.URL)
	require.NoError(t, nc.Store(context.Background(), "f1", []byte("data")))
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetrieveMapsNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	nc := newTestClient(srv.URL)
	_, err := nc.Retrieve(context.Background(), "missing")
	assert.ErrorIs(t, err, errdefs.ErrFileNotFound)
	// 404 is permanent, no retries.
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetrieveReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/retrieve/f1", r.URL.Path)
		w.Write([]byte("stored bytes"))
	}))
	defer srv.Close()

	nc := newTestClient(srv.URL)
	data, err := nc.Retrieve(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, []byte("stored bytes"), data)
}

func TestDeleteTreatsNotFoundAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	nc := newTestClient(srv.URL)
	assert.NoError(t, nc.Delete(context.Background(), "already-gone"))
}

func TestChecksumDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/checksum/f1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"checksum": "cafebabe"})
	}))
	defer srv.Close()

	nc := newTestClient(srv.URL)
	sum, err := nc.Checksum(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, "cafebabe", sum)
}

func TestUnreachableNodeWrapsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	nc := newTestClient(srv.URL)
	err := nc.Health(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrNodeUnavailable)
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	nc := newTestClient(srv.URL)
	require.Equal(t, "CLOSED", nc.CircuitState())

	for i := 0; i < 6; i++ {
		_ = nc.Health(context.Background())
	}
	assert.Equal(t, "OPEN", nc.CircuitState())
	assert.False(t, nc.IsAvailable())
}

func TestManagerCachesAndRefreshesClients(t *testing.T) {
	cm := NewClientManager(fastConfig())

	nodeA := model.StorageNode{NodeID: "node-a", Address: "http://node-a:9000"}
	first := cm.ClientFor(nodeA)
	assert.Same(t, first, cm.ClientFor(nodeA))

	// A re-registered address gets a fresh client.
	nodeA.Address = "http://node-a-new:9000"
	assert.NotSame(t, first, cm.ClientFor(nodeA))

	assert.Equal(t, "CLOSED", cm.CircuitState("node-a"))
	assert.Equal(t, "UNKNOWN", cm.CircuitState("never-seen"))
}
