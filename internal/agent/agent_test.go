package agent

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftfs/pkg/config"
	"driftfs/pkg/errdefs"
	"driftfs/pkg/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testAgent(t *testing.T, controllerURL string) *Agent {
	t.Helper()
	dir := t.TempDir()
	store, err := NewLocalBlobStore(dir)
	require.NoError(t, err)
	return New(&config.NodeConfig{
		NodeID:            "node-test",
		Port:              "8001",
		Address:           "http://node-test:8001",
		ControllerURL:     controllerURL,
		StoragePath:       dir,
		HeartbeatInterval: 10 * time.Millisecond,
	}, store, logging.NewNop())
}

func TestBlobStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalBlobStore(dir)
	require.NoError(t, err)

	data := []byte("replica bytes")
	written, err := store.Put("file-1", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), written)
	assert.Equal(t, int64(len(data)), store.UsedBytes())
	assert.Equal(t, 1, store.Count())

	r, err := store.Get("file-1")
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, data, got)

	sum := sha256.Sum256(data)
	checksum, err := store.Checksum("file-1")
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), checksum)

	require.NoError(t, store.Delete("file-1"))
	assert.Zero(t, store.UsedBytes())
	assert.Zero(t, store.Count())
	assert.ErrorIs(t, store.Delete("file-1"), errdefs.ErrFileNotFound)
}

func TestBlobStoreOverwriteAdjustsUsage(t *testing.T) {
	store, err := NewLocalBlobStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put("file-1", bytes.NewReader(bytes.Repeat([]byte("x"), 100)))
	require.NoError(t, err)
	_, err = store.Put("file-1", bytes.NewReader(bytes.Repeat([]byte("y"), 40)))
	require.NoError(t, err)

	assert.Equal(t, int64(40), store.UsedBytes())
	assert.Equal(t, 1, store.Count())
}

func TestBlobStoreRejectsPathTraversal(t *testing.T) {
	store, err := NewLocalBlobStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put("../escape", bytes.NewReader([]byte("nope")))
	assert.Error(t, err)
	_, err = store.Get("a/b")
	assert.Error(t, err)
}

func TestBlobStoreRebuildsUsageOnRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalBlobStore(dir)
	require.NoError(t, err)
	_, err = store.Put("file-1", bytes.NewReader([]byte("persisted")))
	require.NoError(t, err)

	// Leftover temp files from a crashed write are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".file-2.tmp-123"), []byte("junk"), 0o644))

	reopened, err := NewLocalBlobStore(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(len("persisted")), reopened.UsedBytes())
	assert.Equal(t, 1, reopened.Count())
}

func TestHandlerStoreRetrieveChecksumDelete(t *testing.T) {
	a := testAgent(t, "http://unused")
	h := a.Handler()

	data := []byte("over the wire")

	req := httptest.NewRequest(http.MethodPost, "/store/file-1", bytes.NewReader(data))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/retrieve/file-1", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, data, w.Body.Bytes())

	req = httptest.NewRequest(http.MethodGet, "/checksum/file-1", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var sumResp struct {
		Checksum string `json:"checksum"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sumResp))
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), sumResp.Checksum)

	req = httptest.NewRequest(http.MethodDelete, "/delete/file-1", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/retrieve/file-1", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	req = httptest.NewRequest(http.MethodDelete, "/delete/file-1", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlerStats(t *testing.T) {
	a := testAgent(t, "http://unused")
	h := a.Handler()

	req := httptest.NewRequest(http.MethodPost, "/store/file-1", bytes.NewReader([]byte("12345")))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var stats struct {
		NodeID    string `json:"node_id"`
		UsedSpace int64  `json:"used_space"`
		Replicas  int    `json:"replicas"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, "node-test", stats.NodeID)
	assert.Equal(t, int64(5), stats.UsedSpace)
	assert.Equal(t, 1, stats.Replicas)
}

func TestRegisterRetriesUntilControllerUp(t *testing.T) {
	var calls atomic.Int32
	controller := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer controller.Close()

	a := testAgent(t, controller.URL)
	require.NoError(t, a.Register(context.Background()))
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestRegisterTreatsConflictAsSuccess(t *testing.T) {
	controller := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer controller.Close()

	a := testAgent(t, controller.URL)
	assert.NoError(t, a.Register(context.Background()))
}

func TestHeartbeatReRegistersWhenForgotten(t *testing.T) {
	var registered atomic.Bool
	controller := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/nodes/register" {
			registered.Store(true)
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer controller.Close()

	a := testAgent(t, controller.URL)
	require.NoError(t, a.heartbeat(context.Background()))
	assert.True(t, registered.Load())
}
