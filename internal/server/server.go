package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"driftfs/internal/nodeclient"
	"driftfs/pkg/errdefs"
	"driftfs/pkg/logging"
	"driftfs/pkg/metadata"
	"driftfs/pkg/metrics"
	"driftfs/pkg/registry"
	"driftfs/pkg/replication"
	"driftfs/pkg/router"
)

// maxUploadBytes bounds the multipart body read into memory per upload.
const maxUploadBytes = 256 << 20

// Server is the controller's HTTP surface: client file operations, node
// lifecycle endpoints, and health/metrics.
type Server struct {
	engine     *gin.Engine
	store      metadata.Store
	registry   *registry.Registry
	router     *router.Router
	reconciler *replication.Reconciler
	clients    nodeclient.Manager
	logger     *logging.Logger

	replicationFactor int
}

type Config struct {
	Store             metadata.Store
	Registry          *registry.Registry
	Router            *router.Router
	Reconciler        *replication.Reconciler
	Clients           nodeclient.Manager
	Logger            *logging.Logger
	ReplicationFactor int
}

func New(cfg Config) *Server {
	s := &Server{
		engine:            gin.New(),
		store:             cfg.Store,
		registry:          cfg.Registry,
		router:            cfg.Router,
		reconciler:        cfg.Reconciler,
		clients:           cfg.Clients,
		logger:            cfg.Logger,
		replicationFactor: cfg.ReplicationFactor,
	}
	s.engine.Use(gin.Recovery())
	s.engine.Use(MetricsMiddleware("controller"))
	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) setupRoutes() {
	// File operations
	s.engine.POST("/files/upload", s.handleUpload)
	s.engine.GET("/files", s.handleListFiles)
	s.engine.GET("/files/:file_id", s.handleDownload)
	s.engine.DELETE("/files/:file_id", s.handleDelete)

	// Node lifecycle
	s.engine.POST("/nodes/register", s.handleRegisterNode)
	s.engine.POST("/nodes/:node_id/heartbeat", s.handleHeartbeat)
	s.engine.DELETE("/nodes/:node_id", s.handleDecommission)
	s.engine.GET("/nodes", s.handleListNodes)

	// Health and monitoring
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/system/health", s.handleSystemHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *Server) handleUpload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'file' is required"})
		return
	}
	if fileHeader.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	src, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, maxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read upload"})
		return
	}
	if int64(len(data)) > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	result, err := s.router.Upload(c.Request.Context(), fileHeader.Filename, data)
	if err != nil {
		switch {
		case errors.Is(err, errdefs.ErrInsufficientNodes):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no storage nodes available"})
		case errors.Is(err, errdefs.ErrQuorumNotReached):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "write quorum not reached"})
		default:
			s.logger.Error("upload failed", zap.String("filename", fileHeader.Filename), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"file_id":          result.File.FileID,
		"filename":         result.File.Filename,
		"size":             result.File.Size,
		"checksum":         result.File.Checksum,
		"nodes":            result.Nodes,
		"under_replicated": result.UnderReplicated,
	})
}

type fileListEntry struct {
	FileID    string `json:"file_id"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	Checksum  string `json:"checksum"`
	Replicas  int    `json:"replicas"`
	Lost      bool   `json:"lost"`
	IsDeleted bool   `json:"is_deleted"`
	CreatedAt string `json:"created_at"`
}

// handleListFiles lists all files, soft-deleted ones included; a deleted
// file stays visible with is_deleted set until reconciliation purges it.
func (s *Server) handleListFiles(c *gin.Context) {
	ctx := c.Request.Context()
	files, err := s.store.ListFiles(ctx, true)
	if err != nil {
		s.logger.Error("file listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing failed"})
		return
	}

	lost := s.reconciler.LostFiles()
	out := make([]fileListEntry, 0, len(files))
	for _, f := range files {
		locs, err := s.store.Locations(ctx, f.FileID)
		if err != nil {
			s.logger.Error("location lookup failed", zap.String("fileID", f.FileID), zap.Error(err))
			continue
		}
		out = append(out, fileListEntry{
			FileID:    f.FileID,
			Filename:  f.Filename,
			Size:      f.Size,
			Checksum:  f.Checksum,
			Replicas:  len(locs),
			Lost:      lost[f.FileID],
			IsDeleted: f.IsDeleted,
			CreatedAt: f.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })

	c.JSON(http.StatusOK, gin.H{"files": out, "count": len(out)})
}

func (s *Server) handleDownload(c *gin.Context) {
	fileID := c.Param("file_id")

	file, data, err := s.router.Download(c.Request.Context(), fileID)
	if err != nil {
		switch {
		// Replica exhaustion surfaces as ErrFileNotFound with the transport
		// or checksum cause wrapped underneath.
		case errors.Is(err, errdefs.ErrFileNotFound), errors.Is(err, errdefs.ErrFileDeleted):
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		default:
			s.logger.Error("download failed", zap.String("fileID", fileID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "download failed"})
		}
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (s *Server) handleDelete(c *gin.Context) {
	fileID := c.Param("file_id")

	if err := s.router.Delete(c.Request.Context(), fileID); err != nil {
		if errors.Is(err, errdefs.ErrFileNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
			return
		}
		s.logger.Error("delete failed", zap.String("fileID", fileID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}

	// Replica removal is asynchronous; the file is already invisible.
	c.JSON(http.StatusAccepted, gin.H{"file_id": fileID, "status": "deleting"})
}

type registerRequest struct {
	NodeID   string `json:"node_id" binding:"required"`
	Address  string `json:"address" binding:"required"`
	Capacity int64  `json:"capacity" binding:"required,gt=0"`
}

func (s *Server) handleRegisterNode(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.registry.Register(c.Request.Context(), req.NodeID, req.Address, req.Capacity); err != nil {
		if errors.Is(err, errdefs.ErrDuplicateNode) {
			c.JSON(http.StatusConflict, gin.H{"error": "node already registered"})
			return
		}
		s.logger.Error("node registration failed", zap.String("nodeID", req.NodeID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"node_id": req.NodeID, "status": "registered"})
}

type heartbeatRequest struct {
	UsedSpace int64 `json:"used_space"`
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	nodeID := c.Param("node_id")

	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.registry.Heartbeat(c.Request.Context(), nodeID, req.UsedSpace); err != nil {
		if errors.Is(err, errdefs.ErrUnknownNode) {
			// Unknown node must re-register before heartbeating.
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown node"})
			return
		}
		s.logger.Error("heartbeat failed", zap.String("nodeID", nodeID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "heartbeat failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"node_id": nodeID, "status": "ok"})
}

func (s *Server) handleDecommission(c *gin.Context) {
	nodeID := c.Param("node_id")

	if err := s.registry.Decommission(c.Request.Context(), nodeID); err != nil {
		if errors.Is(err, errdefs.ErrUnknownNode) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown node"})
			return
		}
		s.logger.Error("decommission failed", zap.String("nodeID", nodeID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "decommission failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"node_id": nodeID, "status": "decommissioned"})
}

type nodeListEntry struct {
	NodeID        string  `json:"node_id"`
	Address       string  `json:"address"`
	State         string  `json:"state"`
	Capacity      int64   `json:"capacity"`
	UsedSpace     int64   `json:"used_space"`
	FreeFraction  float64 `json:"free_fraction"`
	LastHeartbeat string  `json:"last_heartbeat"`
	CircuitState  string  `json:"circuit_state"`
}

func (s *Server) handleListNodes(c *gin.Context) {
	snapshot := s.registry.Snapshot()

	out := make([]nodeListEntry, 0, len(snapshot))
	for _, n := range snapshot {
		out = append(out, nodeListEntry{
			NodeID:        n.NodeID,
			Address:       n.Address,
			State:         n.State,
			Capacity:      n.Capacity,
			UsedSpace:     n.UsedSpace,
			FreeFraction:  n.FreeFraction(),
			LastHeartbeat: n.LastHeartbeat.Format("2006-01-02T15:04:05Z07:00"),
			CircuitState:  s.clients.CircuitState(n.NodeID),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })

	c.JSON(http.StatusOK, gin.H{"nodes": out, "count": len(out)})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "controller"})
}

// handleSystemHealth summarizes cluster state: node liveness counts, lost
// files, and an overall health score.
func (s *Server) handleSystemHealth(c *gin.Context) {
	snapshot := s.registry.Snapshot()

	counts := map[string]int{}
	for _, n := range snapshot {
		counts[n.State]++
	}

	lost := len(s.reconciler.LostFiles())
	total := len(snapshot)
	score := 0.0
	if total > 0 {
		score = float64(counts["active"]) / float64(total)
	}
	metrics.ClusterHealth.Set(score)

	status := "healthy"
	switch {
	case lost > 0 || counts["active"] == 0:
		status = "unhealthy"
	case counts["active"] < s.replicationFactor:
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":             status,
		"health_score":       score,
		"nodes_total":        total,
		"nodes_active":       counts["active"],
		"nodes_suspected":    counts["suspected"],
		"nodes_inactive":     counts["inactive"],
		"nodes_registered":   counts["registered"],
		"lost_files":         lost,
		"replication_factor": s.replicationFactor,
	})
}
