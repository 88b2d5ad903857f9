package agent

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"

	"driftfs/internal/server"
	"driftfs/pkg/errdefs"
	"driftfs/pkg/metrics"
)

// Handler builds the agent's HTTP surface. It is an internal API; only the
// controller is expected to call it.
func (a *Agent) Handler() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(server.MetricsMiddleware("node-" + a.cfg.NodeID))

	engine.POST("/store/:file_id", a.handleStore)
	engine.GET("/retrieve/:file_id", a.handleRetrieve)
	engine.DELETE("/delete/:file_id", a.handleDelete)
	engine.GET("/checksum/:file_id", a.handleChecksum)
	engine.GET("/health", a.handleHealth)
	engine.GET("/stats", a.handleStats)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return engine
}

func (a *Agent) handleStore(c *gin.Context) {
	fileID := c.Param("file_id")

	written, err := a.store.Put(fileID, c.Request.Body)
	if err != nil {
		a.logger.Error("replica store failed", zap.String("fileID", fileID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failed"})
		return
	}

	metrics.NodeUsedBytes.WithLabelValues(a.cfg.NodeID).Set(float64(a.store.UsedBytes()))
	a.logger.Debug("replica stored", zap.String("fileID", fileID), zap.Int64("size", written))
	c.JSON(http.StatusCreated, gin.H{"file_id": fileID, "size": written})
}

func (a *Agent) handleRetrieve(c *gin.Context) {
	fileID := c.Param("file_id")

	f, err := a.store.Get(fileID)
	if err != nil {
		if errors.Is(err, errdefs.ErrFileNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "replica not found"})
			return
		}
		a.logger.Error("replica read failed", zap.String("fileID", fileID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read failed"})
		return
	}
	defer f.Close()

	c.Header("Content-Type", "application/octet-stream")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, f); err != nil {
		a.logger.Warn("replica stream interrupted", zap.String("fileID", fileID), zap.Error(err))
	}
}

func (a *Agent) handleDelete(c *gin.Context) {
	fileID := c.Param("file_id")

	if err := a.store.Delete(fileID); err != nil {
		if errors.Is(err, errdefs.ErrFileNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "replica not found"})
			return
		}
		a.logger.Error("replica delete failed", zap.String("fileID", fileID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}

	metrics.NodeUsedBytes.WithLabelValues(a.cfg.NodeID).Set(float64(a.store.UsedBytes()))
	c.JSON(http.StatusOK, gin.H{"file_id": fileID, "status": "deleted"})
}

func (a *Agent) handleChecksum(c *gin.Context) {
	fileID := c.Param("file_id")

	sum, err := a.store.Checksum(fileID)
	if err != nil {
		if errors.Is(err, errdefs.ErrFileNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "replica not found"})
			return
		}
		a.logger.Error("replica checksum failed", zap.String("fileID", fileID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "checksum failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"file_id": fileID, "checksum": sum})
}

func (a *Agent) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "node_id": a.cfg.NodeID})
}

func (a *Agent) handleStats(c *gin.Context) {
	stats := gin.H{
		"node_id":    a.cfg.NodeID,
		"capacity":   a.capacity,
		"used_space": a.store.UsedBytes(),
		"replicas":   a.store.Count(),
	}
	if usage, err := disk.Usage(a.cfg.StoragePath); err == nil {
		stats["disk_free"] = usage.Free
		stats["disk_used_percent"] = usage.UsedPercent
	}
	c.JSON(http.StatusOK, stats)
}
