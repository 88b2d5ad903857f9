package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 1. TRAFFIC (Request Volume)
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "endpoint", "status_code", "service"})

	DataTransferBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "data_transfer_bytes_total",
		Help: "Total bytes transferred",
	}, []string{"operation", "service"})
)

// 2. LATENCY (Response Time)
var (
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	}, []string{"method", "endpoint", "service"})

	ReconcilePassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconcile_pass_duration_seconds",
		Help:    "Replication reconciliation pass duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
	})
)

// 3. ERRORS (Error Rate)
var (
	HTTPErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_errors_total",
		Help: "Total number of HTTP errors",
	}, []string{"method", "endpoint", "status_code", "error_type", "service"})

	NodeTransportErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "node_transport_errors_total",
		Help: "Total number of failed calls to storage nodes",
	}, []string{"operation", "node_id"})
)

// 4. SATURATION / CLUSTER STATE
var (
	NodeAvailability = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "node_availability",
		Help: "Node availability (0=inactive, 1=active or suspected)",
	}, []string{"node_id"})

	ClusterHealth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cluster_health_score",
		Help: "Overall cluster health score (0-1, 1=healthy)",
	})

	NodeUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "node_used_bytes",
		Help: "Used storage per node in bytes",
	}, []string{"node_id"})
)

// Replication state
var (
	ReplicaRepairsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replica_repairs_total",
		Help: "Total number of replicas copied by the reconciler",
	})

	UnderReplicatedFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "under_replicated_files",
		Help: "Files with fewer healthy replicas than the replication factor",
	})

	LostFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lost_files",
		Help: "Files with zero healthy replicas",
	})
)

// File operations
var (
	FileUploadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "file_uploads_total",
		Help: "Total number of file uploads",
	})

	FileDownloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "file_downloads_total",
		Help: "Total number of file downloads",
	})

	FileDeletionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "file_deletions_total",
		Help: "Total number of file deletions",
	})
)
