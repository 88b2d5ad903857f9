package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

var (
	SystemCPUPercent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "system_cpu_percent",
		Help: "Host CPU utilization percentage",
	}, []string{"service"})

	SystemMemoryUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "system_memory_used_bytes",
		Help: "Host memory in use in bytes",
	}, []string{"service"})

	SystemDiskUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "system_disk_used_bytes",
		Help: "Used bytes on the filesystem backing the data path",
	}, []string{"service"})

	SystemTCPConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "system_tcp_connections",
		Help: "Established TCP connections on the host",
	}, []string{"service"})
)

// RunSystemCollector samples host-level saturation metrics until the context
// is cancelled. path is the filesystem whose usage is reported (the data
// directory for nodes, the working directory for the controller).
func RunSystemCollector(ctx context.Context, service, path string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collectSystem(ctx, service, path)
		}
	}
}

func collectSystem(ctx context.Context, service, path string) {
	sampleCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if cpuPercent, err := cpu.PercentWithContext(sampleCtx, time.Second, false); err == nil && len(cpuPercent) > 0 {
		SystemCPUPercent.WithLabelValues(service).Set(cpuPercent[0])
	}

	if vmStat, err := mem.VirtualMemoryWithContext(sampleCtx); err == nil {
		SystemMemoryUsedBytes.WithLabelValues(service).Set(float64(vmStat.Used))
	}

	if diskStat, err := disk.UsageWithContext(sampleCtx, path); err == nil {
		SystemDiskUsedBytes.WithLabelValues(service).Set(float64(diskStat.Used))
	}

	if connections, err := net.ConnectionsWithContext(sampleCtx, "tcp"); err == nil {
		established := 0
		for _, conn := range connections {
			if conn.Status == "ESTABLISHED" {
				established++
			}
		}
		SystemTCPConnections.WithLabelValues(service).Set(float64(established))
	}
}
