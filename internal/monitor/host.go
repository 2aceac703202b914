package monitor

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// HostStats is the host load published with each status snapshot
type HostStats struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	MemoryUsed  uint64  `json:"memory_used_bytes"`
}

// ReadHostStats samples CPU usage since the previous call and current memory usage.
func ReadHostStats() (HostStats, error) {
	var stats HostStats

	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		return stats, err
	}
	if len(cpuPercent) > 0 {
		stats.CPUUsage = cpuPercent[0]
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return stats, err
	}
	stats.MemoryUsage = memInfo.UsedPercent
	stats.MemoryUsed = memInfo.Used
	return stats, nil
}

// HostSource is a StatusSource reporting host CPU and memory. Failures are logged and
// reported as an error string in the snapshot.
func HostSource(logger *zap.Logger) StatusSource {
	logger = logger.Named("host")
	return func() interface{} {
		stats, err := ReadHostStats()
		if err != nil {
			logger.Error("Failed to read host stats", zap.Error(err))
			return map[string]string{"error": err.Error()}
		}
		return stats
	}
}
