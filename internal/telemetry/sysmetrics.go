package telemetry

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	gopsnet "github.com/shirou/gopsutil/v4/net"

	api "helmsman/pkg/api/helmsman"
)

// SystemCollector samples host-level metrics for the system:metrics payload.
type SystemCollector struct {
	diskPath string
	now      func() time.Time
}

// NewSystemCollector creates a collector reporting disk usage for the given
// mount path.
func NewSystemCollector(diskPath string) *SystemCollector {
	if diskPath == "" {
		diskPath = "/"
	}
	return &SystemCollector{diskPath: diskPath, now: time.Now}
}

// Collect gathers a best-effort host snapshot. A failing probe leaves its
// section zeroed instead of failing the whole sample.
func (sc *SystemCollector) Collect() api.SystemMetrics {
	m := api.SystemMetrics{
		Timestamp: sc.now().UTC().Format(time.RFC3339),
	}

	m.CPU.Cores = runtime.NumCPU()
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.CPU.UsagePercent = percents[0]
	}
	if avg, err := load.Avg(); err == nil {
		m.CPU.Load1 = avg.Load1
		m.CPU.Load5 = avg.Load5
		m.CPU.Load15 = avg.Load15
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		m.Memory = api.MemoryMetrics{
			TotalBytes:  vm.Total,
			UsedBytes:   vm.Used,
			UsedPercent: vm.UsedPercent,
		}
	}

	if du, err := disk.Usage(sc.diskPath); err == nil {
		m.Disk = api.DiskMetrics{
			Path:        sc.diskPath,
			TotalBytes:  du.Total,
			UsedBytes:   du.Used,
			UsedPercent: du.UsedPercent,
		}
	}

	if counters, err := gopsnet.IOCounters(false); err == nil && len(counters) > 0 {
		m.Network = api.NetworkMetrics{
			BytesSent:   counters[0].BytesSent,
			BytesRecv:   counters[0].BytesRecv,
			PacketsSent: counters[0].PacketsSent,
			PacketsRecv: counters[0].PacketsRecv,
		}
	}

	return m
}
