// Package hostinfo samples CPU, RAM, GPU and disk facts for registration and
// heartbeat payloads. Collection is best-effort throughout: every field has
// a defined default so the registration JSON is always well-formed even when
// an individual probe fails.
package hostinfo

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// GPU describes one graphics device. VRAM figures are megabytes.
type GPU struct {
	Name        string  `json:"name"`
	VRAMTotalMB uint64  `json:"vram_total_mb"`
	VRAMUsedMB  uint64  `json:"vram_used_mb"`
	VRAMFreeMB  uint64  `json:"vram_free_mb"`
	Utilization float64 `json:"utilization"`
	Vendor      string  `json:"vendor"`
}

// Mount describes one filesystem mount point.
type Mount struct {
	Path       string `json:"path"`
	TotalBytes uint64 `json:"total_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
}

// Facts is a point-in-time snapshot of the host.
type Facts struct {
	OS            string  `json:"os"`
	Arch          string  `json:"arch"`
	Processor     string  `json:"processor"`
	PhysicalCores int     `json:"physical_cores"`
	LogicalCores  int     `json:"logical_cores"`
	RAMGB         float64 `json:"ram_gb"`
	GPUs          []GPU   `json:"gpus"`
	Mounts        []Mount `json:"mounts"`
}

// Collector samples host facts.
type Collector struct {
	logger *zap.Logger
}

// NewCollector creates a Collector.
func NewCollector(logger *zap.Logger) *Collector {
	return &Collector{logger: logger.Named("hostinfo")}
}

// Collect gathers a snapshot. Individual probe failures degrade to sentinel
// values and are logged at debug level; Collect itself never fails.
func (c *Collector) Collect(ctx context.Context) Facts {
	facts := Facts{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		facts.Processor = infos[0].ModelName
	} else if err != nil {
		c.logger.Debug("cpu info unavailable", zap.Error(err))
	}

	if n, err := cpu.CountsWithContext(ctx, false); err == nil {
		facts.PhysicalCores = n
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		facts.LogicalCores = n
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		facts.RAMGB = float64(vm.Total) / (1 << 30)
	} else {
		c.logger.Debug("memory info unavailable", zap.Error(err))
	}

	facts.GPUs = c.collectGPUs(ctx)
	facts.Mounts = c.collectMounts(ctx)
	return facts
}

// collectMounts walks the physical partitions. Virtual filesystems are
// excluded by gopsutil when all=false.
func (c *Collector) collectMounts(ctx context.Context) []Mount {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		c.logger.Debug("disk partitions unavailable", zap.Error(err))
		return nil
	}

	mounts := make([]Mount, 0, len(parts))
	for _, p := range parts {
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			continue
		}
		mounts = append(mounts, Mount{
			Path:       p.Mountpoint,
			TotalBytes: usage.Total,
			FreeBytes:  usage.Free,
		})
	}
	return mounts
}

// Registration flattens a snapshot into the control plane's machine
// registration schema. endpoint is the public tunnel URL (may be empty
// while the tunnel is still connecting).
type Registration struct {
	GPU           string  `json:"gpu"`
	VRAMGB        float64 `json:"vram"`
	CPU           string  `json:"cpu"`
	RAMGB         float64 `json:"ram"`
	TotalDiskGB   float64 `json:"total_disk"`
	AvailableDisk float64 `json:"available_disk"`
	Endpoint      string  `json:"endpoint"`
	Timestamp     int64   `json:"timestamp"`
}

// Registration builds the registration payload from a snapshot.
func (f Facts) Registration(endpoint string) Registration {
	reg := Registration{
		CPU:       f.Processor,
		RAMGB:     f.RAMGB,
		Endpoint:  endpoint,
		Timestamp: time.Now().UnixMilli(),
	}
	if reg.CPU == "" {
		reg.CPU = f.OS + "/" + f.Arch
	}

	if len(f.GPUs) > 0 {
		reg.GPU = f.GPUs[0].Name
		reg.VRAMGB = float64(f.GPUs[0].VRAMTotalMB) / 1024
	}

	var total, free uint64
	for _, m := range f.Mounts {
		total += m.TotalBytes
		free += m.FreeBytes
	}
	reg.TotalDiskGB = float64(total) / (1 << 30)
	reg.AvailableDisk = float64(free) / (1 << 30)
	return reg
}
