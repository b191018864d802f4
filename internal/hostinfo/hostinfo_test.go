package hostinfo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseNvidiaLine(t *testing.T) {
	gpu, ok := parseNvidiaLine("NVIDIA GeForce RTX 4090, 24564, 1024, 23540, 3")
	require.True(t, ok)
	require.Equal(t, "NVIDIA GeForce RTX 4090", gpu.Name)
	require.Equal(t, "nvidia", gpu.Vendor)
	require.Equal(t, uint64(24564), gpu.VRAMTotalMB)
	require.Equal(t, uint64(1024), gpu.VRAMUsedMB)
	require.Equal(t, uint64(23540), gpu.VRAMFreeMB)
	require.Equal(t, 3.0, gpu.Utilization)

	gpu, ok = parseNvidiaLine("Tesla T4, [N/A], 100, 200, 50")
	require.True(t, ok, "partial rows still report")
	require.Zero(t, gpu.VRAMTotalMB)

	_, ok = parseNvidiaLine("garbage line")
	require.False(t, ok)
	_, ok = parseNvidiaLine(", 1, 2, 3, 4")
	require.False(t, ok, "nameless device refused")
}

func TestRegistrationFromFacts(t *testing.T) {
	facts := Facts{
		OS:        "linux",
		Arch:      "amd64",
		Processor: "AMD EPYC 7B13",
		RAMGB:     64,
		GPUs: []GPU{
			{Name: "NVIDIA GeForce RTX 4090", VRAMTotalMB: 24576},
			{Name: "second", VRAMTotalMB: 8192},
		},
		Mounts: []Mount{
			{Path: "/", TotalBytes: 100 << 30, FreeBytes: 40 << 30},
			{Path: "/data", TotalBytes: 200 << 30, FreeBytes: 150 << 30},
		},
	}

	reg := facts.Registration("https://abc.trycloudflare.com")
	require.Equal(t, "NVIDIA GeForce RTX 4090", reg.GPU, "first device wins")
	require.Equal(t, 24.0, reg.VRAMGB)
	require.Equal(t, "AMD EPYC 7B13", reg.CPU)
	require.Equal(t, 64.0, reg.RAMGB)
	require.Equal(t, 300.0, reg.TotalDiskGB)
	require.Equal(t, 190.0, reg.AvailableDisk)
	require.Equal(t, "https://abc.trycloudflare.com", reg.Endpoint)
	require.NotZero(t, reg.Timestamp)
}

func TestRegistrationDefaults(t *testing.T) {
	facts := Facts{OS: "linux", Arch: "arm64"}
	reg := facts.Registration("")
	require.Equal(t, "linux/arm64", reg.CPU, "processor falls back to platform")
	require.Empty(t, reg.GPU)
	require.Zero(t, reg.VRAMGB)
	require.Empty(t, reg.Endpoint)
}

func TestCollectNeverFails(t *testing.T) {
	c := NewCollector(zap.NewNop())
	facts := c.Collect(context.Background())
	require.NotEmpty(t, facts.OS)
	require.NotEmpty(t, facts.Arch)
	require.NotEmpty(t, facts.GPUs, "GPU-less hosts still report a placeholder device")
}
