package hostinfo

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// gpuProbeTimeout bounds the nvidia-smi invocation. The tool can hang when
// the driver is mid-reset; a stuck probe must not block registration.
const gpuProbeTimeout = 10 * time.Second

// nvidiaSMIQuery asks for one CSV row per device, no header, no units.
var nvidiaSMIArgs = []string{
	"--query-gpu=name,memory.total,memory.used,memory.free,utilization.gpu",
	"--format=csv,noheader,nounits",
}

// collectGPUs enumerates graphics devices. NVIDIA's CLI is tried first; when
// it is absent or fails the result is a single zero-valued placeholder so
// the registration schema stays stable for GPU-less hosts.
func (c *Collector) collectGPUs(ctx context.Context) []GPU {
	if gpus := c.collectNvidia(ctx); len(gpus) > 0 {
		return gpus
	}
	return []GPU{{Name: "none", Vendor: "unknown"}}
}

func (c *Collector) collectNvidia(ctx context.Context) []GPU {
	ctx, cancel := context.WithTimeout(ctx, gpuProbeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi", nvidiaSMIArgs...).Output()
	if err != nil {
		c.logger.Debug("nvidia-smi unavailable", zap.Error(err))
		return nil
	}

	var gpus []GPU
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		gpu, ok := parseNvidiaLine(line)
		if !ok {
			c.logger.Debug("unparseable nvidia-smi line", zap.String("line", line))
			continue
		}
		gpus = append(gpus, gpu)
	}
	return gpus
}

// parseNvidiaLine decodes one CSV row:
//
//	NVIDIA GeForce RTX 4090, 24564, 1024, 23540, 3
func parseNvidiaLine(line string) (GPU, bool) {
	fields := strings.Split(line, ",")
	if len(fields) != 5 {
		return GPU{}, false
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	gpu := GPU{Name: fields[0], Vendor: "nvidia"}
	if gpu.Name == "" {
		return GPU{}, false
	}

	// Memory figures degrade to zero individually; a partial row is still
	// worth reporting.
	gpu.VRAMTotalMB, _ = strconv.ParseUint(fields[1], 10, 64)
	gpu.VRAMUsedMB, _ = strconv.ParseUint(fields[2], 10, 64)
	gpu.VRAMFreeMB, _ = strconv.ParseUint(fields[3], 10, 64)
	gpu.Utilization, _ = strconv.ParseFloat(fields[4], 64)
	return gpu, true
}
