package monitor

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// GPUStats is one utilization sample. Memory values are in MiB.
type GPUStats struct {
	Load        float64 // 0.0 - 1.0
	MemoryTotal float64
	MemoryUsed  float64
}

// GPUStatsFunc receives one GPU sample.
type GPUStatsFunc func(stats GPUStats)

// GPUMonitor polls nvidia-smi for the configured GPU. Hosts without the
// tool simply never produce samples; the monitor keeps retrying quietly.
type GPUMonitor struct {
	GPUID   int
	Period  time.Duration
	OnStats GPUStatsFunc
}

func NewGPUMonitor(gpuID int, period time.Duration, onStats GPUStatsFunc) *GPUMonitor {
	if period < time.Second {
		period = time.Second
	}
	return &GPUMonitor{GPUID: gpuID, Period: period, OnStats: onStats}
}

func (m *GPUMonitor) Run(ctx context.Context) {
	log.Info("gpu monitor started", "gpu", m.GPUID, "period", m.Period)
	defer log.Info("gpu monitor stopped")

	ticker := time.NewTicker(m.Period)
	defer ticker.Stop()

	warned := false
	for {
		stats, err := m.sample(ctx)
		if err != nil {
			if !warned {
				log.Warn("gpu stats unavailable", "gpu", m.GPUID, "error", err)
				warned = true
			}
		} else if m.OnStats != nil {
			m.OnStats(stats)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *GPUMonitor) sample(ctx context.Context) (GPUStats, error) {
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=utilization.gpu,memory.total,memory.used",
		"--format=csv,noheader,nounits",
		"-i", strconv.Itoa(m.GPUID))
	out, err := cmd.Output()
	if err != nil {
		return GPUStats{}, err
	}
	return parseGPUSample(string(out))
}

func parseGPUSample(line string) (GPUStats, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != 3 {
		return GPUStats{}, fmt.Errorf("unexpected nvidia-smi output: %q", line)
	}
	util, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	if err != nil {
		return GPUStats{}, err
	}
	total, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return GPUStats{}, err
	}
	used, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	if err != nil {
		return GPUStats{}, err
	}
	return GPUStats{Load: util / 100.0, MemoryTotal: total, MemoryUsed: used}, nil
}
