// Package monitor samples host CPU/memory and GPU load and pushes the
// readings into the active session's data channel.
package monitor

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/driftdesk/streamer/internal/logging"
)

var log = logging.L("monitor")

// SystemStatsFunc receives one CPU/memory sample.
type SystemStatsFunc func(cpuPercent float64, memTotal, memUsed uint64)

// SystemMonitor samples gopsutil once per period.
type SystemMonitor struct {
	Period  time.Duration
	OnStats SystemStatsFunc
}

func NewSystemMonitor(period time.Duration, onStats SystemStatsFunc) *SystemMonitor {
	if period < time.Second {
		period = time.Second
	}
	return &SystemMonitor{Period: period, OnStats: onStats}
}

func (m *SystemMonitor) Run(ctx context.Context) {
	log.Info("system monitor started", "period", m.Period)
	defer log.Info("system monitor stopped")

	ticker := time.NewTicker(m.Period)
	defer ticker.Stop()

	for {
		percents, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil {
			log.Warn("cpu sample failed", "error", err)
		}
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			log.Warn("memory sample failed", "error", err)
		}

		if m.OnStats != nil && len(percents) > 0 && vm != nil {
			m.OnStats(percents[0], vm.Total, vm.Used)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
