// Package monitoring samples process and host resource usage for the health
// endpoint.
package monitoring

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStats tracks CPU and memory usage with smoothed sampling.
type SystemStats struct {
	mu         sync.RWMutex
	cpuPercent float64
	memStats   runtime.MemStats
	hostMemPct float64
	startedAt  time.Time
}

func NewSystemStats() *SystemStats {
	return &SystemStats{startedAt: time.Now()}
}

// Run samples at the given interval until stop is closed.
func (s *SystemStats) Run(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.sample()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *SystemStats) sample() {
	// cpu.Percent with zero interval compares against the previous call.
	percents, err := cpu.Percent(0, false)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil && len(percents) > 0 {
		// Exponential moving average to smooth spikes.
		if s.cpuPercent == 0 {
			s.cpuPercent = percents[0]
		} else {
			s.cpuPercent = 0.3*percents[0] + 0.7*s.cpuPercent
		}
	}
	runtime.ReadMemStats(&s.memStats)
	if vm, err := mem.VirtualMemory(); err == nil {
		s.hostMemPct = vm.UsedPercent
	}
}

// Snapshot returns the health payload fields.
func (s *SystemStats) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"cpu": map[string]any{
			"cores":   runtime.NumCPU(),
			"percent": s.cpuPercent,
		},
		"memory": map[string]any{
			"heap_alloc_mb":    float64(s.memStats.HeapAlloc) / 1024 / 1024,
			"sys_total_mb":     float64(s.memStats.Sys) / 1024 / 1024,
			"gc_count":         s.memStats.NumGC,
			"host_used_percent": s.hostMemPct,
		},
		"runtime": map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"go_version": runtime.Version(),
		},
	}
}
