// Package diagnostics collects periodic host resource snapshots for
// operational visibility of the process hosting the transport endpoint.
// These numbers never ride the wire protocol; they exist purely so an
// operator can correlate a degraded transfer with host-level pressure.
package diagnostics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot holds the most recently collected host metrics.
type Snapshot struct {
	CPUPercent  float64
	MemoryPercent float64
	LoadAverage float64
}

// Monitor collects Snapshots on a fixed interval in its own goroutine.
type Monitor struct {
	logger   *slog.Logger
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu   sync.RWMutex
	last Snapshot
}

// New creates a Monitor that samples the host every interval.
func New(logger *slog.Logger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		logger:   logger.With("component", "diagnostics"),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic collection in a background goroutine.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop halts collection and waits for the goroutine to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Snapshot returns the most recently collected sample.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *Monitor) run() {
	defer m.wg.Done()

	m.collect()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	var snap Snapshot

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		snap.CPUPercent = pcts[0]
	} else if err != nil {
		m.logger.Debug("cpu.Percent failed", "error", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryPercent = vm.UsedPercent
	} else {
		m.logger.Debug("mem.VirtualMemory failed", "error", err)
	}

	if avg, err := load.Avg(); err == nil {
		snap.LoadAverage = avg.Load1
	} else {
		m.logger.Debug("load.Avg failed", "error", err)
	}

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()
}
