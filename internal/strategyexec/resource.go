package strategyexec

import (
	"sync"
	"time"

	"github.com/atlas-desktop/tradecore/pkg/types"
	"github.com/prometheus/procfs"
	"go.uber.org/zap"
)

// Sampler reports the current process's CPU utilization (0-100) and RSS in
// bytes. Pluggable so the resource monitor is testable without touching a
// real process.
type Sampler func() (cpuPercent float64, rssBytes uint64, err error)

// NewProcfsSampler builds a Sampler backed by /proc/self, tracking CPU-time
// deltas between samples to approximate a percentage the way `top` does.
func NewProcfsSampler() Sampler {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return func() (float64, uint64, error) { return 0, 0, err }
	}

	var mu sync.Mutex
	var lastCPU float64
	var lastAt time.Time

	return func() (float64, uint64, error) {
		proc, err := fs.Self()
		if err != nil {
			return 0, 0, err
		}
		stat, err := proc.Stat()
		if err != nil {
			return 0, 0, err
		}

		mu.Lock()
		defer mu.Unlock()
		now := time.Now()
		cpuSeconds := stat.CPUTime()
		rss := uint64(stat.ResidentMemory())

		var percent float64
		if !lastAt.IsZero() {
			elapsed := now.Sub(lastAt).Seconds()
			if elapsed > 0 {
				percent = ((cpuSeconds - lastCPU) / elapsed) * 100
			}
		}
		lastCPU = cpuSeconds
		lastAt = now
		return percent, rss, nil
	}
}

// ResourceMonitor samples process CPU/RSS on an interval and applies a
// configured policy when thresholds are exceeded (spec §4.5 "Resource
// controls").
type ResourceMonitor struct {
	logger  *zap.Logger
	cfg     types.KillSwitchConfig
	sample  Sampler
	onBreach func(policy string)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewResourceMonitor constructs a monitor. onBreach is invoked with the
// configured policy string whenever a threshold is exceeded.
func NewResourceMonitor(logger *zap.Logger, cfg types.KillSwitchConfig, sample Sampler, onBreach func(policy string)) *ResourceMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sample == nil {
		sample = NewProcfsSampler()
	}
	interval := cfg.SampleInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	cfg.SampleInterval = interval
	return &ResourceMonitor{
		logger:   logger.Named("resource-monitor"),
		cfg:      cfg,
		sample:   sample,
		onBreach: onBreach,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (m *ResourceMonitor) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop halts the sampling loop.
func (m *ResourceMonitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *ResourceMonitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkOnce()
		}
	}
}

func (m *ResourceMonitor) checkOnce() {
	cpuPercent, rss, err := m.sample()
	if err != nil {
		m.logger.Warn("resource sample failed", zap.Error(err))
		return
	}

	maxCPU, _ := m.cfg.MaxCPUPercent.Float64()
	cpuBreach := maxCPU > 0 && cpuPercent > maxCPU
	rssBreach := m.cfg.MaxRSSBytes > 0 && rss > m.cfg.MaxRSSBytes
	if !cpuBreach && !rssBreach {
		return
	}

	policy := m.cfg.Policy
	if policy == "" {
		policy = "warn"
	}
	m.logger.Warn("resource threshold exceeded",
		zap.Float64("cpu_percent", cpuPercent),
		zap.Uint64("rss_bytes", rss),
		zap.String("policy", policy),
	)
	if m.onBreach != nil {
		m.onBreach(policy)
	}
}
