package memmon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pagecache/pagecache/pkg/utils"
)

// MonitorConfig configures pressure monitoring behavior
type MonitorConfig struct {
	// SampleInterval is how often to sample the provider
	SampleInterval time.Duration

	// PhysicalWarnRatio fires a physical warning when free physical pages
	// drop below this fraction of the total
	PhysicalWarnRatio float64

	// VirtualWarnRatio fires a virtual warning when free virtual bytes
	// drop below this fraction of the total
	VirtualWarnRatio float64

	// MaxSamples is the number of samples to keep in history
	MaxSamples int

	// Logger for monitoring events
	Logger *utils.StructuredLogger
}

// DefaultMonitorConfig returns sensible defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval:    time.Second,
		PhysicalWarnRatio: 0.10,
		VirtualWarnRatio:  0.05,
		MaxSamples:        100,
	}
}

// PressureSample records one observation of memory headroom
type PressureSample struct {
	Timestamp     time.Time
	FreePhysical  uint64
	TotalPhysical uint64
	FreeVirtual   uint64
	TotalVirtual  uint64
}

// PressureAlert records a threshold crossing
type PressureAlert struct {
	Timestamp time.Time
	AlertType AlertType
	Message   string
	Free      uint64
	Total     uint64
}

// AlertType represents the kind of pressure alert
type AlertType int

const (
	AlertTypePhysicalPressure AlertType = iota
	AlertTypeVirtualPressure
)

// String returns the string representation of alert type
func (t AlertType) String() string {
	switch t {
	case AlertTypePhysicalPressure:
		return "physical_pressure"
	case AlertTypeVirtualPressure:
		return "virtual_pressure"
	default:
		return "unknown"
	}
}

// Monitor samples a provider's headroom and fires its pressure events on
// every sample that finds free memory below the configured thresholds. It exists so a live
// provider can drive the cache worker the same way the synthetic provider
// does in tests.
type Monitor struct {
	config   MonitorConfig
	logger   *utils.StructuredLogger
	provider *SyntheticProvider

	mu      sync.RWMutex
	samples []PressureSample
	alerts  []PressureAlert

	stopCh chan struct{}
	wg     sync.WaitGroup
	active int32
}

// NewMonitor creates a monitor over a synthetic provider. The provider's
// warning channels are the ones the cache worker already listens on.
func NewMonitor(provider *SyntheticProvider, config MonitorConfig) *Monitor {
	if config.Logger == nil {
		config.Logger = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	}
	if config.SampleInterval <= 0 {
		config.SampleInterval = time.Second
	}

	return &Monitor{
		config:   config,
		logger:   config.Logger.WithComponent("memmon"),
		provider: provider,
		samples:  make([]PressureSample, 0, config.MaxSamples),
		stopCh:   make(chan struct{}),
	}
}

// Start begins pressure monitoring
func (m *Monitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.active, 0, 1) {
		return fmt.Errorf("monitor already running")
	}

	m.logger.Info("Starting pressure monitor", map[string]interface{}{
		"sample_interval":     m.config.SampleInterval,
		"physical_warn_ratio": m.config.PhysicalWarnRatio,
		"virtual_warn_ratio":  m.config.VirtualWarnRatio,
	})

	m.wg.Add(1)
	go m.monitorLoop(ctx)

	return nil
}

// Stop stops pressure monitoring
func (m *Monitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.active, 1, 0) {
		return nil
	}

	m.logger.Info("Stopping pressure monitor", nil)
	close(m.stopCh)
	m.wg.Wait()

	return nil
}

// monitorLoop runs the sampling loop
func (m *Monitor) monitorLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()

	m.takeSample()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			sample := m.takeSample()
			m.analyze(sample)
		}
	}
}

// takeSample collects one headroom observation
func (m *Monitor) takeSample() PressureSample {
	sample := PressureSample{
		Timestamp:     time.Now(),
		FreePhysical:  m.provider.FreePhysicalPages(),
		TotalPhysical: m.provider.TotalPhysicalPages(),
		FreeVirtual:   m.provider.FreeVirtualBytes(),
		TotalVirtual:  m.provider.TotalVirtualBytes(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, sample)
	if len(m.samples) > m.config.MaxSamples {
		m.samples = m.samples[1:]
	}

	return sample
}

// analyze fires a provider event for each threshold the sample is below
func (m *Monitor) analyze(sample PressureSample) {
	if sample.TotalPhysical > 0 {
		ratio := float64(sample.FreePhysical) / float64(sample.TotalPhysical)
		if ratio < m.config.PhysicalWarnRatio {
			m.recordAlert(PressureAlert{
				Timestamp: sample.Timestamp,
				AlertType: AlertTypePhysicalPressure,
				Message:   fmt.Sprintf("free physical pages at %.1f%% of total", ratio*100),
				Free:      sample.FreePhysical,
				Total:     sample.TotalPhysical,
			})
			m.provider.FirePhysicalWarning()
		}
	}

	if sample.TotalVirtual > 0 {
		ratio := float64(sample.FreeVirtual) / float64(sample.TotalVirtual)
		if ratio < m.config.VirtualWarnRatio {
			m.recordAlert(PressureAlert{
				Timestamp: sample.Timestamp,
				AlertType: AlertTypeVirtualPressure,
				Message:   fmt.Sprintf("free virtual space at %.1f%% of total", ratio*100),
				Free:      sample.FreeVirtual,
				Total:     sample.TotalVirtual,
			})
			if m.provider.VirtualWarningLevel() == WarningLevelNone {
				m.provider.SetVirtualWarningLevel(WarningLevelLow)
			}
			m.provider.FireVirtualWarning()
		}
	}
}

// recordAlert appends an alert and logs it
func (m *Monitor) recordAlert(alert PressureAlert) {
	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	m.mu.Unlock()

	m.logger.Warn("Memory pressure detected", map[string]interface{}{
		"type":  alert.AlertType.String(),
		"free":  alert.Free,
		"total": alert.Total,
	})
}

// GetAlerts returns recorded alerts
func (m *Monitor) GetAlerts() []PressureAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PressureAlert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// GetSamples returns the sample history
func (m *Monitor) GetSamples() []PressureSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PressureSample, len(m.samples))
	copy(out, m.samples)
	return out
}
