package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exports page cache counters and gauges over Prometheus
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Prometheus metrics
	entryGauge       *prometheus.GaugeVec
	physicalGauge    prometheus.Gauge
	flushCounter     *prometheus.CounterVec
	flushedBytes     prometheus.Counter
	evictionCounter  *prometheus.CounterVec
	linkCounter      prometheus.Counter
	lookupCounter    *prometheus.CounterVec
	trimmedPages     *prometheus.CounterVec
	flushDuration    prometheus.Histogram
	trimDuration     prometheus.Histogram
	workerRunCounter *prometheus.CounterVec

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time

	// HTTP server for metrics endpoint
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      8080,
			Path:      "/metrics",
			Namespace: "pagecache",
			Labels:    make(map[string]string),
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	registry := prometheus.NewRegistry()

	collector := &Collector{
		config:     config,
		registry:   registry,
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Start starts the metrics endpoint server
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop stops the metrics endpoint server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// UpdateEntryCounts publishes the current entry census. Dirty and mapped
// counts are subsets of the total; mappedDirty is the overlap of both.
func (c *Collector) UpdateEntryCounts(total, dirty, mapped, mappedDirty uint64) {
	if !c.config.Enabled {
		return
	}

	c.entryGauge.With(prometheus.Labels{"state": "total"}).Set(float64(total))
	c.entryGauge.With(prometheus.Labels{"state": "dirty"}).Set(float64(dirty))
	c.entryGauge.With(prometheus.Labels{"state": "mapped"}).Set(float64(mapped))
	c.entryGauge.With(prometheus.Labels{"state": "mapped_dirty"}).Set(float64(mappedDirty))
}

// UpdatePhysicalPages publishes the number of owned physical frames
func (c *Collector) UpdatePhysicalPages(count uint64) {
	if !c.config.Enabled {
		return
	}
	c.physicalGauge.Set(float64(count))
}

// RecordFlush records one flush pass and its outcome
func (c *Collector) RecordFlush(duration time.Duration, bytes uint64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.recordOperation("flush", duration, int64(bytes), success)

	c.flushCounter.With(prometheus.Labels{
		"status": map[bool]string{true: "success", false: "error"}[success],
	}).Inc()
	c.flushedBytes.Add(float64(bytes))
	c.flushDuration.Observe(duration.Seconds())
}

// RecordTrim records one trim pass and the pages it released
func (c *Collector) RecordTrim(duration time.Duration, freed, unmapped uint64) {
	if !c.config.Enabled {
		return
	}

	c.recordOperation("trim", duration, int64(freed), true)

	c.trimmedPages.With(prometheus.Labels{"kind": "freed"}).Add(float64(freed))
	c.trimmedPages.With(prometheus.Labels{"kind": "unmapped"}).Add(float64(unmapped))
	c.trimDuration.Observe(duration.Seconds())
}

// RecordEviction records entries removed by an eviction pass
func (c *Collector) RecordEviction(count uint64, reason string) {
	if !c.config.Enabled {
		return
	}
	c.evictionCounter.With(prometheus.Labels{"reason": reason}).Add(float64(count))
}

// RecordLink records a successful backing handoff between entries
func (c *Collector) RecordLink() {
	if !c.config.Enabled {
		return
	}
	c.linkCounter.Inc()
}

// RecordLookupHit records a lookup that found a cached page
func (c *Collector) RecordLookupHit() {
	if !c.config.Enabled {
		return
	}
	c.lookupCounter.With(prometheus.Labels{"result": "hit"}).Inc()
}

// RecordLookupMiss records a lookup that found nothing
func (c *Collector) RecordLookupMiss() {
	if !c.config.Enabled {
		return
	}
	c.lookupCounter.With(prometheus.Labels{"result": "miss"}).Inc()
}

// RecordWorkerRun records one background worker pass
func (c *Collector) RecordWorkerRun(trigger string) {
	if !c.config.Enabled {
		return
	}
	c.workerRunCounter.With(prometheus.Labels{"trigger": trigger}).Inc()
}

// recordOperation updates the internal per-operation rollup
func (c *Collector) recordOperation(operation string, duration time.Duration, size int64, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, exists := c.operations[operation]; exists {
		m.Count++
		m.TotalDuration += duration
		m.TotalSize += size
		if !success {
			m.Errors++
		}
		m.LastOperation = time.Now()
		m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
		m.AvgSize = float64(m.TotalSize) / float64(m.Count)
	} else {
		errors := int64(0)
		if !success {
			errors = 1
		}
		c.operations[operation] = &OperationMetrics{
			Count:         1,
			TotalDuration: duration,
			TotalSize:     size,
			Errors:        errors,
			LastOperation: time.Now(),
			AvgDuration:   duration,
			AvgSize:       float64(size),
		}
	}
}

// GetMetrics returns current rollup metrics
func (c *Collector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	metrics := make(map[string]interface{})

	operations := make(map[string]*OperationMetrics)
	for k, v := range c.operations {
		copied := *v
		operations[k] = &copied
	}

	metrics["operations"] = operations
	metrics["last_reset"] = c.lastReset
	metrics["uptime"] = time.Since(c.lastReset)

	return metrics
}

// ResetMetrics resets the internal rollup
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

// Helper methods

func (c *Collector) initMetrics() {
	c.entryGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "entries",
			Help:      "Number of cache entries by state",
		},
		[]string{"state"},
	)

	c.physicalGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "physical_pages",
			Help:      "Physical frames currently owned by the cache",
		},
	)

	c.flushCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "flushes_total",
			Help:      "Total number of flush passes",
		},
		[]string{"status"},
	)

	c.flushedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "flushed_bytes_total",
			Help:      "Total bytes written back to storage",
		},
	)

	c.evictionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "evictions_total",
			Help:      "Total entries evicted",
		},
		[]string{"reason"},
	)

	c.linkCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "links_total",
			Help:      "Total backing handoffs between entries",
		},
	)

	c.lookupCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "lookups_total",
			Help:      "Total cache lookups",
		},
		[]string{"result"},
	)

	c.trimmedPages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "trimmed_pages_total",
			Help:      "Pages released by trim passes",
		},
		[]string{"kind"},
	)

	c.flushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "flush_duration_seconds",
			Help:      "Duration of flush passes in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
	)

	c.trimDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "trim_duration_seconds",
			Help:      "Duration of trim passes in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15), // 100us to ~1.6s
		},
	)

	c.workerRunCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "worker_runs_total",
			Help:      "Background worker passes by trigger",
		},
		[]string{"trigger"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.entryGauge,
		c.physicalGauge,
		c.flushCounter,
		c.flushedBytes,
		c.evictionCounter,
		c.linkCounter,
		c.lookupCounter,
		c.trimmedPages,
		c.flushDuration,
		c.trimDuration,
		c.workerRunCounter,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"pagecache-metrics"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")

	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("Page Cache Operations Summary\n")
	writef("=============================\n\n")
	writef("Uptime: %v\n", time.Since(c.lastReset))
	writef("Last Reset: %v\n\n", c.lastReset)

	if len(c.operations) == 0 {
		writef("No operations recorded.\n")
		return
	}

	writef("%-20s %10s %10s %12s %12s %10s\n",
		"Operation", "Count", "Errors", "Avg Duration", "Avg Size", "Last Op")
	writef("%-20s %10s %10s %12s %12s %10s\n",
		"----------", "-----", "------", "------------", "--------", "-------")

	for name, op := range c.operations {
		writef("%-20s %10d %10d %12v %12.0f %10s\n",
			name, op.Count, op.Errors, op.AvgDuration,
			op.AvgSize, op.LastOperation.Format("15:04:05"))
	}
}
