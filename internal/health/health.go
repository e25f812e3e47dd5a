// Package health probes the pipeline's dependencies so the orchestrator can
// skip cycles that would only burn against failing collaborators.
package health

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Status summarises overall pipeline health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Probe is a named short-timeout liveness call.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// ProbeResult is the outcome of one probe.
type ProbeResult struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ProcessStats is the host-side view attached to health payloads.
type ProcessStats struct {
	PID         int32   `json:"pid"`
	MemoryRSSMB float64 `json:"memory_rss_mb"`
	CPUPercent  float64 `json:"cpu_percent"`
	UptimeSecs  float64 `json:"uptime_secs"`
}

// Report is the result of one full health check.
type Report struct {
	Status    Status                 `json:"status"`
	StoreOK   bool                   `json:"store_ok"`
	Sources   map[string]ProbeResult `json:"sources"`
	Providers map[string]ProbeResult `json:"providers"`
	Process   ProcessStats           `json:"process"`
	CheckedAt time.Time              `json:"checked_at"`
}

// UnhealthySources lists source ids that failed their probe.
func (r Report) UnhealthySources() map[string]bool {
	out := make(map[string]bool)
	for id, result := range r.Sources {
		if !result.OK {
			out[id] = true
		}
	}
	return out
}

// UnhealthyProviders lists provider names that failed their probe.
func (r Report) UnhealthyProviders() map[string]bool {
	out := make(map[string]bool)
	for name, result := range r.Providers {
		if !result.OK {
			out[name] = true
		}
	}
	return out
}

// Monitor runs the probes and caches the last report for the ops surface.
type Monitor struct {
	store        Probe
	sources      []Probe
	providers    []Probe
	probeTimeout time.Duration
	startedAt    time.Time
	logger       zerolog.Logger

	mu   sync.RWMutex
	last Report
}

// New constructs a monitor.
func New(store Probe, sources, providers []Probe, probeTimeout time.Duration, logger zerolog.Logger) *Monitor {
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}

	return &Monitor{
		store:        store,
		sources:      sources,
		providers:    providers,
		probeTimeout: probeTimeout,
		startedAt:    time.Now(),
		logger:       logger.With().Str("component", "health").Logger(),
	}
}

// Check probes every dependency and caches the report. An unhealthy store
// makes the whole report unhealthy: nothing else can function without it.
// Failed sources or providers only degrade.
func (m *Monitor) Check(ctx context.Context) Report {
	report := Report{
		Sources:   make(map[string]ProbeResult, len(m.sources)),
		Providers: make(map[string]ProbeResult, len(m.providers)),
		CheckedAt: time.Now().UTC(),
	}

	storeResult := m.runProbe(ctx, m.store)
	report.StoreOK = storeResult.OK

	degraded := false
	for _, probe := range m.sources {
		result := m.runProbe(ctx, probe)
		report.Sources[probe.Name] = result
		if !result.OK {
			degraded = true
		}
	}
	for _, probe := range m.providers {
		result := m.runProbe(ctx, probe)
		report.Providers[probe.Name] = result
		if !result.OK {
			degraded = true
		}
	}

	switch {
	case !report.StoreOK:
		report.Status = StatusUnhealthy
	case degraded:
		report.Status = StatusDegraded
	default:
		report.Status = StatusHealthy
	}

	report.Process = m.processStats()

	m.mu.Lock()
	m.last = report
	m.mu.Unlock()

	m.logger.Info().
		Str("status", string(report.Status)).
		Bool("store_ok", report.StoreOK).
		Int("sources", len(report.Sources)).
		Int("providers", len(report.Providers)).
		Msg("health check completed")

	return report
}

// Last returns the most recent cached report.
func (m *Monitor) Last() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *Monitor) runProbe(ctx context.Context, probe Probe) ProbeResult {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	started := time.Now()
	err := probe.Check(probeCtx)
	result := ProbeResult{
		Name:     probe.Name,
		OK:       err == nil,
		Duration: time.Since(started),
	}
	if err != nil {
		result.Error = err.Error()
		m.logger.Warn().Err(err).Str("probe", probe.Name).Msg("probe failed")
	}
	return result
}

func (m *Monitor) processStats() ProcessStats {
	stats := ProcessStats{
		PID:        int32(os.Getpid()),
		UptimeSecs: time.Since(m.startedAt).Seconds(),
	}

	proc, err := process.NewProcess(stats.PID)
	if err != nil {
		return stats
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.MemoryRSSMB = float64(mem.RSS) / (1024 * 1024)
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}

	return stats
}
