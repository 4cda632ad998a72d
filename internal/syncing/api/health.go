package api

import (
	"context"
	"sync"
	"time"
)

// SystemStatus represents the health state of the service or one component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Check probes one collaborator. A failing critical check makes the service critical;
// any other failure only degrades it.
type Check struct {
	Name     string
	Critical bool
	Probe    func(ctx context.Context) error
}

// ComponentHealth is the result of one check.
type ComponentHealth struct {
	Status SystemStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// HealthReport contains the full service health report.
type HealthReport struct {
	Status     SystemStatus               `json:"status"`
	ActiveRuns int                        `json:"activeRuns"`
	Components map[string]ComponentHealth `json:"components"`
	CheckedAt  time.Time                  `json:"checkedAt"`
}

// Monitor runs the configured checks and caches the last report.
type Monitor struct {
	checks     []Check
	activeRuns func() int
	minAge     time.Duration
	timeout    time.Duration

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *HealthReport
}

// NewMonitor creates a health monitor. activeRuns may be nil.
func NewMonitor(activeRuns func() int, checks ...Check) *Monitor {
	return &Monitor{
		checks:     checks,
		activeRuns: activeRuns,
		minAge:     10 * time.Second,
		timeout:    3 * time.Second,
	}
}

// CheckHealth probes every component, at most once per minAge.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Avoid hammering the database and redis when /health is scraped often
	if m.lastReport != nil && time.Since(m.lastCheck) < m.minAge {
		return *m.lastReport
	}

	report := HealthReport{
		Status:     StatusHealthy,
		Components: make(map[string]ComponentHealth, len(m.checks)),
	}
	if m.activeRuns != nil {
		report.ActiveRuns = m.activeRuns()
	}

	for _, c := range m.checks {
		probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := c.Probe(probeCtx)
		cancel()

		if err == nil {
			report.Components[c.Name] = ComponentHealth{Status: StatusHealthy}
			continue
		}

		status := StatusDegraded
		if c.Critical {
			status = StatusCritical
		}
		report.Components[c.Name] = ComponentHealth{Status: status, Error: err.Error()}
		report.Status = worse(report.Status, status)
	}

	report.CheckedAt = time.Now()
	m.lastCheck = report.CheckedAt
	m.lastReport = &report
	return report
}

func worse(a, b SystemStatus) SystemStatus {
	rank := map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
