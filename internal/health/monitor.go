package health

import (
	"context"
	"sync"
	"time"
)

// Checker probes one dependency.
type Checker interface {
	Health(ctx context.Context) error
}

type component struct {
	name     string
	checker  Checker
	critical bool
}

// Monitor aggregates health status from the service's dependencies.
type Monitor struct {
	components []component
	timeout    time.Duration
	cacheFor   time.Duration
	lastCheck  time.Time
	lastReport Report
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor.
func NewMonitor() *Monitor {
	return &Monitor{timeout: 2 * time.Second, cacheFor: 5 * time.Second}
}

// Register adds a dependency. A failing critical dependency makes the whole
// service critical; any other failure only degrades it.
func (m *Monitor) Register(name string, c Checker, critical bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, component{name: name, checker: c, critical: critical})
	m.lastCheck = time.Time{}
}

// CheckHealth probes every dependency, reusing a recent result.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastCheck.IsZero() && time.Since(m.lastCheck) < m.cacheFor {
		return m.lastReport
	}

	report := Report{
		Status:     StatusHealthy,
		Components: make(map[string]ComponentHealth, len(m.components)),
		CheckedAt:  time.Now().UTC(),
	}
	for _, c := range m.components {
		ch := m.probe(ctx, c)
		report.Components[c.name] = ch
		report.Status = worst(report.Status, ch.Status)
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

func (m *Monitor) probe(ctx context.Context, c component) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	err := c.checker.Health(ctx)
	ch := ComponentHealth{Status: StatusHealthy, Latency: time.Since(start)}
	if err != nil {
		ch.Error = err.Error()
		ch.Status = StatusDegraded
		if c.critical {
			ch.Status = StatusCritical
		}
	}
	return ch
}

func worst(a, b SystemStatus) SystemStatus {
	rank := map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
