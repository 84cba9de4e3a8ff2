package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/recoverd/internal/core/domain"
)

// BatchLister lists retry batches.
type BatchLister interface {
	List(ctx context.Context) ([]*domain.RetryBatch, error)
}

// Pinger checks that a dependency is reachable.
type Pinger interface {
	Health(ctx context.Context) error
}

// Monitor aggregates health status from the batch store and dependencies.
type Monitor struct {
	batches       BatchLister
	pingers       map[string]Pinger
	orphanTimeout time.Duration
	cacheFor      time.Duration
	now           func() time.Time

	lastCheck  time.Time
	lastReport *HealthReport
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor. A batch in MarkingDocuments for
// longer than orphanTimeout counts as stuck.
func NewMonitor(batches BatchLister, orphanTimeout time.Duration) *Monitor {
	return &Monitor{
		batches:       batches,
		pingers:       make(map[string]Pinger),
		orphanTimeout: orphanTimeout,
		cacheFor:      10 * time.Second,
		now:           time.Now,
	}
}

// AddComponent registers a dependency checked on every report.
func (m *Monitor) AddComponent(name string, p Pinger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingers[name] = p
}

// CheckHealth builds a health report, reusing the previous one for a few seconds.
func (m *Monitor) CheckHealth(ctx context.Context) *HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.lastReport != nil && now.Sub(m.lastCheck) < m.cacheFor {
		return m.lastReport
	}

	report := &HealthReport{
		SystemStatus: StatusHealthy,
		Batches:      make(map[string]int, len(domain.RetryBatchStatuses)),
		Components:   make(map[string]ComponentHealth, len(m.pingers)+1),
	}
	for _, s := range domain.RetryBatchStatuses {
		report.Batches[string(s)] = 0
	}

	store := ComponentHealth{Name: "batches", Status: StatusHealthy}
	all, err := m.batches.List(ctx)
	if err != nil {
		store.Status = StatusCritical
		store.Error = err.Error()
	}
	report.Components[store.Name] = store
	report.SystemStatus = worse(report.SystemStatus, store.Status)

	cutoff := now.Add(-m.orphanTimeout)
	for _, b := range all {
		report.Batches[string(b.Status)]++
		if b.Status == domain.RetryBatchStatusMarkingDocuments && b.Started.Before(cutoff) {
			report.StuckBatches = append(report.StuckBatches, b.ID)
		}
	}
	if len(report.StuckBatches) > 0 {
		report.SystemStatus = worse(report.SystemStatus, StatusDegraded)
	}

	for name, p := range m.pingers {
		c := ComponentHealth{Name: name, Status: StatusHealthy}
		if err := p.Health(ctx); err != nil {
			c.Status = StatusCritical
			c.Error = err.Error()
		}
		report.Components[name] = c
		report.SystemStatus = worse(report.SystemStatus, c.Status)
	}

	m.lastCheck = now
	m.lastReport = report
	return report
}
