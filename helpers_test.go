package shield

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/oarkflow/log"
)

func testLogger() *log.Logger {
	return &log.Logger{Writer: &log.IOWriter{Writer: io.Discard}}
}

// fakeClock drives the time-windowed components deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memAudit records everything appended to it.
type memAudit struct {
	mu              sync.Mutex
	events          []*ThreatEvent
	incidents       []*Incident
	recommendations []*Recommendation
	statuses        map[string]string
}

func newMemAudit() *memAudit {
	return &memAudit{statuses: make(map[string]string)}
}

func (m *memAudit) AppendEvent(_ context.Context, ev *ThreatEvent) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

func (m *memAudit) AppendIncident(_ context.Context, inc *Incident) error {
	m.mu.Lock()
	m.incidents = append(m.incidents, inc)
	m.mu.Unlock()
	return nil
}

func (m *memAudit) AppendRecommendation(_ context.Context, rec *Recommendation) error {
	m.mu.Lock()
	m.recommendations = append(m.recommendations, rec)
	m.mu.Unlock()
	return nil
}

func (m *memAudit) UpdateIncidentStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	m.statuses[id] = status
	m.mu.Unlock()
	return nil
}

func (m *memAudit) HealthCheck() error { return nil }
func (m *memAudit) Close() error       { return nil }

func (m *memAudit) incidentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.incidents)
}

func (m *memAudit) recommendationTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.recommendations))
	for _, rec := range m.recommendations {
		out = append(out, rec.Type)
	}
	return out
}
