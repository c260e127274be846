package shield

import (
	"context"
	"time"
)

// CounterStore is the pluggable storage for the fixed-window counters used by
// the flood and brute-force detectors, and for active source blocks. The
// in-memory implementation serves a single instance; multi-instance
// deployments point this at Redis so every replica shares the same windows.
type CounterStore interface {
	// ConsumeWindow increments the counter behind key, resetting it when the
	// window has elapsed since the first hit. Returns the post-increment count
	// and the start of the current window.
	ConsumeWindow(key string, window time.Duration) (count int, first time.Time, err error)
	GetWindow(key string) (count int, first time.Time, err error)
	ResetWindow(key string) error

	SetBlock(key string, block *BlockInfo) error
	GetBlock(key string) (*BlockInfo, error)
	DeleteBlock(key string) error

	// Cleanup discards counters idle longer than maxAge. Blocks expire on read.
	Cleanup(maxAge time.Duration)
	HealthCheck() error
}

// BlockInfo describes an active block on a source (or source|endpoint) key.
type BlockInfo struct {
	Until      time.Time `json:"until"`
	Permanent  bool      `json:"permanent"`
	Reason     string    `json:"reason"`
	StatusCode int       `json:"statusCode"`
}

// Expired reports whether a non-permanent block has lapsed.
func (b *BlockInfo) Expired(now time.Time) bool {
	return b != nil && !b.Permanent && now.After(b.Until)
}

// AuditStore is the append-only durable trail. Writes are idempotent by id;
// the only permitted update is an incident status transition.
type AuditStore interface {
	AppendEvent(ctx context.Context, ev *ThreatEvent) error
	AppendIncident(ctx context.Context, inc *Incident) error
	AppendRecommendation(ctx context.Context, rec *Recommendation) error
	UpdateIncidentStatus(ctx context.Context, id, status string) error
	HealthCheck() error
	Close() error
}

// EventIndexer is the optional search-cluster sink. The core calls it without
// knowing whether a real backend is wired; absence must not raise errors.
type EventIndexer interface {
	IndexDocument(ctx context.Context, index, id string, doc any) error
}

// AlertSender delivers one alert payload over a single channel.
type AlertSender interface {
	Name() string
	// Configured reports whether the channel has usable credentials. An
	// unconfigured channel is silently skipped, never an error.
	Configured() bool
	Send(ctx context.Context, alert *Alert) error
}

// MetricsCollector interface for observability.
type MetricsCollector interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
	HealthCheck() error
	ExportPrometheus() string
}
