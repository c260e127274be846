package shield

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	name       string
	configured bool
	mu         sync.Mutex
	sent       []*Alert
	done       chan struct{}
}

func (r *recordingSender) Name() string     { return r.name }
func (r *recordingSender) Configured() bool { return r.configured }

func (r *recordingSender) Send(_ context.Context, alert *Alert) error {
	r.mu.Lock()
	r.sent = append(r.sent, alert)
	r.mu.Unlock()
	select {
	case r.done <- struct{}{}:
	default:
	}
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func testAlert() *Alert {
	return &Alert{
		Title:     "probe detected",
		Severity:  SeverityHigh,
		RuleID:    "multi-vector-probe",
		Source:    "1.1.1.1",
		Score:     60,
		Timestamp: time.Now(),
	}
}

func TestDispatchToNamedChannel(t *testing.T) {
	policy := DefaultPolicy()
	d := NewAlertDispatcher(policy, &NoopIndexer{}, testLogger(), NewInMemoryMetrics())
	rec := &recordingSender{name: "test", configured: true, done: make(chan struct{}, 1)}
	d.Register(rec)

	d.Dispatch(testAlert(), []string{"test"})
	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("alert never delivered")
	}
	if rec.count() != 1 {
		t.Fatalf("expected one delivery, got %d", rec.count())
	}
}

func TestDispatchSkipsUnconfiguredChannel(t *testing.T) {
	policy := DefaultPolicy()
	d := NewAlertDispatcher(policy, &NoopIndexer{}, testLogger(), NewInMemoryMetrics())
	rec := &recordingSender{name: "test", configured: false, done: make(chan struct{}, 1)}
	d.Register(rec)

	d.Dispatch(testAlert(), []string{"test"})
	select {
	case <-rec.done:
		t.Fatal("unconfigured channel must be skipped silently")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatchDefaultsToEnabledChannels(t *testing.T) {
	policy := DefaultPolicy()
	policy.AlertChannels = map[string]bool{"test": true, "other": false}
	d := NewAlertDispatcher(policy, &NoopIndexer{}, testLogger(), NewInMemoryMetrics())
	rec := &recordingSender{name: "test", configured: true, done: make(chan struct{}, 1)}
	other := &recordingSender{name: "other", configured: true, done: make(chan struct{}, 1)}
	d.Register(rec)
	d.Register(other)

	d.Dispatch(testAlert(), nil)
	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("enabled channel never received the alert")
	}
	if other.count() != 0 {
		t.Fatal("disabled channel must not receive alerts")
	}
}

func TestIndexSenderConfiguration(t *testing.T) {
	noop := &IndexAlertSender{indexer: &NoopIndexer{}}
	if noop.Configured() {
		t.Fatal("noop-backed index channel must report unconfigured")
	}
	real := &IndexAlertSender{indexer: NewHTTPIndexer("http://localhost:9200", "", "")}
	if !real.Configured() {
		t.Fatal("real indexer must report configured")
	}
}
