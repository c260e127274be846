package shield

import (
	"sync"
	"time"

	"github.com/oarkflow/log"
)

// ThreatLedger owns the process-wide risk state: the decaying cumulative
// score, the lockdown flag, per-source event history and the pipeline
// counters. All mutation goes through one mutex; lockdown reads stay on the
// fast path with no I/O.
//
// The ledger is single-instance state. A multi-instance deployment must
// externalize the score, the lockdown flag and the correlation windows to a
// shared low-latency store; see DESIGN.md.
type ThreatLedger struct {
	mu            sync.RWMutex
	score         int
	lockdown      bool
	lastIncident  *Incident
	requests      uint64
	detections    uint64
	blocks        uint64
	scoreSum      int64
	history       map[string][]*ThreatEvent
	historyLimit  int
	triggerAt     int
	recoverBelow  int
	decayAmount   int
	logger        *log.Logger
	metrics       MetricsCollector
	now           func() time.Time
}

// LedgerMetrics is the operator-facing snapshot.
type LedgerMetrics struct {
	Requests     uint64    `json:"requests"`
	Detections   uint64    `json:"detections"`
	Blocks       uint64    `json:"blocks"`
	Score        int       `json:"score"`
	AverageScore float64   `json:"averageScore"`
	Lockdown     bool      `json:"lockdown"`
	LastIncident *Incident `json:"lastIncident,omitempty"`
}

func NewThreatLedger(policy *PolicyConfig, logger *log.Logger, metrics MetricsCollector, now func() time.Time) *ThreatLedger {
	if now == nil {
		now = time.Now
	}
	return &ThreatLedger{
		history:      make(map[string][]*ThreatEvent),
		historyLimit: policy.HistoryLimit,
		triggerAt:    policy.LockdownThreshold,
		recoverBelow: policy.RecoveryThreshold,
		decayAmount:  policy.DecayAmount,
		logger:       logger,
		metrics:      metrics,
		now:          now,
	}
}

// TrackRequest counts one inbound request, scored or not.
func (l *ThreatLedger) TrackRequest() {
	l.mu.Lock()
	l.requests++
	l.mu.Unlock()
}

// Record appends the event to the per-source history, adds its score to the
// global cumulative score and runs the synchronous lockdown check. Returns
// whether this event pushed the system into lockdown.
func (l *ThreatLedger) Record(ev *ThreatEvent) (enteredLockdown bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := append(l.history[ev.SourceIP], ev)
	if l.historyLimit > 0 && len(events) > l.historyLimit {
		events = events[len(events)-l.historyLimit:]
	}
	l.history[ev.SourceIP] = events

	l.detections++
	l.scoreSum += int64(ev.Score)
	l.score += ev.Score
	if ev.Blocked {
		l.blocks++
	}

	if !l.lockdown && l.score >= l.triggerAt {
		l.lockdown = true
		enteredLockdown = true
		l.logger.Error().Int("score", l.score).Int("threshold", l.triggerAt).Str("eventID", ev.ID).Msg("global risk score crossed lockdown threshold")
	}
	l.metrics.SetGauge("shield_global_risk_score", float64(l.score), nil)
	return enteredLockdown
}

// Decay applies one decay tick: subtract the fixed amount, floor at zero.
// Auto-recovery only happens while lockdown is active and the decayed score
// sits below the recovery threshold; on recovery the score additionally
// halves so sustained low-level traffic cannot re-enter immediately.
// Ticks are idempotent and order-independent.
func (l *ThreatLedger) Decay() (recovered bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.score -= l.decayAmount
	if l.score < 0 {
		l.score = 0
	}
	if l.lockdown && l.score < l.recoverBelow {
		l.lockdown = false
		l.score /= 2
		recovered = true
		l.logger.Warn().Int("score", l.score).Msg("risk score decayed below recovery threshold; lockdown lifted")
	}
	l.metrics.SetGauge("shield_global_risk_score", float64(l.score), nil)
	return recovered
}

// InLockdown is the request gate's fast-path read.
func (l *ThreatLedger) InLockdown() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lockdown
}

// Score returns the current global cumulative score.
func (l *ThreatLedger) Score() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.score
}

// ForceLockdown is the operator (or moderation-trigger) override.
func (l *ThreatLedger) ForceLockdown(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.lockdown {
		l.lockdown = true
		l.logger.Error().Str("reason", reason).Msg("lockdown engaged by override")
	}
}

// Recover is the operator override that lifts lockdown regardless of score.
func (l *ThreatLedger) Recover(actor string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lockdown {
		l.lockdown = false
		l.logger.Warn().Str("actor", actor).Msg("lockdown lifted by operator")
	}
}

// ResetScore zeroes the cumulative score without touching the lockdown flag.
func (l *ThreatLedger) ResetScore() {
	l.mu.Lock()
	l.score = 0
	l.mu.Unlock()
	l.metrics.SetGauge("shield_global_risk_score", 0, nil)
}

// ClearHistory discards the in-memory per-source history.
func (l *ThreatLedger) ClearHistory() {
	l.mu.Lock()
	l.history = make(map[string][]*ThreatEvent)
	l.mu.Unlock()
}

// History returns the recorded events for one source, newest last. The
// history exists for operator inspection only; scoring never reads it.
func (l *ThreatLedger) History(sourceIP string) []*ThreatEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	events := l.history[sourceIP]
	out := make([]*ThreatEvent, len(events))
	copy(out, events)
	return out
}

// PruneHistory drops events older than maxAge; called from the background
// sweep to bound memory.
func (l *ThreatLedger) PruneHistory(maxAge time.Duration) {
	cutoff := l.now().Add(-maxAge)
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, events := range l.history {
		idx := 0
		for idx < len(events) && events[idx].Timestamp.Before(cutoff) {
			idx++
		}
		if idx == len(events) {
			delete(l.history, ip)
		} else if idx > 0 {
			l.history[ip] = events[idx:]
		}
	}
}

// SetLastIncident records the most recent incident for metrics reporting.
func (l *ThreatLedger) SetLastIncident(inc *Incident) {
	l.mu.Lock()
	l.lastIncident = inc
	l.mu.Unlock()
}

// Metrics returns the operator snapshot.
func (l *ThreatLedger) Metrics() LedgerMetrics {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m := LedgerMetrics{
		Requests:     l.requests,
		Detections:   l.detections,
		Blocks:       l.blocks,
		Score:        l.score,
		Lockdown:     l.lockdown,
		LastIncident: l.lastIncident,
	}
	if l.detections > 0 {
		m.AverageScore = float64(l.scoreSum) / float64(l.detections)
	}
	return m
}
