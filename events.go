package shield

import (
	"time"

	"github.com/google/uuid"
)

// Severity levels ordered LOW < MEDIUM < HIGH < CRITICAL. The same ordering is
// shared by moderation rules, threat events and correlation rules so nothing
// re-derives its own ranking at a boundary.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Weight is the threat-score contribution of one violation at this severity.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 100
	case SeverityHigh:
		return 50
	case SeverityMedium:
		return 25
	default:
		return 10
	}
}

// SeverityFromScore classifies a numeric event score.
func SeverityFromScore(score int) Severity {
	switch {
	case score >= 80:
		return SeverityCritical
	case score >= 50:
		return SeverityHigh
	case score >= 20:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ModerationAction is the per-rule action, ordered ALLOW < FLAG < REDACT < BLOCK.
type ModerationAction string

const (
	ActionAllow  ModerationAction = "ALLOW"
	ActionFlag   ModerationAction = "FLAG"
	ActionRedact ModerationAction = "REDACT"
	ActionBlock  ModerationAction = "BLOCK"
)

func (a ModerationAction) Rank() int {
	switch a {
	case ActionBlock:
		return 3
	case ActionRedact:
		return 2
	case ActionFlag:
		return 1
	default:
		return 0
	}
}

// ThreatEvent is one scored observation produced by the detector pipeline for
// a single request. Events are immutable once built.
type ThreatEvent struct {
	ID        string         `json:"id" db:"id"`
	Timestamp time.Time      `json:"timestamp" db:"created_at"`
	SourceIP  string         `json:"sourceIP" db:"source_ip"`
	Endpoint  string         `json:"endpoint" db:"endpoint"`
	Method    string         `json:"method" db:"method"`
	Types     []string       `json:"types"`
	Severity  Severity       `json:"severity" db:"severity"`
	Score     int            `json:"score" db:"score"`
	Blocked   bool           `json:"blocked" db:"blocked"`
	UserAgent string         `json:"userAgent" db:"user_agent"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewThreatEvent stamps id and timestamp; callers fill the rest before handing
// the event to the ledger.
func NewThreatEvent(now time.Time) *ThreatEvent {
	return &ThreatEvent{
		ID:        uuid.NewString(),
		Timestamp: now,
		Details:   make(map[string]any),
	}
}

// Detail returns a numeric detail field, used by threshold conditions.
func (e *ThreatEvent) Detail(name string) (float64, bool) {
	if e == nil || e.Details == nil {
		return 0, false
	}
	switch v := e.Details[name].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// HasType reports whether the event carries the given threat-type label.
func (e *ThreatEvent) HasType(t string) bool {
	for _, typ := range e.Types {
		if typ == t {
			return true
		}
	}
	return false
}

// Incident is the durable record created when a correlation rule or a
// lockdown-triggering moderation rule fires. Status transitions happen
// out-of-band through the operator workflow.
type Incident struct {
	ID        string         `json:"id" db:"id"`
	RuleID    string         `json:"ruleID" db:"rule_id"`
	EventID   string         `json:"eventID" db:"event_id"`
	Severity  Severity       `json:"severity" db:"severity"`
	Status    string         `json:"status" db:"status"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt" db:"created_at"`
}

const IncidentStatusOpen = "open"

// Recommendation is an escalation emitted by the correlation engine for an
// external enforcement layer. The engine itself never revokes credentials or
// forces lockdown; it only records what it would like done.
type Recommendation struct {
	ID        string         `json:"id"`
	RuleID    string         `json:"ruleID"`
	EventID   string         `json:"eventID"`
	Type      string         `json:"type"`
	SourceIP  string         `json:"sourceIP"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Alert is the single payload fanned out by the dispatcher.
type Alert struct {
	Title     string            `json:"title"`
	Severity  Severity          `json:"severity"`
	RuleID    string            `json:"ruleID"`
	Source    string            `json:"source"`
	Score     int               `json:"score"`
	Timestamp time.Time         `json:"timestamp"`
	Detail    map[string]string `json:"detail,omitempty"`
}
