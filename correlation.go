package shield

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oarkflow/log"
)

// CorrelationEngine detects patterns no single request reveals: repeated
// low-severity probing, coordinated multi-vector attacks, anomalous fan-out.
// It runs off the request path; Ingest never blocks a response.
//
// The engine has write access to the audit store, the alert dispatcher and
// the counter store's block list only. Higher-severity escalations leave as
// recommendations for an external enforcement layer — it never revokes
// credentials or forces lockdown itself.
type CorrelationEngine struct {
	mu        sync.Mutex
	rules     []*CorrelationRule
	windows   map[string][]windowEntry
	retention time.Duration

	audit   AuditStore
	indexer EventIndexer
	alerts  *AlertDispatcher
	store   CounterStore
	ledger  *ThreatLedger
	logger  *log.Logger
	metrics MetricsCollector
	now     func() time.Time
}

type windowEntry struct {
	value string
	ts    time.Time
}

func NewCorrelationEngine(policy *PolicyConfig, deps CorrelationDeps) *CorrelationEngine {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &CorrelationEngine{
		rules:     policy.Correlation,
		windows:   make(map[string][]windowEntry),
		retention: policy.WindowRetention,
		audit:     deps.Audit,
		indexer:   deps.Indexer,
		alerts:    deps.Alerts,
		store:     deps.Store,
		ledger:    deps.Ledger,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		now:       now,
	}
}

// CorrelationDeps carries the engine's collaborators.
type CorrelationDeps struct {
	Audit   AuditStore
	Indexer EventIndexer
	Alerts  *AlertDispatcher
	Store   CounterStore
	Ledger  *ThreatLedger
	Logger  *log.Logger
	Metrics MetricsCollector
	Now     func() time.Time
}

// Ingest durably logs the event, indexes it when a search cluster is wired
// (soft dependency) and evaluates every enabled rule. Condition hits are
// OR'd: any one satisfied condition fires the rule.
func (e *CorrelationEngine) Ingest(ev *ThreatEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.audit.AppendEvent(ctx, ev); err != nil {
		e.logger.Warn().Err(err).Str("eventID", ev.ID).Msg("audit append failed during correlation ingest")
	}
	if e.indexer != nil {
		index := MonthlyIndex("threat-events", ev.Timestamp)
		if err := e.indexer.IndexDocument(ctx, index, ev.ID, ev); err != nil {
			e.logger.Warn().Err(err).Str("index", index).Msg("search index write failed; continuing")
		}
	}

	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		if reason, fired := e.evaluateRule(rule, ev); fired {
			e.metrics.IncrementCounter("shield_correlation_fires_total", map[string]string{"rule": rule.ID})
			e.logger.Warn().Str("rule", rule.ID).Str("eventID", ev.ID).Str("reason", reason).Msg("correlation rule fired")
			e.runActions(ctx, rule, ev, reason)
		}
	}
}

func (e *CorrelationEngine) evaluateRule(rule *CorrelationRule, ev *ThreatEvent) (string, bool) {
	for _, cond := range rule.Conditions {
		if reason, ok := e.evaluateCondition(rule, cond, ev); ok {
			return reason, true
		}
	}
	return "", false
}

func (e *CorrelationEngine) evaluateCondition(rule *CorrelationRule, cond CorrelationCondition, ev *ThreatEvent) (string, bool) {
	switch cond.Type {
	case "event_match":
		if ev.HasType(cond.EventType) {
			return "event type " + cond.EventType, true
		}

	case "multi_vector":
		key := rule.ID + "|mv|" + ev.SourceIP
		distinct := 0
		e.withWindow(key, cond.Window, func(entries []windowEntry) []windowEntry {
			for _, t := range ev.Types {
				entries = append(entries, windowEntry{value: t, ts: ev.Timestamp})
			}
			entries = pruneWindow(entries, e.now().Add(-cond.Window))
			distinct = distinctValues(entries)
			return entries
		})
		if distinct >= cond.MinCount {
			return fmt.Sprintf("%d distinct attack vectors from %s within %s", distinct, ev.SourceIP, cond.Window), true
		}

	case "frequency":
		if cond.EventType != "" && !ev.HasType(cond.EventType) {
			return "", false
		}
		group := eventField(ev, cond.GroupBy)
		if group == "" {
			return "", false
		}
		key := rule.ID + "|freq|" + group + "|" + cond.EventType
		count := 0
		e.withWindow(key, cond.Window, func(entries []windowEntry) []windowEntry {
			entries = append(entries, windowEntry{value: ev.ID, ts: ev.Timestamp})
			entries = pruneWindow(entries, e.now().Add(-cond.Window))
			count = len(entries)
			return entries
		})
		if count >= cond.Threshold {
			return fmt.Sprintf("%d hits for %s=%s within %s", count, cond.GroupBy, group, cond.Window), true
		}

	case "threshold":
		val, ok := numericEventField(ev, cond.Field)
		if !ok {
			return "", false
		}
		if compare(val, cond.Op, cond.Value) {
			return fmt.Sprintf("%s %s %v (observed %v)", cond.Field, cond.Op, cond.Value, val), true
		}

	case "distinct_field":
		group := eventField(ev, cond.GroupBy)
		val := eventField(ev, cond.Field)
		if group == "" || val == "" {
			return "", false
		}
		key := rule.ID + "|distinct|" + group
		distinct := 0
		e.withWindow(key, cond.Window, func(entries []windowEntry) []windowEntry {
			entries = append(entries, windowEntry{value: val, ts: ev.Timestamp})
			entries = pruneWindow(entries, e.now().Add(-cond.Window))
			distinct = distinctValues(entries)
			return entries
		})
		if distinct >= cond.Threshold {
			return fmt.Sprintf("%d distinct %s values for %s=%s within %s", distinct, cond.Field, cond.GroupBy, group, cond.Window), true
		}
	}
	return "", false
}

// withWindow mutates one keyed window under the lock. Windows are created
// lazily and discarded once pruning empties them.
func (e *CorrelationEngine) withWindow(key string, window time.Duration, fn func([]windowEntry) []windowEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := fn(e.windows[key])
	if len(entries) == 0 {
		delete(e.windows, key)
		return
	}
	e.windows[key] = entries
}

func pruneWindow(entries []windowEntry, cutoff time.Time) []windowEntry {
	idx := 0
	for idx < len(entries) && entries[idx].ts.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		entries = entries[idx:]
	}
	return entries
}

func distinctValues(entries []windowEntry) int {
	seen := make(map[string]struct{}, len(entries))
	for _, en := range entries {
		seen[en.value] = struct{}{}
	}
	return len(seen)
}

// Sweep discards windows whose newest entry is older than the retention
// ceiling, bounding memory regardless of traffic volume.
func (e *CorrelationEngine) Sweep() {
	cutoff := e.now().Add(-e.retention)
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, entries := range e.windows {
		if len(entries) == 0 || entries[len(entries)-1].ts.Before(cutoff) {
			delete(e.windows, key)
		}
	}
}

// WindowCount reports the number of live windows, for health and tests.
func (e *CorrelationEngine) WindowCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.windows)
}

// runActions executes every configured action independently; a failure in one
// never suppresses the others.
func (e *CorrelationEngine) runActions(ctx context.Context, rule *CorrelationRule, ev *ThreatEvent, reason string) {
	for _, action := range rule.Actions {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error().Str("rule", rule.ID).Str("action", action.Type).Str("panic", fmt.Sprint(r)).Msg("correlation action failed")
				}
			}()
			e.runAction(ctx, rule, action, ev, reason)
		}()
	}
}

func (e *CorrelationEngine) runAction(ctx context.Context, rule *CorrelationRule, action CorrelationAction, ev *ThreatEvent, reason string) {
	switch action.Type {
	case "increase_score":
		// Informational only: the global score is the ledger's to mutate.
		e.recommend(ctx, rule, ev, action.Type, map[string]any{"score": action.Score, "reason": reason})

	case "block_ip":
		duration := action.Duration
		if duration <= 0 {
			duration = time.Hour
		}
		block := &BlockInfo{
			Until:      e.now().Add(duration),
			Reason:     rule.Name,
			StatusCode: 403,
		}
		if err := e.store.SetBlock(ev.SourceIP, block); err != nil {
			e.logger.Warn().Err(err).Str("ip", ev.SourceIP).Msg("failed to apply recommended block")
		}
		e.recommend(ctx, rule, ev, action.Type, map[string]any{"duration": duration.String(), "reason": reason})

	case "alert":
		e.alerts.Dispatch(&Alert{
			Title:     rule.Name,
			Severity:  action.Severity,
			RuleID:    rule.ID,
			Source:    ev.SourceIP,
			Score:     ev.Score,
			Timestamp: e.now(),
			Detail: map[string]string{
				"reason":  reason,
				"eventID": ev.ID,
				"endpoint": ev.Endpoint,
			},
		}, action.Channels)

	case "create_incident":
		inc := &Incident{
			ID:       uuid.NewString(),
			RuleID:   rule.ID,
			EventID:  ev.ID,
			Severity: action.Severity,
			Status:   IncidentStatusOpen,
			Payload: map[string]any{
				"reason":   reason,
				"sourceIP": ev.SourceIP,
				"endpoint": ev.Endpoint,
			},
			CreatedAt: e.now(),
		}
		if err := e.audit.AppendIncident(ctx, inc); err != nil {
			e.logger.Warn().Err(err).Str("incidentID", inc.ID).Msg("failed to persist incident")
		}
		e.ledger.SetLastIncident(inc)
		e.metrics.IncrementCounter("shield_incidents_total", map[string]string{"rule": rule.ID})

	case "account_hold", "suspend_api_key", "emergency_lockdown":
		e.recommend(ctx, rule, ev, action.Type, map[string]any{"reason": reason})

	case "require_approval":
		e.recommend(ctx, rule, ev, action.Type, map[string]any{"approvals": strconv.Itoa(action.Approvals), "reason": reason})
	}
}

// recommend records an escalation for the external enforcement layer.
func (e *CorrelationEngine) recommend(ctx context.Context, rule *CorrelationRule, ev *ThreatEvent, kind string, detail map[string]any) {
	rec := &Recommendation{
		ID:        uuid.NewString(),
		RuleID:    rule.ID,
		EventID:   ev.ID,
		Type:      kind,
		SourceIP:  ev.SourceIP,
		Detail:    detail,
		CreatedAt: e.now(),
	}
	if err := e.audit.AppendRecommendation(ctx, rec); err != nil {
		e.logger.Warn().Err(err).Str("type", kind).Msg("failed to persist recommendation")
	}
	e.metrics.IncrementCounter("shield_recommendations_total", map[string]string{"type": kind})
}

// eventField resolves a built-in event field or a detail key to a string.
func eventField(ev *ThreatEvent, name string) string {
	switch name {
	case "source_ip":
		return ev.SourceIP
	case "endpoint":
		return ev.Endpoint
	case "method":
		return ev.Method
	case "severity":
		return string(ev.Severity)
	}
	if ev.Details != nil {
		if v, ok := ev.Details[name]; ok {
			return fmt.Sprint(v)
		}
	}
	return ""
}

func numericEventField(ev *ThreatEvent, name string) (float64, bool) {
	if name == "score" {
		return float64(ev.Score), true
	}
	return ev.Detail(name)
}

func compare(val float64, op string, threshold float64) bool {
	switch op {
	case "gt":
		return val > threshold
	case "gte":
		return val >= threshold
	case "lt":
		return val < threshold
	case "lte":
		return val <= threshold
	case "eq":
		return val == threshold
	}
	return false
}
