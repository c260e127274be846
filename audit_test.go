package shield

import (
	"context"
	"testing"
	"time"
)

func openTestAudit(t *testing.T) *SQLiteAuditStore {
	t.Helper()
	store, err := NewSQLiteAuditStore(t.TempDir() + "/audit.db")
	if err != nil {
		t.Fatalf("failed to open audit store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendEventIsIdempotent(t *testing.T) {
	store := openTestAudit(t)
	ev := NewThreatEvent(time.Now())
	ev.SourceIP = "1.1.1.1"
	ev.Endpoint = "/login"
	ev.Types = []string{"brute_force"}
	ev.Severity = SeverityHigh
	ev.Score = 35

	ctx := context.Background()
	if err := store.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	// Replays of the same event id are absorbed, not duplicated.
	if err := store.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("replayed append must succeed: %v", err)
	}
	rows, err := store.RecentEvents(ctx, "1.1.1.1", 10)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one row after replay, got %d", len(rows))
	}
	if rows[0].Action != "brute_force" || rows[0].Severity != "HIGH" {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
}

func TestIncidentStatusTransition(t *testing.T) {
	store := openTestAudit(t)
	ctx := context.Background()
	inc := &Incident{
		ID:        "inc-1",
		RuleID:    "brute-force-burst",
		EventID:   "ev-1",
		Severity:  SeverityHigh,
		Status:    IncidentStatusOpen,
		CreatedAt: time.Now(),
	}
	if err := store.AppendIncident(ctx, inc); err != nil {
		t.Fatalf("append incident failed: %v", err)
	}
	if err := store.UpdateIncidentStatus(ctx, "inc-1", "resolved"); err != nil {
		t.Fatalf("status update failed: %v", err)
	}
	if err := store.UpdateIncidentStatus(ctx, "missing", "resolved"); err == nil {
		t.Fatal("updating an unknown incident must fail")
	}
}

func TestRecommendationLandsInAuditLog(t *testing.T) {
	store := openTestAudit(t)
	ctx := context.Background()
	rec := &Recommendation{
		ID:        "rec-1",
		RuleID:    "critical-single-event",
		EventID:   "ev-9",
		Type:      "emergency_lockdown",
		SourceIP:  "2.2.2.2",
		CreatedAt: time.Now(),
	}
	if err := store.AppendRecommendation(ctx, rec); err != nil {
		t.Fatalf("append recommendation failed: %v", err)
	}
	rows, err := store.RecentEvents(ctx, "2.2.2.2", 10)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Action != "recommend_emergency_lockdown" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}
