package shield

import (
	"testing"
	"time"
)

func testLedger(policy *PolicyConfig, clk *fakeClock) *ThreatLedger {
	return NewThreatLedger(policy, testLogger(), NewInMemoryMetrics(), clk.Now)
}

func scoredEvent(clk *fakeClock, ip string, score int) *ThreatEvent {
	ev := NewThreatEvent(clk.Now())
	ev.SourceIP = ip
	ev.Score = score
	ev.Severity = SeverityFromScore(score)
	return ev
}

func TestRecordAccumulatesScore(t *testing.T) {
	clk := newFakeClock()
	l := testLedger(DefaultPolicy(), clk)

	if l.Record(scoredEvent(clk, "1.1.1.1", 30)) {
		t.Fatal("score 30 must not trigger lockdown")
	}
	if l.Record(scoredEvent(clk, "2.2.2.2", 40)) {
		t.Fatal("score 70 must not trigger lockdown")
	}
	if got := l.Score(); got != 70 {
		t.Fatalf("expected cumulative score 70, got %d", got)
	}
	if !l.Record(scoredEvent(clk, "3.3.3.3", 30)) {
		t.Fatal("crossing 100 must trigger lockdown")
	}
	if !l.InLockdown() {
		t.Fatal("ledger should report lockdown")
	}
	// Already in lockdown: further events add score but do not re-trigger.
	if l.Record(scoredEvent(clk, "4.4.4.4", 50)) {
		t.Fatal("lockdown entry must only be reported once")
	}
}

func TestDecayFloorsAtZero(t *testing.T) {
	clk := newFakeClock()
	l := testLedger(DefaultPolicy(), clk)
	l.Record(scoredEvent(clk, "1.1.1.1", 5))
	l.Decay()
	l.Decay()
	if got := l.Score(); got != 0 {
		t.Fatalf("score must floor at zero, got %d", got)
	}
}

func TestLockdownHysteresis(t *testing.T) {
	clk := newFakeClock()
	l := testLedger(DefaultPolicy(), clk)
	l.Record(scoredEvent(clk, "1.1.1.1", 120))
	if !l.InLockdown() {
		t.Fatal("expected lockdown at score 120")
	}

	// Decay from 120 down; recovery only fires once the score sits below 50.
	for i := 0; i < 7; i++ {
		if l.Decay() {
			t.Fatalf("recovered too early at tick %d (score %d)", i, l.Score())
		}
	}
	// score is now 50: still >= recovery threshold.
	if !l.InLockdown() {
		t.Fatal("must remain locked at exactly the recovery threshold")
	}
	if !l.Decay() {
		t.Fatalf("expected recovery below threshold, score %d", l.Score())
	}
	if l.InLockdown() {
		t.Fatal("lockdown should be lifted")
	}
	// Score halves on recovery: (50-10)/2 = 20.
	if got := l.Score(); got != 20 {
		t.Fatalf("expected halved score 20 after recovery, got %d", got)
	}
}

func TestRecoveryRequiresLockdown(t *testing.T) {
	clk := newFakeClock()
	l := testLedger(DefaultPolicy(), clk)
	l.Record(scoredEvent(clk, "1.1.1.1", 40))
	if l.Decay() {
		t.Fatal("decay without lockdown must never report recovery")
	}
	if got := l.Score(); got != 30 {
		t.Fatalf("expected plain decay to 30, got %d", got)
	}
}

func TestOperatorOverrides(t *testing.T) {
	clk := newFakeClock()
	l := testLedger(DefaultPolicy(), clk)

	l.ForceLockdown("drill")
	if !l.InLockdown() {
		t.Fatal("forced lockdown not engaged")
	}
	l.Recover("operator")
	if l.InLockdown() {
		t.Fatal("operator recovery not applied")
	}

	l.Record(scoredEvent(clk, "1.1.1.1", 60))
	l.ResetScore()
	if l.Score() != 0 {
		t.Fatal("score reset not applied")
	}
}

func TestHistoryCapAndPrune(t *testing.T) {
	clk := newFakeClock()
	policy := DefaultPolicy()
	policy.HistoryLimit = 3
	l := testLedger(policy, clk)

	for i := 0; i < 5; i++ {
		l.Record(scoredEvent(clk, "9.9.9.9", 1))
		clk.Advance(time.Minute)
	}
	if got := len(l.History("9.9.9.9")); got != 3 {
		t.Fatalf("history must cap at 3 entries, got %d", got)
	}

	clk.Advance(2 * time.Hour)
	l.PruneHistory(time.Hour)
	if got := len(l.History("9.9.9.9")); got != 0 {
		t.Fatalf("stale history must be pruned, got %d entries", got)
	}
}

func TestLedgerMetricsSnapshot(t *testing.T) {
	clk := newFakeClock()
	l := testLedger(DefaultPolicy(), clk)
	l.TrackRequest()
	l.TrackRequest()
	ev := scoredEvent(clk, "1.1.1.1", 40)
	ev.Blocked = true
	l.Record(ev)

	m := l.Metrics()
	if m.Requests != 2 || m.Detections != 1 || m.Blocks != 1 {
		t.Fatalf("unexpected counters: %+v", m)
	}
	if m.AverageScore != 40 {
		t.Fatalf("expected average 40, got %g", m.AverageScore)
	}
}

func TestSeverityClassification(t *testing.T) {
	cases := map[int]Severity{
		0:   SeverityLow,
		19:  SeverityLow,
		20:  SeverityMedium,
		49:  SeverityMedium,
		50:  SeverityHigh,
		79:  SeverityHigh,
		80:  SeverityCritical,
		150: SeverityCritical,
	}
	for score, want := range cases {
		if got := SeverityFromScore(score); got != want {
			t.Fatalf("score %d: expected %s, got %s", score, want, got)
		}
	}
}
