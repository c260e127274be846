package shield

import (
	"strings"
	"testing"
)

func TestModerateCleanContent(t *testing.T) {
	engine := NewModerationEngine(defaultModerationRules())
	res := engine.Moderate("please update my shipping address", "1.2.3.4")
	if !res.Passed {
		t.Fatalf("clean content should pass, got %+v", res)
	}
	if res.Action != ActionAllow || res.Score != 0 || len(res.Violations) != 0 {
		t.Fatalf("clean content should carry no verdict, got %+v", res)
	}
}

func TestModerateIsDeterministic(t *testing.T) {
	engine := NewModerationEngine(defaultModerationRules())
	content := "SELECT 1; DROP TABLE users; --"
	first := engine.Moderate(content, "a")
	second := engine.Moderate(content, "b")
	if first.Score != second.Score || first.Action != second.Action || len(first.Violations) != len(second.Violations) {
		t.Fatalf("same content must yield the same verdict: %+v vs %+v", first, second)
	}
}

func TestModerateBlocksInjection(t *testing.T) {
	engine := NewModerationEngine(defaultModerationRules())
	res := engine.Moderate("name=x' OR '1'='1", "1.2.3.4")
	if res.Passed {
		t.Fatal("injection content must not pass")
	}
	if res.Action != ActionBlock {
		t.Fatalf("expected BLOCK, got %s", res.Action)
	}
	if res.Score < SeverityCritical.Weight() {
		t.Fatalf("critical violation should score at least %d, got %d", SeverityCritical.Weight(), res.Score)
	}
}

func TestModerateRedactsPII(t *testing.T) {
	engine := NewModerationEngine(defaultModerationRules())
	res := engine.Moderate("my ssn is 123-45-6789 thanks", "1.2.3.4")
	if res.Action != ActionRedact {
		t.Fatalf("expected REDACT, got %s", res.Action)
	}
	if strings.Contains(res.Redacted, "123-45-6789") {
		t.Fatalf("redacted copy still carries the SSN: %q", res.Redacted)
	}
	if !strings.Contains(res.Redacted, "[REDACTED]") {
		t.Fatalf("expected placeholder in redacted copy, got %q", res.Redacted)
	}
}

// A BLOCK rule firing alongside a REDACT rule must win the action, and the
// redacted copy is then withheld: blocked content is never forwarded.
func TestModerateBlockOutranksRedact(t *testing.T) {
	engine := NewModerationEngine(defaultModerationRules())
	res := engine.Moderate("ssn 123-45-6789 <script>alert(1)</script>", "1.2.3.4")
	if res.Action != ActionBlock {
		t.Fatalf("expected BLOCK to outrank REDACT, got %s", res.Action)
	}
	if res.Redacted != "" {
		t.Fatalf("redacted copy must be withheld when blocking, got %q", res.Redacted)
	}
}

func TestModerateFlagOnlyPasses(t *testing.T) {
	engine := NewModerationEngine(defaultModerationRules())
	res := engine.Moderate("eval(base64_decode($x))", "1.2.3.4")
	if res.Action != ActionFlag {
		t.Fatalf("expected FLAG, got %s", res.Action)
	}
	if !res.Passed {
		t.Fatal("flagged content still passes")
	}
	if !res.AlertSent {
		t.Fatal("HIGH severity violation should mark an alert")
	}
}

func TestModerateLockdownTrigger(t *testing.T) {
	engine := NewModerationEngine(defaultModerationRules())
	res := engine.Moderate("download mimikatz.exe here", "1.2.3.4")
	if !res.TriggersLockdown {
		t.Fatal("malware signature must trigger lockdown")
	}
	if res.LockdownRule != "malware_signature" {
		t.Fatalf("unexpected lockdown rule %q", res.LockdownRule)
	}
	if !res.NotifyOperator {
		t.Fatal("malware signature must notify the operator")
	}
}

func TestModerateDisabledRuleSkipped(t *testing.T) {
	rules := defaultModerationRules()
	for _, r := range rules {
		if r.Name == "xss" {
			r.Enabled = false
		}
	}
	engine := NewModerationEngine(rules)
	res := engine.Moderate("<script>alert(1)</script>", "1.2.3.4")
	for _, v := range res.Violations {
		if v.Rule == "xss" {
			t.Fatal("disabled rule must not produce violations")
		}
	}
}

func TestModerateTruncatesMatch(t *testing.T) {
	engine := NewModerationEngine(defaultModerationRules())
	long := "api_key = \"" + strings.Repeat("k", 200) + "\""
	res := engine.Moderate(long, "1.2.3.4")
	if len(res.Violations) == 0 {
		t.Fatal("expected a credential violation")
	}
	for _, v := range res.Violations {
		if len(v.Match) > 50 {
			t.Fatalf("match text not truncated: %d bytes", len(v.Match))
		}
	}
}
