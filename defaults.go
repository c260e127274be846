package shield

import (
	"regexp"
	"time"
)

// DefaultPolicy is the hard-coded minimal safe policy used when the config
// tree is missing or rejected. The system stays enabled on this fallback.
func DefaultPolicy() *PolicyConfig {
	return &PolicyConfig{
		Environment:       "production",
		HealthPath:        "/health",
		LockdownThreshold: 100,
		RecoveryThreshold: 50,
		DecayAmount:       10,
		DecayInterval:     time.Hour,
		SweepInterval:     time.Minute,
		WindowRetention:   time.Hour,
		HistoryLimit:      100,
		Flood: WindowPolicy{
			Limit:    100,
			Window:   time.Minute,
			Cooldown: 10 * time.Minute,
			Score:    25,
		},
		BruteForce: WindowPolicy{
			Limit:    5,
			Window:   30 * time.Minute,
			Cooldown: 30 * time.Minute,
			Score:    35,
		},
		Moderation:    defaultModerationRules(),
		Correlation:   defaultCorrelationRules(),
		AlertChannels: map[string]bool{"log": true},
		IndexerPrefix: "threat-events",
	}
}

func defaultModerationRules() []*ModerationRule {
	compile := func(patterns ...string) []*regexp.Regexp {
		res := make([]*regexp.Regexp, 0, len(patterns))
		for _, p := range patterns {
			res = append(res, regexp.MustCompile(p))
		}
		return res
	}
	return []*ModerationRule{
		{
			Name:     "private_key_material",
			Enabled:  true,
			Severity: SeverityCritical,
			Action:   ActionBlock,
			Patterns: compile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`),
		},
		{
			Name:     "credential_assignment",
			Enabled:  true,
			Severity: SeverityHigh,
			Action:   ActionBlock,
			Patterns: compile(
				`(?i)\b(?:api[_-]?key|secret[_-]?key|access[_-]?token|password|passwd)\b\s*[:=]\s*['"][^'"]{8,}['"]`,
				`\bAKIA[0-9A-Z]{16}\b`,
			),
		},
		{
			Name:     "sql_injection",
			Enabled:  true,
			Severity: SeverityCritical,
			Action:   ActionBlock,
			Patterns: compile(
				`(?i)\b(?:union\s+(?:all\s+)?select|drop\s+table|truncate\s+table|insert\s+into|delete\s+from)\b`,
				`(?i)'\s*or\s+'?1'?\s*=\s*'?1`,
				`(?i);\s*--`,
			),
		},
		{
			Name:     "xss",
			Enabled:  true,
			Severity: SeverityHigh,
			Action:   ActionBlock,
			Patterns: compile(
				`(?i)<script[\s>]`,
				`(?i)\bjavascript\s*:`,
				`(?i)\bon(?:error|load|click|mouseover|focus)\s*=`,
				`(?i)<iframe[\s>]`,
			),
		},
		{
			Name:     "command_injection",
			Enabled:  true,
			Severity: SeverityCritical,
			Action:   ActionBlock,
			Patterns: compile(
				`(?i)[;&|]\s*(?:rm|cat|wget|curl|nc|chmod|chown)\s`,
				`\$\([^)]+\)`,
				"`[^`]+`",
			),
		},
		{
			Name:     "reverse_shell",
			Enabled:  true,
			Severity: SeverityCritical,
			Action:   ActionBlock,
			Patterns: compile(
				`/dev/tcp/\d{1,3}(?:\.\d{1,3}){3}/\d+`,
				`(?i)\bnc\s+(?:-\w+\s+)*-e\s`,
				`(?i)bash\s+-i\s+>&`,
				`(?i)socat\s+\S*exec`,
			),
		},
		{
			Name:     "path_traversal",
			Enabled:  true,
			Severity: SeverityHigh,
			Action:   ActionBlock,
			Patterns: compile(
				`(?:\.\./){2,}`,
				`(?i)%2e%2e%2f`,
				`\.\.\\`,
			),
		},
		{
			Name:       "pii",
			Enabled:    true,
			Severity:   SeverityMedium,
			Action:     ActionRedact,
			RedactWith: "[REDACTED]",
			Patterns: compile(
				`\b\d{3}-\d{2}-\d{4}\b`,
				`\b(?:\d[ -]?){15}\d\b`,
			),
		},
		{
			Name:             "malware_signature",
			Enabled:          true,
			Severity:         SeverityCritical,
			Action:           ActionBlock,
			TriggersLockdown: true,
			NotifyOperator:   true,
			Patterns: compile(
				`(?i)eicar-standard-antivirus-test-file`,
				`(?i)\b(?:mimikatz|meterpreter|cobalt\s?strike)\b`,
			),
		},
		{
			Name:     "crypto_mining",
			Enabled:  true,
			Severity: SeverityHigh,
			Action:   ActionBlock,
			Patterns: compile(
				`(?i)stratum\+tcp://`,
				`(?i)\b(?:xmrig|minerd|coinhive|cryptonight)\b`,
			),
		},
		{
			Name:     "encoded_execution",
			Enabled:  true,
			Severity: SeverityHigh,
			Action:   ActionFlag,
			Patterns: compile(
				`(?i)eval\s*\(\s*(?:base64_decode|atob)\s*\(`,
				`(?i)base64\s+(?:-d|--decode)\s*\|\s*(?:ba)?sh`,
				`(?i)powershell\S*\s+-enc(?:odedcommand)?\s+[A-Za-z0-9+/=]{20,}`,
			),
		},
	}
}

func defaultCorrelationRules() []*CorrelationRule {
	return []*CorrelationRule{
		{
			ID:       "multi-vector-probe",
			Name:     "Multiple attack vectors from one source",
			Severity: SeverityHigh,
			Enabled:  true,
			Conditions: []CorrelationCondition{
				{Type: "multi_vector", MinCount: 3, Window: 10 * time.Minute},
			},
			Actions: []CorrelationAction{
				{Type: "create_incident", Severity: SeverityHigh},
				{Type: "alert", Channels: []string{"log"}},
				{Type: "increase_score", Score: 20},
			},
		},
		{
			ID:       "brute-force-burst",
			Name:     "Sustained credential stuffing from one source",
			Severity: SeverityHigh,
			Enabled:  true,
			Conditions: []CorrelationCondition{
				{Type: "frequency", EventType: "brute_force", GroupBy: "source_ip", Threshold: 10, Window: 5 * time.Minute},
			},
			Actions: []CorrelationAction{
				{Type: "block_ip", Duration: time.Hour},
				{Type: "create_incident", Severity: SeverityHigh},
				{Type: "alert", Channels: []string{"log"}},
			},
		},
		{
			ID:       "distributed-endpoint-abuse",
			Name:     "One endpoint probed from many sources",
			Severity: SeverityCritical,
			Enabled:  true,
			Conditions: []CorrelationCondition{
				{Type: "distinct_field", Field: "source_ip", GroupBy: "endpoint", Threshold: 5, Window: 10 * time.Minute},
			},
			Actions: []CorrelationAction{
				{Type: "create_incident", Severity: SeverityCritical},
				{Type: "alert", Channels: []string{"log"}},
				{Type: "require_approval", Approvals: 2},
			},
		},
		{
			ID:       "critical-single-event",
			Name:     "Critical event escalation",
			Severity: SeverityCritical,
			Enabled:  true,
			Conditions: []CorrelationCondition{
				{Type: "threshold", Field: "score", Op: "gte", Value: 100},
			},
			Actions: []CorrelationAction{
				{Type: "alert", Channels: []string{"log"}},
				{Type: "emergency_lockdown"},
			},
		},
	}
}
