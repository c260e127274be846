package shield

// ModerationEngine evaluates arbitrary text against the enabled rule
// categories. It is stateless and side-effect-free: identical input yields
// identical violations, and it never touches global state — lockdown triggers
// are only signalled upward through the result.
type ModerationEngine struct {
	rules       []*ModerationRule
	maxMatchLen int
}

// Violation is one pattern hit. Match text is truncated so large secrets
// never leak into logs or the audit trail whole.
type Violation struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Pattern  string   `json:"pattern"`
	Match    string   `json:"match"`
}

// ModerationResult is computed fresh per call and never persisted directly.
//
// Redacted is advisory: substitutions are applied for every REDACT rule that
// matches, but the redacted copy is only returned when REDACT is the single
// most severe action across all violations. When a BLOCK rule also fires the
// copy is discarded — intentional, the blocked content is not forwarded
// anywhere a redaction could protect.
type ModerationResult struct {
	Passed           bool             `json:"passed"`
	Violations       []Violation      `json:"violations,omitempty"`
	Redacted         string           `json:"redacted,omitempty"`
	Action           ModerationAction `json:"action"`
	AlertSent        bool             `json:"alertSent"`
	TriggersLockdown bool             `json:"triggersLockdown"`
	LockdownRule     string           `json:"lockdownRule,omitempty"`
	NotifyOperator   bool             `json:"notifyOperator"`
	Score            int              `json:"score"`
}

func NewModerationEngine(rules []*ModerationRule) *ModerationEngine {
	return &ModerationEngine{rules: rules, maxMatchLen: 50}
}

// Moderate runs every enabled rule category over content. The source tag is
// carried only for the caller's bookkeeping; it does not change evaluation.
func (m *ModerationEngine) Moderate(content, source string) ModerationResult {
	result := ModerationResult{Passed: true, Action: ActionAllow}
	redacted := content

	for _, rule := range m.rules {
		if !rule.Enabled {
			continue
		}
		for _, pattern := range rule.Patterns {
			match := pattern.FindString(content)
			if match == "" {
				continue
			}
			result.Violations = append(result.Violations, Violation{
				Rule:     rule.Name,
				Severity: rule.Severity,
				Pattern:  pattern.String(),
				Match:    truncate(match, m.maxMatchLen),
			})
			result.Score += rule.Severity.Weight()
			if rule.Severity.Rank() >= SeverityHigh.Rank() {
				result.AlertSent = true
			}
			if rule.Action.Rank() > result.Action.Rank() {
				result.Action = rule.Action
			}
			// Redaction runs regardless of which rule ends up most severe.
			if rule.Action == ActionRedact {
				redacted = pattern.ReplaceAllString(redacted, rule.RedactWith)
			}
			if rule.TriggersLockdown {
				result.TriggersLockdown = true
				if result.LockdownRule == "" {
					result.LockdownRule = rule.Name
				}
			}
			if rule.NotifyOperator {
				result.NotifyOperator = true
			}
		}
	}

	if len(result.Violations) > 0 {
		result.Passed = result.Action.Rank() <= ActionFlag.Rank()
	}
	if result.Action == ActionRedact {
		result.Redacted = redacted
	}
	return result
}
