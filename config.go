package shield

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// PolicyConfig is the strongly-typed, immutable policy the engine runs with.
// It is parsed once at startup; hot-reload is deliberately unsupported.
type PolicyConfig struct {
	Environment       string
	HealthPath        string
	AdminTokenHash    string
	TrustedProxyCIDRs []string
	AllowedOrigins    []string

	LockdownThreshold int
	RecoveryThreshold int
	DecayAmount       int
	DecayInterval     time.Duration
	SweepInterval     time.Duration
	WindowRetention   time.Duration
	HistoryLimit      int

	Flood      WindowPolicy
	BruteForce WindowPolicy

	Moderation  []*ModerationRule
	Correlation []*CorrelationRule

	AlertChannels     map[string]bool
	AlertCredentials  map[string]map[string]string
	IndexerURL        string
	IndexerUsername   string
	IndexerPassword   string
	IndexerPrefix     string
}

// WindowPolicy describes one fixed-window counter: limit hits per window,
// then a cooldown block and a fixed score contribution.
type WindowPolicy struct {
	Limit    int
	Window   time.Duration
	Cooldown time.Duration
	Score    int
}

// ModerationRule is one named pattern category, compiled and read-only.
type ModerationRule struct {
	Name             string
	Enabled          bool
	Severity         Severity
	Action           ModerationAction
	Patterns         []*regexp.Regexp
	RedactWith       string
	TriggersLockdown bool
	NotifyOperator   bool
}

// CorrelationRule fires when any one of its conditions passes (conditions are
// OR'd; this low friction to fire is intentional for a defensive system).
type CorrelationRule struct {
	ID         string
	Name       string
	Severity   Severity
	Enabled    bool
	Conditions []CorrelationCondition
	Actions    []CorrelationAction
}

// CorrelationCondition kinds. GroupBy/Field name either a built-in event
// field (source_ip, endpoint, method, severity) or a detail key.
type CorrelationCondition struct {
	Type      string        // event_match, multi_vector, frequency, threshold, distinct_field
	EventType string        // event_match, frequency
	MinCount  int           // multi_vector: distinct types required
	Window    time.Duration // multi_vector, frequency, distinct_field
	GroupBy   string        // frequency, distinct_field
	Field     string        // threshold, distinct_field
	Op        string        // threshold: gt, gte, lt, lte, eq
	Value     float64       // threshold comparand
	Threshold int           // frequency count, distinct_field distinct count
}

type CorrelationAction struct {
	Type      string // increase_score, block_ip, alert, create_incident, account_hold, suspend_api_key, emergency_lockdown, require_approval
	Score     int
	Duration  time.Duration
	Channels  []string
	Severity  Severity
	Approvals int
}

// Raw wire formats. Durations travel as strings ("30m").

type shieldFileConfig struct {
	Environment       string            `json:"environment"`
	HealthPath        string            `json:"healthPath"`
	AdminTokenHash    string            `json:"adminTokenHash"`
	TrustedProxyCIDRs []string          `json:"trustedProxyCIDRs"`
	AllowedOrigins    []string          `json:"allowedOrigins"`
	LockdownThreshold int               `json:"lockdownThreshold"`
	RecoveryThreshold int               `json:"recoveryThreshold"`
	DecayAmount       int               `json:"decayAmount"`
	DecayInterval     string            `json:"decayInterval"`
	SweepInterval     string            `json:"sweepInterval"`
	WindowRetention   string            `json:"windowRetention"`
	HistoryLimit      int               `json:"historyLimit"`
	Flood             windowFileConfig  `json:"flood"`
	BruteForce        windowFileConfig  `json:"bruteForce"`
	Alerts            alertsFileConfig  `json:"alerts"`
	Indexer           indexerFileConfig `json:"indexer"`
}

type windowFileConfig struct {
	Limit    int    `json:"limit"`
	Window   string `json:"window"`
	Cooldown string `json:"cooldown"`
	Score    int    `json:"score"`
}

type alertsFileConfig struct {
	Channels    map[string]bool              `json:"channels"`
	Credentials map[string]map[string]string `json:"credentials"`
}

type indexerFileConfig struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
	Prefix   string `json:"prefix"`
}

type moderationFileRule struct {
	Name             string   `json:"name"`
	Enabled          *bool    `json:"enabled"`
	Severity         string   `json:"severity"`
	Action           string   `json:"action"`
	Patterns         []string `json:"patterns"`
	RedactWith       string   `json:"redactWith"`
	TriggersLockdown bool     `json:"triggersLockdown"`
	NotifyOperator   bool     `json:"notifyOperator"`
}

type correlationFileRule struct {
	ID         string                    `json:"id"`
	Name       string                    `json:"name"`
	Severity   string                    `json:"severity"`
	Enabled    *bool                     `json:"enabled"`
	Conditions []correlationFileCond     `json:"conditions"`
	Actions    []correlationFileAction   `json:"actions"`
}

type correlationFileCond struct {
	Type      string  `json:"type"`
	EventType string  `json:"eventType"`
	MinCount  int     `json:"minCount"`
	Window    string  `json:"window"`
	GroupBy   string  `json:"groupBy"`
	Field     string  `json:"field"`
	Op        string  `json:"op"`
	Value     float64 `json:"value"`
	Threshold int     `json:"threshold"`
}

type correlationFileAction struct {
	Type      string   `json:"type"`
	Score     int      `json:"score"`
	Duration  string   `json:"duration"`
	Channels  []string `json:"channels"`
	Severity  string   `json:"severity"`
	Approvals int      `json:"approvals"`
}

// LoadPolicy reads shield.json plus the moderation/ and correlation/ rule
// directories beneath configDir. Any parse or validation error rejects the
// whole tree; callers fall back to DefaultPolicy rather than partially
// applying a broken one.
func LoadPolicy(configDir string) (*PolicyConfig, error) {
	policy := DefaultPolicy()

	data, err := os.ReadFile(configDir + "/shield.json")
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read shield config: %w", err)
		}
	} else {
		var raw shieldFileConfig
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse shield config: %w", err)
		}
		if err := applyShieldConfig(policy, &raw); err != nil {
			return nil, err
		}
	}

	modRules, err := loadModerationRules(configDir + "/moderation")
	if err != nil {
		return nil, err
	}
	if modRules != nil {
		policy.Moderation = modRules
	}

	corrRules, err := loadCorrelationRules(configDir + "/correlation")
	if err != nil {
		return nil, err
	}
	if corrRules != nil {
		policy.Correlation = corrRules
	}

	if err := validatePolicy(policy); err != nil {
		return nil, err
	}
	return policy, nil
}

func applyShieldConfig(policy *PolicyConfig, raw *shieldFileConfig) error {
	if raw.Environment != "" {
		policy.Environment = raw.Environment
	}
	if raw.HealthPath != "" {
		policy.HealthPath = raw.HealthPath
	}
	if raw.AdminTokenHash != "" {
		policy.AdminTokenHash = raw.AdminTokenHash
	}
	if len(raw.TrustedProxyCIDRs) > 0 {
		policy.TrustedProxyCIDRs = raw.TrustedProxyCIDRs
	}
	if len(raw.AllowedOrigins) > 0 {
		policy.AllowedOrigins = raw.AllowedOrigins
	}
	if raw.LockdownThreshold > 0 {
		policy.LockdownThreshold = raw.LockdownThreshold
	}
	if raw.RecoveryThreshold > 0 {
		policy.RecoveryThreshold = raw.RecoveryThreshold
	}
	if raw.DecayAmount > 0 {
		policy.DecayAmount = raw.DecayAmount
	}
	if raw.HistoryLimit > 0 {
		policy.HistoryLimit = raw.HistoryLimit
	}
	var err error
	if policy.DecayInterval, err = overrideDuration(policy.DecayInterval, raw.DecayInterval); err != nil {
		return fmt.Errorf("invalid decayInterval: %w", err)
	}
	if policy.SweepInterval, err = overrideDuration(policy.SweepInterval, raw.SweepInterval); err != nil {
		return fmt.Errorf("invalid sweepInterval: %w", err)
	}
	if policy.WindowRetention, err = overrideDuration(policy.WindowRetention, raw.WindowRetention); err != nil {
		return fmt.Errorf("invalid windowRetention: %w", err)
	}
	if err := applyWindowConfig(&policy.Flood, raw.Flood); err != nil {
		return fmt.Errorf("invalid flood policy: %w", err)
	}
	if err := applyWindowConfig(&policy.BruteForce, raw.BruteForce); err != nil {
		return fmt.Errorf("invalid bruteForce policy: %w", err)
	}
	if len(raw.Alerts.Channels) > 0 {
		policy.AlertChannels = raw.Alerts.Channels
	}
	if len(raw.Alerts.Credentials) > 0 {
		policy.AlertCredentials = raw.Alerts.Credentials
	}
	if raw.Indexer.URL != "" {
		policy.IndexerURL = raw.Indexer.URL
		policy.IndexerUsername = raw.Indexer.Username
		policy.IndexerPassword = raw.Indexer.Password
		if raw.Indexer.Prefix != "" {
			policy.IndexerPrefix = raw.Indexer.Prefix
		}
	}
	return nil
}

func applyWindowConfig(dst *WindowPolicy, raw windowFileConfig) error {
	if raw.Limit > 0 {
		dst.Limit = raw.Limit
	}
	if raw.Score > 0 {
		dst.Score = raw.Score
	}
	var err error
	if dst.Window, err = overrideDuration(dst.Window, raw.Window); err != nil {
		return err
	}
	dst.Cooldown, err = overrideDuration(dst.Cooldown, raw.Cooldown)
	return err
}

func overrideDuration(current time.Duration, raw string) (time.Duration, error) {
	if raw == "" {
		return current, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return current, err
	}
	if d <= 0 {
		return current, fmt.Errorf("duration %q must be positive", raw)
	}
	return d, nil
}

func loadModerationRules(dir string) ([]*ModerationRule, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read moderation rules directory: %w", err)
	}
	var rules []*ModerationRule
	for _, file := range files {
		if !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(dir + "/" + file.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read moderation rule %s: %w", file.Name(), err)
		}
		var raw moderationFileRule
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse moderation rule %s: %w", file.Name(), err)
		}
		rule, err := compileModerationRule(&raw)
		if err != nil {
			return nil, fmt.Errorf("invalid moderation rule %s: %w", file.Name(), err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func compileModerationRule(raw *moderationFileRule) (*ModerationRule, error) {
	if raw.Name == "" {
		return nil, fmt.Errorf("rule has empty name")
	}
	if len(raw.Patterns) == 0 {
		return nil, fmt.Errorf("rule %s has no patterns", raw.Name)
	}
	rule := &ModerationRule{
		Name:             raw.Name,
		Enabled:          raw.Enabled == nil || *raw.Enabled,
		Severity:         parseSeverity(raw.Severity, SeverityMedium),
		Action:           parseModerationAction(raw.Action),
		RedactWith:       raw.RedactWith,
		TriggersLockdown: raw.TriggersLockdown,
		NotifyOperator:   raw.NotifyOperator,
	}
	if rule.Action == ActionRedact && rule.RedactWith == "" {
		rule.RedactWith = "[REDACTED]"
	}
	for _, p := range raw.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("rule %s pattern %q: %w", raw.Name, p, err)
		}
		rule.Patterns = append(rule.Patterns, re)
	}
	return rule, nil
}

func loadCorrelationRules(dir string) ([]*CorrelationRule, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read correlation rules directory: %w", err)
	}
	var rules []*CorrelationRule
	for _, file := range files {
		if !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(dir + "/" + file.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read correlation rule %s: %w", file.Name(), err)
		}
		var raw correlationFileRule
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse correlation rule %s: %w", file.Name(), err)
		}
		rule, err := compileCorrelationRule(&raw)
		if err != nil {
			return nil, fmt.Errorf("invalid correlation rule %s: %w", file.Name(), err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func compileCorrelationRule(raw *correlationFileRule) (*CorrelationRule, error) {
	if raw.ID == "" {
		return nil, fmt.Errorf("rule has empty id")
	}
	rule := &CorrelationRule{
		ID:       raw.ID,
		Name:     raw.Name,
		Severity: parseSeverity(raw.Severity, SeverityMedium),
		Enabled:  raw.Enabled == nil || *raw.Enabled,
	}
	if rule.Name == "" {
		rule.Name = raw.ID
	}
	if len(raw.Conditions) == 0 {
		return nil, fmt.Errorf("rule %s has no conditions", raw.ID)
	}
	for i, rc := range raw.Conditions {
		cond := CorrelationCondition{
			Type:      rc.Type,
			EventType: rc.EventType,
			MinCount:  rc.MinCount,
			GroupBy:   rc.GroupBy,
			Field:     rc.Field,
			Op:        rc.Op,
			Value:     rc.Value,
			Threshold: rc.Threshold,
		}
		var err error
		if cond.Window, err = overrideDuration(0, rc.Window); err != nil {
			return nil, fmt.Errorf("rule %s condition %d window: %w", raw.ID, i, err)
		}
		switch cond.Type {
		case "event_match":
			if cond.EventType == "" {
				return nil, fmt.Errorf("rule %s condition %d: event_match requires eventType", raw.ID, i)
			}
		case "multi_vector":
			if cond.MinCount <= 0 || cond.Window <= 0 {
				return nil, fmt.Errorf("rule %s condition %d: multi_vector requires minCount and window", raw.ID, i)
			}
		case "frequency":
			if cond.Threshold <= 0 || cond.Window <= 0 || cond.GroupBy == "" {
				return nil, fmt.Errorf("rule %s condition %d: frequency requires threshold, window and groupBy", raw.ID, i)
			}
		case "threshold":
			if cond.Field == "" || !validComparator(cond.Op) {
				return nil, fmt.Errorf("rule %s condition %d: threshold requires field and a valid op", raw.ID, i)
			}
		case "distinct_field":
			if cond.Threshold <= 0 || cond.Window <= 0 || cond.Field == "" || cond.GroupBy == "" {
				return nil, fmt.Errorf("rule %s condition %d: distinct_field requires threshold, window, field and groupBy", raw.ID, i)
			}
		default:
			return nil, fmt.Errorf("rule %s condition %d has unknown type %q", raw.ID, i, cond.Type)
		}
		rule.Conditions = append(rule.Conditions, cond)
	}
	for i, ra := range raw.Actions {
		action := CorrelationAction{
			Type:      ra.Type,
			Score:     ra.Score,
			Channels:  ra.Channels,
			Severity:  parseSeverity(ra.Severity, rule.Severity),
			Approvals: ra.Approvals,
		}
		switch action.Type {
		case "increase_score", "block_ip", "alert", "create_incident",
			"account_hold", "suspend_api_key", "emergency_lockdown", "require_approval":
		default:
			return nil, fmt.Errorf("rule %s action %d has unknown type %q", raw.ID, i, ra.Type)
		}
		var err error
		if action.Duration, err = overrideDuration(0, ra.Duration); err != nil {
			return nil, fmt.Errorf("rule %s action %d duration: %w", raw.ID, i, err)
		}
		rule.Actions = append(rule.Actions, action)
	}
	return rule, nil
}

func validComparator(op string) bool {
	switch op {
	case "gt", "gte", "lt", "lte", "eq":
		return true
	}
	return false
}

func parseSeverity(raw string, fallback Severity) Severity {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "LOW":
		return SeverityLow
	case "MEDIUM":
		return SeverityMedium
	case "HIGH":
		return SeverityHigh
	case "CRITICAL":
		return SeverityCritical
	}
	return fallback
}

// parseModerationAction maps the wire action into the canonical ordering.
// ALERT is an alias for FLAG kept for policy-file compatibility.
func parseModerationAction(raw string) ModerationAction {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BLOCK":
		return ActionBlock
	case "REDACT":
		return ActionRedact
	case "FLAG", "ALERT":
		return ActionFlag
	}
	return ActionAllow
}

func validatePolicy(policy *PolicyConfig) error {
	if policy.LockdownThreshold <= 0 {
		return fmt.Errorf("lockdownThreshold must be positive")
	}
	if policy.RecoveryThreshold <= 0 || policy.RecoveryThreshold >= policy.LockdownThreshold {
		return fmt.Errorf("recoveryThreshold must sit below lockdownThreshold (hysteresis)")
	}
	if policy.Flood.Limit <= 0 || policy.BruteForce.Limit <= 0 {
		return fmt.Errorf("window limits must be positive")
	}
	seen := make(map[string]bool)
	for _, rule := range policy.Correlation {
		if seen[rule.ID] {
			return fmt.Errorf("duplicate correlation rule id %q", rule.ID)
		}
		seen[rule.ID] = true
	}
	return nil
}
