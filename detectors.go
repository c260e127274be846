package shield

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// RequestSnapshot is the immutable view of one inbound request handed to the
// detector set. It is extracted once before fan-out because the fiber context
// must not be shared across goroutines.
type RequestSnapshot struct {
	Method        string
	Path          string
	ClientIP      string
	UserAgent     string
	Origin        string
	Authorization string
	Body          string
	Query         string
	Params        string
	Secure        bool
}

// SnapshotRequest copies everything the detectors need out of the fiber
// context.
func SnapshotRequest(c *fiber.Ctx, clientIP string) *RequestSnapshot {
	snap := &RequestSnapshot{
		Method:        c.Method(),
		Path:          c.Path(),
		ClientIP:      clientIP,
		UserAgent:     c.Get(fiber.HeaderUserAgent),
		Origin:        c.Get(fiber.HeaderOrigin),
		Authorization: c.Get(fiber.HeaderAuthorization),
		Body:          string(c.Body()),
		Query:         string(c.Request().URI().QueryString()),
		Secure:        c.Secure(),
	}
	if params := c.AllParams(); len(params) > 0 {
		var sb strings.Builder
		for k, v := range params {
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(v)
			sb.WriteByte('\n')
		}
		snap.Params = sb.String()
	}
	return snap
}

// scannable is the serialized surface the injection-class detectors match.
func (s *RequestSnapshot) scannable() string {
	return s.Body + "\n" + s.Query + "\n" + s.Params
}

// DetectorResult is one detector's independent contribution. Results combine
// by summing scores and OR-ing blocked flags.
type DetectorResult struct {
	Blocked bool
	Score   int
	Reason  string
	Details map[string]any
}

type Detector struct {
	Name  string
	Check func(s *Shield, snap *RequestSnapshot) DetectorResult
}

var sqlInjectionProbes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:union\s+(?:all\s+)?select|drop\s+table|truncate\s+table|insert\s+into|delete\s+from|exec\s+xp_)\b`),
	regexp.MustCompile(`(?i)'\s*or\s+'?1'?\s*=\s*'?1`),
	regexp.MustCompile(`(?i);\s*--`),
	regexp.MustCompile(`(?i)[;&|]\s*(?:rm|cat|wget|curl|nc|chmod)\s`),
	regexp.MustCompile("`[^`]+`"),
	regexp.MustCompile(`\$\([^)]+\)`),
}

var xssProbes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script[\s>]`),
	regexp.MustCompile(`(?i)\bjavascript\s*:`),
	regexp.MustCompile(`(?i)\bon(?:error|load|click|mouseover|focus)\s*=`),
	regexp.MustCompile(`(?i)<iframe[\s>]`),
}

// defaultDetectors is the required detector set. Each entry is independent:
// a failure in one never suppresses the others.
func defaultDetectors() []Detector {
	return []Detector{
		{Name: "ddos", Check: detectFlood},
		{Name: "brute_force", Check: detectBruteForce},
		{Name: "insecure_transport", Check: detectTransportDowngrade},
		{Name: "injection", Check: detectInjection},
		{Name: "xss", Check: detectXSS},
		{Name: "csrf", Check: detectCSRF},
		{Name: "auth_anomaly", Check: detectAuthAnomaly},
		{Name: "moderation", Check: detectModeration},
	}
}

// detectFlood is the fixed-window per-source counter. It runs on its own
// counter key so a failure elsewhere cannot bypass it.
func detectFlood(s *Shield, snap *RequestSnapshot) DetectorResult {
	policy := s.policy.Flood
	count, _, err := s.store.ConsumeWindow("flood|"+snap.ClientIP, policy.Window)
	if err != nil {
		return DetectorResult{}
	}
	if count <= policy.Limit {
		return DetectorResult{}
	}
	block := &BlockInfo{
		Until:      s.now().Add(policy.Cooldown),
		Reason:     "request flood",
		StatusCode: fiber.StatusTooManyRequests,
	}
	if err := s.store.SetBlock(snap.ClientIP, block); err != nil {
		s.logger.Warn().Err(err).Str("ip", snap.ClientIP).Msg("failed to record flood block")
	}
	return DetectorResult{
		Blocked: true,
		Score:   policy.Score,
		Reason:  fmt.Sprintf("DDoS flood: %d requests within %s (limit %d)", count, policy.Window, policy.Limit),
		Details: map[string]any{"request_count": count, "limit": policy.Limit},
	}
}

// detectBruteForce mirrors the flood counter but keys by (source, endpoint)
// and only watches authentication-shaped paths, with a far lower allowance
// and a longer cooldown.
func detectBruteForce(s *Shield, snap *RequestSnapshot) DetectorResult {
	if !isAuthPath(snap.Path) {
		return DetectorResult{}
	}
	policy := s.policy.BruteForce
	key := snap.ClientIP + "|" + snap.Path
	count, _, err := s.store.ConsumeWindow("brute|"+key, policy.Window)
	if err != nil {
		return DetectorResult{}
	}
	if count <= policy.Limit {
		return DetectorResult{}
	}
	block := &BlockInfo{
		Until:      s.now().Add(policy.Cooldown),
		Reason:     "brute force",
		StatusCode: fiber.StatusTooManyRequests,
	}
	if err := s.store.SetBlock(key, block); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to record brute-force block")
	}
	return DetectorResult{
		Blocked: true,
		Score:   policy.Score,
		Reason:  fmt.Sprintf("brute force: %d attempts on %s within %s (limit %d)", count, snap.Path, policy.Window, policy.Limit),
		Details: map[string]any{"attempt_count": count, "limit": policy.Limit},
	}
}

// detectTransportDowngrade flags unencrypted transport outside development.
// Soft signal: scores, never blocks alone.
func detectTransportDowngrade(s *Shield, snap *RequestSnapshot) DetectorResult {
	if s.policy.Environment == "development" || snap.Secure {
		return DetectorResult{}
	}
	return DetectorResult{
		Score:  10,
		Reason: "request not transport-encrypted",
	}
}

func detectInjection(s *Shield, snap *RequestSnapshot) DetectorResult {
	payload := snap.scannable()
	for _, probe := range sqlInjectionProbes {
		if match := probe.FindString(payload); match != "" {
			return DetectorResult{
				Blocked: true,
				Score:   50,
				Reason:  "injection syntax in request payload",
				Details: map[string]any{"match": truncate(match, 50)},
			}
		}
	}
	return DetectorResult{}
}

func detectXSS(s *Shield, snap *RequestSnapshot) DetectorResult {
	payload := snap.Body + "\n" + snap.Query
	for _, probe := range xssProbes {
		if match := probe.FindString(payload); match != "" {
			return DetectorResult{
				Blocked: true,
				Score:   40,
				Reason:  "cross-site scripting syntax in request payload",
				Details: map[string]any{"match": truncate(match, 50)},
			}
		}
	}
	return DetectorResult{}
}

// detectCSRF compares the declared origin of non-idempotent requests against
// the allow-list. Mismatch raises the score but never blocks by itself.
func detectCSRF(s *Shield, snap *RequestSnapshot) DetectorResult {
	if !nonIdempotent(snap.Method) || snap.Origin == "" || len(s.policy.AllowedOrigins) == 0 {
		return DetectorResult{}
	}
	if originAllowed(snap.Origin, s.policy.AllowedOrigins) {
		return DetectorResult{}
	}
	return DetectorResult{
		Score:   15,
		Reason:  "origin not in allow-list for state-changing request",
		Details: map[string]any{"origin": snap.Origin},
	}
}

// detectAuthAnomaly flags admin-prefixed paths reached without a bearer
// credential. Soft signal.
func detectAuthAnomaly(s *Shield, snap *RequestSnapshot) DetectorResult {
	if !strings.HasPrefix(snap.Path, "/admin") {
		return DetectorResult{}
	}
	if strings.HasPrefix(snap.Authorization, "Bearer ") {
		return DetectorResult{}
	}
	return DetectorResult{
		Score:  20,
		Reason: "admin path accessed without bearer credential",
	}
}

// detectModeration hands the full request payload to the pattern matcher and
// maps the result's action onto the block/score model.
func detectModeration(s *Shield, snap *RequestSnapshot) DetectorResult {
	res := s.moderation.Moderate(snap.scannable(), snap.ClientIP)
	if len(res.Violations) == 0 {
		return DetectorResult{}
	}
	reasons := make([]string, 0, len(res.Violations))
	for _, v := range res.Violations {
		reasons = append(reasons, v.Rule)
	}
	result := DetectorResult{
		Blocked: res.Action == ActionBlock,
		Score:   res.Score,
		Reason:  "content moderation: " + strings.Join(reasons, ", "),
		Details: map[string]any{"violations": res.Violations, "action": res.Action},
	}
	if res.TriggersLockdown {
		result.Details["lockdown_rule"] = res.LockdownRule
	}
	if res.NotifyOperator {
		result.Details["notify_operator"] = true
	}
	return result
}

// runDetectors fans the snapshot out to every detector concurrently and
// combines their contributions. A panicking detector is recovered and counts
// as zero for that detector only — the pipeline fails open, never the
// lockdown gate.
func (s *Shield) runDetectors(snap *RequestSnapshot) (score int, blocked bool, types []string, reasons []string, details map[string]any) {
	results := make([]DetectorResult, len(s.detectors))
	var wg sync.WaitGroup
	for i, det := range s.detectors {
		wg.Add(1)
		go func(idx int, d Detector) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error().Str("detector", d.Name).Str("panic", fmt.Sprint(r)).Msg("detector failed; treated as zero contribution")
					s.metrics.IncrementCounter("shield_detector_failures_total", map[string]string{"detector": d.Name})
					results[idx] = DetectorResult{}
				}
			}()
			start := time.Now()
			results[idx] = d.Check(s, snap)
			s.metrics.ObserveHistogram("shield_detector_duration_seconds", time.Since(start).Seconds(), map[string]string{"detector": d.Name})
		}(i, det)
	}
	wg.Wait()

	details = make(map[string]any)
	for i, res := range results {
		if res.Score == 0 && !res.Blocked {
			continue
		}
		name := s.detectors[i].Name
		score += res.Score
		blocked = blocked || res.Blocked
		types = append(types, name)
		if res.Reason != "" {
			reasons = append(reasons, res.Reason)
		}
		if len(res.Details) > 0 {
			details[name] = res.Details
		}
		s.metrics.IncrementCounter("shield_detections_total", map[string]string{"detector": name})
	}
	return score, blocked, types, reasons, details
}
