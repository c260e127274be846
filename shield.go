package shield

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/oarkflow/log"
	"golang.org/x/crypto/bcrypt"
)

// Error codes surfaced to clients on the two rejection paths.
const (
	CodeBlocked  = "SHIELD_BLOCKED"
	CodeLockdown = "SHIELD_LOCKDOWN"
)

// Shield is the owning service object: policy, detector set, ledger,
// correlation engine, alert fan-out and background maintenance all hang off
// it. Build one with New, attach Middleware to a fiber app, then Start.
type Shield struct {
	policy      *PolicyConfig
	store       CounterStore
	audit       AuditStore
	indexer     EventIndexer
	metrics     MetricsCollector
	logger      *log.Logger
	moderation  *ModerationEngine
	ledger      *ThreatLedger
	correlation *CorrelationEngine
	alerts      *AlertDispatcher
	detectors   []Detector
	trustedNets []*net.IPNet
	now         func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Options are the injectable collaborators. Every field is optional; zero
// values select the built-in implementations.
type Options struct {
	ConfigDir string
	Store     CounterStore
	Audit     AuditStore
	Indexer   EventIndexer
	Metrics   MetricsCollector
	Logger    *log.Logger
	Now       func() time.Time
}

// New assembles a Shield. A broken policy tree is logged and replaced by the
// built-in defaults rather than refusing to start: protection degrades to the
// defaults, it never silently disappears.
func New(opts Options) *Shield {
	logger := opts.Logger
	if logger == nil {
		logger = &log.DefaultLogger
	}

	policy := DefaultPolicy()
	if opts.ConfigDir != "" {
		loaded, err := LoadPolicy(opts.ConfigDir)
		if err != nil {
			logger.Warn().Err(err).Str("dir", opts.ConfigDir).Msg("policy tree rejected; running with built-in defaults")
		} else {
			policy = loaded
		}
	}

	store := opts.Store
	if store == nil {
		store = NewInMemoryCounterStore()
	}
	audit := opts.Audit
	if audit == nil {
		audit = NoopAuditStore{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewInMemoryMetrics()
	}
	indexer := opts.Indexer
	if indexer == nil {
		if policy.IndexerURL != "" {
			indexer = NewHTTPIndexer(policy.IndexerURL, policy.IndexerUsername, policy.IndexerPassword)
		} else {
			indexer = &NoopIndexer{}
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Shield{
		policy:      policy,
		store:       store,
		audit:       audit,
		indexer:     indexer,
		metrics:     metrics,
		logger:      logger,
		moderation:  NewModerationEngine(policy.Moderation),
		ledger:      NewThreatLedger(policy, logger, metrics, now),
		detectors:   defaultDetectors(),
		trustedNets: parseCIDRs(policy.TrustedProxyCIDRs),
		now:         now,
		stop:        make(chan struct{}),
	}
	s.alerts = NewAlertDispatcher(policy, indexer, logger, metrics)
	s.correlation = NewCorrelationEngine(policy, CorrelationDeps{
		Audit:   audit,
		Indexer: indexer,
		Alerts:  s.alerts,
		Store:   store,
		Ledger:  s.ledger,
		Logger:  logger,
		Metrics: metrics,
		Now:     now,
	})
	return s
}

// Start launches the decay and sweep tickers.
func (s *Shield) Start() {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.policy.DecayInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if s.ledger.Decay() {
					s.alerts.Dispatch(&Alert{
						Title:     "lockdown lifted",
						Severity:  SeverityMedium,
						RuleID:    "decay",
						Timestamp: s.now(),
						Detail:    map[string]string{"score": "decayed below recovery threshold"},
					}, nil)
				}
			case <-s.stop:
				return
			}
		}
	}()
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.policy.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.correlation.Sweep()
				s.store.Cleanup(s.policy.WindowRetention)
				s.ledger.PruneHistory(s.policy.WindowRetention)
			case <-s.stop:
				return
			}
		}
	}()
	s.logger.Info().Str("environment", s.policy.Environment).Int("detectors", len(s.detectors)).Msg("shield started")
}

// Stop halts the background tickers and closes the audit store.
func (s *Shield) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	if err := s.audit.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("audit store close failed")
	}
}

// Ledger exposes the risk state for the admin surface.
func (s *Shield) Ledger() *ThreatLedger { return s.ledger }

// Correlation exposes the engine, mainly for health reporting.
func (s *Shield) Correlation() *CorrelationEngine { return s.correlation }

// clientIP resolves the source address, honoring X-Forwarded-For only when
// the direct peer sits inside a trusted proxy range.
func (s *Shield) clientIP(c *fiber.Ctx) string {
	ip := c.IP()
	if len(s.trustedNets) > 0 && ipInNets(ip, s.trustedNets) {
		if ips := c.IPs(); len(ips) > 0 {
			if forwarded := strings.TrimSpace(ips[0]); forwarded != "" {
				return forwarded
			}
		}
	}
	return ip
}

// adminAuthorized checks the bearer credential against the configured bcrypt
// hash. No hash configured means no admin bypass exists.
func (s *Shield) adminAuthorized(c *fiber.Ctx) bool {
	if s.policy.AdminTokenHash == "" {
		return false
	}
	token := strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(s.policy.AdminTokenHash), []byte(token)) == nil
}

// Middleware is the request gate. Ordering is deliberate: the lockdown check
// runs before anything that can fail, and it fails closed — every other stage
// fails open so an internal fault degrades detection, not availability.
func (s *Shield) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// The health endpoint stays reachable in every state.
		if c.Path() == s.policy.HealthPath {
			return c.Next()
		}

		if s.ledger == nil || s.ledger.InLockdown() {
			if !s.adminAuthorized(c) {
				s.metrics.IncrementCounter("shield_lockdown_rejections_total", nil)
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"error": "service is in security lockdown",
					"code":  CodeLockdown,
				})
			}
		}

		ip := s.clientIP(c)
		if resp := s.activeBlock(c, ip); resp != nil {
			return resp
		}

		s.ledger.TrackRequest()
		snap := SnapshotRequest(c, ip)
		score, blocked, types, reasons, details := s.runDetectors(snap)
		if score == 0 && !blocked {
			return c.Next()
		}

		ev := NewThreatEvent(s.now())
		ev.SourceIP = ip
		ev.Endpoint = snap.Path
		ev.Method = snap.Method
		ev.Types = types
		ev.Score = score
		ev.Severity = SeverityFromScore(score)
		ev.Blocked = blocked
		ev.UserAgent = snap.UserAgent
		ev.Details = details
		if len(reasons) > 0 {
			ev.Details["reasons"] = reasons
		}

		enteredLockdown := s.ledger.Record(ev)
		s.logger.Warn().
			Str("eventID", ev.ID).
			Str("ip", ip).
			Str("endpoint", ev.Endpoint).
			Str("severity", string(ev.Severity)).
			Int("score", score).
			Bool("blocked", blocked).
			Msg("threat detected")

		// High-severity events hit the durable trail synchronously so a crash
		// immediately after the response cannot lose them.
		if ev.Severity.Rank() >= SeverityHigh.Rank() {
			if err := s.audit.AppendEvent(c.Context(), ev); err != nil {
				s.logger.Warn().Err(err).Str("eventID", ev.ID).Msg("synchronous audit append failed")
			}
		}

		if rule, ok := moderationLockdownRule(details); ok {
			s.triggerModerationLockdown(c, ev, rule)
			enteredLockdown = true
		} else if enteredLockdown {
			s.alerts.Dispatch(&Alert{
				Title:     "global risk score crossed lockdown threshold",
				Severity:  SeverityCritical,
				RuleID:    "lockdown",
				Source:    ip,
				Score:     s.ledger.Score(),
				Timestamp: s.now(),
				Detail:    map[string]string{"eventID": ev.ID},
			}, nil)
		}

		go s.correlation.Ingest(ev)

		if blocked {
			s.metrics.IncrementCounter("shield_requests_blocked_total", nil)
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "request rejected by security policy",
				"code":  CodeBlocked,
				"score": score,
			})
		}
		if enteredLockdown {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "service is in security lockdown",
				"code":  CodeLockdown,
			})
		}
		return c.Next()
	}
}

// activeBlock rejects requests from sources with a live block on either the
// plain ip key or the ip|path key. Store errors fail open.
func (s *Shield) activeBlock(c *fiber.Ctx, ip string) error {
	for _, key := range []string{ip, ip + "|" + c.Path()} {
		block, err := s.store.GetBlock(key)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("block lookup failed; failing open")
			return nil
		}
		if block == nil {
			continue
		}
		s.metrics.IncrementCounter("shield_requests_blocked_total", nil)
		status := block.StatusCode
		if status == 0 {
			status = fiber.StatusForbidden
		}
		if !block.Permanent {
			retry := int(time.Until(block.Until).Seconds())
			if retry > 0 {
				c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retry))
			}
		}
		// The stored reason stays in logs and the audit trail only.
		return c.Status(status).JSON(fiber.Map{
			"error": "request rejected by security policy",
			"code":  CodeBlocked,
		})
	}
	return nil
}

func moderationLockdownRule(details map[string]any) (string, bool) {
	mod, ok := details["moderation"].(map[string]any)
	if !ok {
		return "", false
	}
	rule, ok := mod["lockdown_rule"].(string)
	return rule, ok && rule != ""
}

// triggerModerationLockdown handles a lockdown-flagged moderation category:
// force lockdown, open an incident and page the operators.
func (s *Shield) triggerModerationLockdown(c *fiber.Ctx, ev *ThreatEvent, rule string) {
	s.ledger.ForceLockdown("moderation rule " + rule)
	inc := &Incident{
		ID:       uuid.NewString(),
		RuleID:   rule,
		EventID:  ev.ID,
		Severity: SeverityCritical,
		Status:   IncidentStatusOpen,
		Payload: map[string]any{
			"sourceIP": ev.SourceIP,
			"endpoint": ev.Endpoint,
			"trigger":  "moderation lockdown",
		},
		CreatedAt: s.now(),
	}
	if err := s.audit.AppendIncident(c.Context(), inc); err != nil {
		s.logger.Warn().Err(err).Str("incidentID", inc.ID).Msg("failed to persist lockdown incident")
	}
	s.ledger.SetLastIncident(inc)
	s.alerts.Dispatch(&Alert{
		Title:     "emergency lockdown triggered by content rule " + rule,
		Severity:  SeverityCritical,
		RuleID:    rule,
		Source:    ev.SourceIP,
		Score:     ev.Score,
		Timestamp: s.now(),
		Detail:    map[string]string{"eventID": ev.ID, "incidentID": inc.ID},
	}, nil)
}
