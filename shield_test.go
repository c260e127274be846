package shield

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

func newTestApp(t *testing.T) (*fiber.App, *Shield, *memAudit) {
	t.Helper()
	audit := newMemAudit()
	s := New(Options{
		Audit:  audit,
		Logger: testLogger(),
	})
	app := fiber.New()
	app.Get("/health", s.HealthHandler())
	app.Use(s.Middleware())
	s.RegisterAdminRoutes(app, "/shield")
	app.All("/*", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})
	return app, s, audit
}

func TestMiddlewarePassesCleanTraffic(t *testing.T) {
	app, _, _ := newTestApp(t)
	resp, err := app.Test(httptest.NewRequest("GET", "/api/widgets", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("clean request rejected with %d", resp.StatusCode)
	}
}

func TestMiddlewareBlocksInjection(t *testing.T) {
	app, s, _ := newTestApp(t)
	req := httptest.NewRequest("POST", "/items", strings.NewReader(`{"name": "x' OR '1'='1"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), CodeBlocked) {
		t.Fatalf("response must carry %s, got %s", CodeBlocked, body)
	}
	if s.ledger.Metrics().Detections != 1 {
		t.Fatal("detection not recorded on the ledger")
	}
}

func TestLockdownGateFailsClosed(t *testing.T) {
	app, s, _ := newTestApp(t)
	s.ledger.ForceLockdown("drill")

	resp, err := app.Test(httptest.NewRequest("GET", "/api/widgets", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503 during lockdown, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), CodeLockdown) {
		t.Fatalf("response must carry %s, got %s", CodeLockdown, body)
	}

	// The health endpoint stays reachable.
	resp, err = app.Test(httptest.NewRequest("GET", "/health", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("health endpoint gated during lockdown: %d", resp.StatusCode)
	}
}

func TestLockdownAdminBypass(t *testing.T) {
	app, s, _ := newTestApp(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("letmein"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash credential: %v", err)
	}
	s.policy.AdminTokenHash = string(hash)
	s.ledger.ForceLockdown("drill")

	req := httptest.NewRequest("GET", "/api/widgets", nil)
	req.Header.Set("Authorization", "Bearer letmein")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("admin credential must bypass lockdown, got %d", resp.StatusCode)
	}

	// A wrong credential stays locked out.
	req = httptest.NewRequest("GET", "/api/widgets", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("bad credential must not bypass lockdown, got %d", resp.StatusCode)
	}
}

func TestActiveBlockRejectsSource(t *testing.T) {
	app, s, _ := newTestApp(t)
	// app.Test requests arrive from 0.0.0.0.
	s.store.SetBlock("0.0.0.0", &BlockInfo{
		Until:      time.Now().Add(time.Hour),
		Reason:     "request flood",
		StatusCode: fiber.StatusTooManyRequests,
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/widgets", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429 from the cooldown block, got %d", resp.StatusCode)
	}
	if resp.Header.Get(fiber.HeaderRetryAfter) == "" {
		t.Fatal("expected a Retry-After header on a timed block")
	}
}

func TestAdminRoutesRequireCredential(t *testing.T) {
	app, s, _ := newTestApp(t)
	hash, _ := bcrypt.GenerateFromPassword([]byte("letmein"), bcrypt.MinCost)
	s.policy.AdminTokenHash = string(hash)

	resp, err := app.Test(httptest.NewRequest("GET", "/shield/metrics", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("expected 403 without credential, got %d", resp.StatusCode)
	}

	req := httptest.NewRequest("GET", "/shield/metrics", nil)
	req.Header.Set("Authorization", "Bearer letmein")
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 with credential, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "requests") {
		t.Fatalf("metrics payload missing counters: %s", body)
	}
}

func TestModerationRuleForcesLockdown(t *testing.T) {
	app, s, audit := newTestApp(t)
	req := httptest.NewRequest("POST", "/upload", strings.NewReader("payload: mimikatz dump"))
	req.Header.Set("Content-Type", "text/plain")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if !s.ledger.InLockdown() {
		t.Fatal("lockdown-flagged moderation rule must force lockdown")
	}
	if audit.incidentCount() != 1 {
		t.Fatalf("expected one incident, got %d", audit.incidentCount())
	}
}

func TestOperatorRecoverEndpoint(t *testing.T) {
	app, s, _ := newTestApp(t)
	hash, _ := bcrypt.GenerateFromPassword([]byte("letmein"), bcrypt.MinCost)
	s.policy.AdminTokenHash = string(hash)
	s.ledger.ForceLockdown("drill")

	req := httptest.NewRequest("POST", "/shield/recover", nil)
	req.Header.Set("Authorization", "Bearer letmein")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if s.ledger.InLockdown() {
		t.Fatal("recover endpoint did not lift lockdown")
	}
}

func TestHealthReportsBackends(t *testing.T) {
	app, _, _ := newTestApp(t)
	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected healthy, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"healthy", "lockdown", "checks"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("health payload missing %q: %s", want, body)
		}
	}
}
