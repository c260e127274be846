package shield

import (
	"github.com/gofiber/fiber/v2"
)

// RegisterAdminRoutes mounts the operator surface under prefix. Every route
// requires the bearer credential checked against the configured bcrypt hash;
// with no hash configured the whole surface answers 403.
func (s *Shield) RegisterAdminRoutes(app *fiber.App, prefix string) {
	if prefix == "" {
		prefix = "/shield"
	}
	group := app.Group(prefix, func(c *fiber.Ctx) error {
		if !s.adminAuthorized(c) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "admin credential required"})
		}
		return c.Next()
	})

	group.Get("/metrics", func(c *fiber.Ctx) error {
		return c.JSON(s.ledger.Metrics())
	})

	group.Get("/metrics/prometheus", func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
		return c.SendString(s.metrics.ExportPrometheus())
	})

	group.Get("/threats/:ip", func(c *fiber.Ctx) error {
		ip := c.Params("ip")
		return c.JSON(fiber.Map{
			"sourceIP": ip,
			"events":   s.ledger.History(ip),
		})
	})

	group.Delete("/threats", func(c *fiber.Ctx) error {
		s.ledger.ClearHistory()
		s.logger.Warn().Str("ip", s.clientIP(c)).Msg("threat history cleared by operator")
		return c.JSON(fiber.Map{"status": "cleared"})
	})

	group.Post("/lockdown", func(c *fiber.Ctx) error {
		s.ledger.ForceLockdown("operator override")
		s.logger.Error().Str("ip", s.clientIP(c)).Msg("lockdown engaged by operator")
		return c.JSON(fiber.Map{"lockdown": true})
	})

	group.Post("/recover", func(c *fiber.Ctx) error {
		s.ledger.Recover(s.clientIP(c))
		return c.JSON(fiber.Map{"lockdown": false, "score": s.ledger.Score()})
	})

	group.Post("/reset-score", func(c *fiber.Ctx) error {
		s.ledger.ResetScore()
		s.logger.Warn().Str("ip", s.clientIP(c)).Msg("global risk score reset by operator")
		return c.JSON(fiber.Map{"score": 0})
	})

	group.Post("/unblock/:ip", func(c *fiber.Ctx) error {
		ip := c.Params("ip")
		if err := s.store.DeleteBlock(ip); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		s.logger.Warn().Str("ip", ip).Msg("block lifted by operator")
		return c.JSON(fiber.Map{"unblocked": ip})
	})

	group.Post("/incidents/:id/status", func(c *fiber.Ctx) error {
		var body struct {
			Status string `json:"status"`
		}
		if err := c.BodyParser(&body); err != nil || body.Status == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "status required"})
		}
		if err := s.audit.UpdateIncidentStatus(c.Context(), c.Params("id"), body.Status); err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"id": c.Params("id"), "status": body.Status})
	})
}

// HealthHandler reports the state of every pluggable backend. It is meant to
// be mounted on the policy's health path, which the middleware never gates.
func (s *Shield) HealthHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		checks := map[string]string{
			"store":   healthString(s.store.HealthCheck()),
			"audit":   healthString(s.audit.HealthCheck()),
			"metrics": healthString(s.metrics.HealthCheck()),
		}
		status := fiber.StatusOK
		healthy := true
		for _, v := range checks {
			if v != "ok" {
				healthy = false
				status = fiber.StatusServiceUnavailable
			}
		}
		return c.Status(status).JSON(fiber.Map{
			"healthy":  healthy,
			"lockdown": s.ledger.InLockdown(),
			"score":    s.ledger.Score(),
			"windows":  s.correlation.WindowCount(),
			"checks":   checks,
		})
	}
}

func healthString(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}
