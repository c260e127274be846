package shield

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id            TEXT PRIMARY KEY,
	action        TEXT NOT NULL,
	actor         TEXT,
	resource_type TEXT NOT NULL,
	resource_id   TEXT,
	severity      TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	detail        TEXT,
	source_ip     TEXT,
	user_agent    TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_log_source ON audit_log (source_ip, created_at);

CREATE TABLE IF NOT EXISTS incidents (
	id         TEXT PRIMARY KEY,
	rule_id    TEXT NOT NULL,
	event_id   TEXT,
	severity   TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'open',
	payload    TEXT,
	created_at TIMESTAMP NOT NULL
);
`

type auditRow struct {
	ID           string    `db:"id"`
	Action       string    `db:"action"`
	Actor        *string   `db:"actor"`
	ResourceType string    `db:"resource_type"`
	ResourceID   string    `db:"resource_id"`
	Severity     string    `db:"severity"`
	CreatedAt    time.Time `db:"created_at"`
	Detail       string    `db:"detail"`
	SourceIP     string    `db:"source_ip"`
	UserAgent    string    `db:"user_agent"`
}

// SQLiteAuditStore is the append-only durable trail. Event and incident
// writes are idempotent by id (INSERT OR IGNORE); the only update the schema
// permits is an incident status transition.
type SQLiteAuditStore struct {
	db *sqlx.DB
}

func NewSQLiteAuditStore(path string) (*SQLiteAuditStore, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply audit schema: %w", err)
	}
	return &SQLiteAuditStore{db: db}, nil
}

const insertAudit = `INSERT OR IGNORE INTO audit_log
	(id, action, actor, resource_type, resource_id, severity, created_at, detail, source_ip, user_agent)
	VALUES (:id, :action, :actor, :resource_type, :resource_id, :severity, :created_at, :detail, :source_ip, :user_agent)`

func (s *SQLiteAuditStore) AppendEvent(ctx context.Context, ev *ThreatEvent) error {
	detail, _ := json.Marshal(ev.Details)
	row := auditRow{
		ID:           ev.ID,
		Action:       strings.Join(ev.Types, ","),
		ResourceType: "threat_event",
		ResourceID:   ev.ID,
		Severity:     string(ev.Severity),
		CreatedAt:    ev.Timestamp,
		Detail:       string(detail),
		SourceIP:     ev.SourceIP,
		UserAgent:    ev.UserAgent,
	}
	_, err := s.db.NamedExecContext(ctx, insertAudit, row)
	return err
}

func (s *SQLiteAuditStore) AppendIncident(ctx context.Context, inc *Incident) error {
	payload, _ := json.Marshal(inc.Payload)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO incidents (id, rule_id, event_id, severity, status, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.RuleID, inc.EventID, string(inc.Severity), inc.Status, string(payload), inc.CreatedAt)
	if err != nil {
		return err
	}
	row := auditRow{
		ID:           "incident-" + inc.ID,
		Action:       "incident_created",
		ResourceType: "incident",
		ResourceID:   inc.ID,
		Severity:     string(inc.Severity),
		CreatedAt:    inc.CreatedAt,
		Detail:       string(payload),
	}
	_, err = s.db.NamedExecContext(ctx, insertAudit, row)
	return err
}

func (s *SQLiteAuditStore) AppendRecommendation(ctx context.Context, rec *Recommendation) error {
	detail, _ := json.Marshal(rec.Detail)
	row := auditRow{
		ID:           rec.ID,
		Action:       "recommend_" + rec.Type,
		ResourceType: "recommendation",
		ResourceID:   rec.EventID,
		Severity:     string(SeverityMedium),
		CreatedAt:    rec.CreatedAt,
		Detail:       string(detail),
		SourceIP:     rec.SourceIP,
	}
	_, err := s.db.NamedExecContext(ctx, insertAudit, row)
	return err
}

func (s *SQLiteAuditStore) UpdateIncidentStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE incidents SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("incident %s not found", id)
	}
	return nil
}

// RecentEvents returns the newest audit rows for one source, for the operator
// surface.
func (s *SQLiteAuditStore) RecentEvents(ctx context.Context, sourceIP string, limit int) ([]auditRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, action, actor, resource_type, resource_id, severity, created_at, detail, source_ip, user_agent
		 FROM audit_log WHERE source_ip = ? ORDER BY created_at DESC LIMIT ?`, sourceIP, limit)
	return rows, err
}

func (s *SQLiteAuditStore) HealthCheck() error {
	return s.db.Ping()
}

func (s *SQLiteAuditStore) Close() error {
	return s.db.Close()
}

// NoopAuditStore keeps the pipeline functional when no durable store is
// configured; everything still flows to logs and metrics.
type NoopAuditStore struct{}

func (NoopAuditStore) AppendEvent(context.Context, *ThreatEvent) error            { return nil }
func (NoopAuditStore) AppendIncident(context.Context, *Incident) error            { return nil }
func (NoopAuditStore) AppendRecommendation(context.Context, *Recommendation) error { return nil }
func (NoopAuditStore) UpdateIncidentStatus(context.Context, string, string) error { return nil }
func (NoopAuditStore) HealthCheck() error                                         { return nil }
func (NoopAuditStore) Close() error                                               { return nil }
