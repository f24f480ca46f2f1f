package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id               TEXT PRIMARY KEY,
	request_id       TEXT NOT NULL,
	kind             TEXT NOT NULL,
	status           TEXT NOT NULL,
	risk_grade       TEXT NOT NULL,
	risk_score       REAL NOT NULL,
	violations       TEXT NOT NULL DEFAULT '',
	preserve_privacy INTEGER NOT NULL DEFAULT 0,
	attested         INTEGER NOT NULL DEFAULT 0,
	created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_records(created_at);
`

// SQLiteSink persists the audit trail to an embedded sqlite database, so a
// single-binary deployment keeps a durable trail without an external store.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (creating if necessary) the database at path and
// ensures the schema exists. Use ":memory:" for an ephemeral trail.
func NewSQLiteSink(ctx context.Context, path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite at %s: %w", path, err)
	}
	// The trail is append-only from one process; a single connection avoids
	// sqlite writer contention.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Append implements Sink.
func (s *SQLiteSink) Append(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_records
		 (id, request_id, kind, status, risk_grade, risk_score, violations, preserve_privacy, attested, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.RequestID, rec.Kind, rec.Status, rec.RiskGrade, rec.RiskScore,
		strings.Join(rec.Violations, ","), boolInt(rec.PreservePrivacy), boolInt(rec.Attested),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, kind, status, risk_grade, risk_score, violations, preserve_privacy, attested, created_at
		 FROM audit_records ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			rec                     Record
			id, violations, created string
			privacy, attested       int
		)
		if err := rows.Scan(&id, &rec.RequestID, &rec.Kind, &rec.Status, &rec.RiskGrade,
			&rec.RiskScore, &violations, &privacy, &attested, &created); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		if parsed, err := time.Parse(time.RFC3339Nano, created); err == nil {
			rec.CreatedAt = parsed
		}
		rec.PreservePrivacy = privacy != 0
		rec.Attested = attested != 0
		if violations != "" {
			rec.Violations = strings.Split(violations, ",")
		}
		if uid, err := uuid.Parse(id); err == nil {
			rec.ID = uid
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close implements Sink.
func (s *SQLiteSink) Close() error { return s.db.Close() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
