// Package sqlite persists audit entries in a local SQLite file using the
// pure-Go driver. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	relay "github.com/nevindra/relay"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// AuditStore implements relay.Auditor backed by a SQLite file.
type AuditStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ relay.Auditor = (*AuditStore)(nil)

// New opens (or creates) the audit database at dbPath. A single shared
// connection serializes writers and avoids SQLITE_BUSY.
func New(dbPath string, logger *slog.Logger) (*AuditStore, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &AuditStore{db: db, logger: logger}, nil
}

// Init creates the audit table.
func (s *AuditStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		arguments TEXT,
		outcome TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		return fmt.Errorf("sqlite: init: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_entries(ts)`)
	if err != nil {
		return fmt.Errorf("sqlite: init index: %w", err)
	}
	return nil
}

// Record inserts one entry. Failures are logged, never propagated: audit
// writes must not take down the operation they describe.
func (s *AuditStore) Record(ctx context.Context, e relay.AuditEntry) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, ts, actor, action, arguments, outcome, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TS, e.Actor, e.Action, string(e.Arguments), e.Outcome, e.DurationMS)
	if err != nil {
		s.logger.Error("audit insert failed", "action", e.Action, "error", err)
	}
}

// Recent returns up to limit entries, newest first.
func (s *AuditStore) Recent(ctx context.Context, limit int) ([]relay.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, actor, action, arguments, outcome, duration_ms
		 FROM audit_entries ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []relay.AuditEntry
	for rows.Next() {
		var e relay.AuditEntry
		var args string
		if err := rows.Scan(&e.ID, &e.TS, &e.Actor, &e.Action, &args, &e.Outcome, &e.DurationMS); err != nil {
			return nil, err
		}
		if args != "" {
			e.Arguments = []byte(args)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries older than retention.
func (s *AuditStore) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_entries WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close releases the database handle.
func (s *AuditStore) Close() error { return s.db.Close() }
