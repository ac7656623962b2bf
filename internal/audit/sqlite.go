package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	action TEXT NOT NULL,
	subject TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS audit_events_action_created_at ON audit_events(action, created_at)`,
}

// SqliteLog persists the audit trail to a local sqlite file so decisions
// survive distributor restarts.
type SqliteLog struct {
	db  *sql.DB
	log *zap.Logger
}

func NewSqliteLog(path string, log *zap.Logger) (*SqliteLog, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(context.Background(), stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply audit schema: %w", err)
		}
	}
	return &SqliteLog{db: db, log: log}, nil
}

func (l *SqliteLog) Append(e Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(context.Background(),
		`INSERT INTO audit_events(action, subject, detail, created_at) VALUES(?,?,?,?)`,
		e.Action, e.Subject, e.Detail, e.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		l.log.Warn("audit append failed", zap.Error(err))
	}
}

func (l *SqliteLog) Recent(limit int) []Entry {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(context.Background(),
		`SELECT id, action, subject, detail, created_at FROM audit_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		l.log.Warn("audit query failed", zap.Error(err))
		return nil
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ID, &e.Action, &e.Subject, &e.Detail, &created); err != nil {
			continue
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		out = append(out, e)
	}
	// Oldest first, matching MemoryLog.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (l *SqliteLog) Close() error { return l.db.Close() }
