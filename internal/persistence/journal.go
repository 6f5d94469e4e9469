package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/taskrelay/internal/audit"
)

const (
	journalSchemaVersion  = 1
	journalSchemaChecksum = "tr-v1-transitions-audit"
)

// TransitionEvent is one journalled status change.
type TransitionEvent struct {
	Seq            int64      `json:"seq"`
	EventID        string     `json:"event_id"`
	TaskID         string     `json:"task_id"`
	ConversationID string     `json:"conversation_id"`
	RequestID      string     `json:"request_id"`
	From           TaskStatus `json:"from_status,omitempty"`
	To             TaskStatus `json:"to_status"`
	Reason         string     `json:"reason"`
	TraceID        string     `json:"trace_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Journal is the SQLite side-store: an append-only log of task transitions
// plus the audit_log table.
type Journal struct {
	db   *sql.DB
	path string
}

func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db, path: path}
	if err := j.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := j.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) DB() *sql.DB { return j.db }

func (j *Journal) Path() string { return j.path }

func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) Ping(ctx context.Context) error { return j.db.PingContext(ctx) }

func (j *Journal) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range pragma {
		if _, err := j.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > journalSchemaVersion {
		return fmt.Errorf("journal schema version %d is newer than supported %d", maxVersion, journalSchemaVersion)
	}
	if maxVersion == journalSchemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, journalSchemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existing != journalSchemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", journalSchemaVersion, existing, journalSchemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS task_transitions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			task_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			request_id TEXT NOT NULL,
			from_status TEXT,
			to_status TEXT NOT NULL,
			reason TEXT NOT NULL,
			trace_id TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			policy_version TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_task ON task_transitions(task_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_created ON task_transitions(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, journalSchemaVersion, journalSchemaChecksum); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	audit.Record("allow", "data.migration", "migration_applied", "",
		fmt.Sprintf("journal migrated from v%d to v%d (checksum %s)", maxVersion, journalSchemaVersion, journalSchemaChecksum))
	return nil
}

// RecordTransitions appends events in one transaction.
func (j *Journal) RecordTransitions(ctx context.Context, events []TransitionEvent) error {
	if len(events) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := j.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin journal tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO task_transitions (event_id, task_id, conversation_id, request_id, from_status, to_status, reason, trace_id, created_at)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, '-'), ?);
		`)
		if err != nil {
			return fmt.Errorf("prepare journal insert: %w", err)
		}
		defer stmt.Close()

		for _, ev := range events {
			if _, err := stmt.ExecContext(ctx, ev.EventID, ev.TaskID, ev.ConversationID, ev.RequestID,
				string(ev.From), string(ev.To), ev.Reason, ev.TraceID, ev.CreatedAt.UTC()); err != nil {
				return fmt.Errorf("insert transition: %w", err)
			}
		}
		return tx.Commit()
	})
}

// History returns every transition of taskID, oldest first.
func (j *Journal) History(ctx context.Context, taskID string) ([]TransitionEvent, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, event_id, task_id, conversation_id, request_id, COALESCE(from_status, ''), to_status, reason, COALESCE(trace_id, ''), created_at
		FROM task_transitions
		WHERE task_id = ?
		ORDER BY seq ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	out := []TransitionEvent{}
	for rows.Next() {
		var ev TransitionEvent
		var from, to string
		if err := rows.Scan(&ev.Seq, &ev.EventID, &ev.TaskID, &ev.ConversationID, &ev.RequestID,
			&from, &to, &ev.Reason, &ev.TraceID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		ev.From, ev.To = TaskStatus(from), TaskStatus(to)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Count returns the number of journalled transitions.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_transitions;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transitions: %w", err)
	}
	return n, nil
}

// PruneResult reports rows removed by Prune.
type PruneResult struct {
	Transitions int64 `json:"transitions"`
	AuditRows   int64 `json:"audit_rows"`
}

// Prune deletes journal and audit rows older than days. days <= 0 is a no-op.
func (j *Journal) Prune(ctx context.Context, days int) (PruneResult, error) {
	var res PruneResult
	if days <= 0 {
		return res, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	r, err := j.db.ExecContext(ctx, `DELETE FROM task_transitions WHERE created_at < ?;`, cutoff)
	if err != nil {
		return res, fmt.Errorf("prune task_transitions: %w", err)
	}
	res.Transitions, _ = r.RowsAffected()
	r, err = j.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
	if err != nil {
		return res, fmt.Errorf("prune audit_log: %w", err)
	}
	res.AuditRows, _ = r.RowsAffected()
	return res, nil
}
