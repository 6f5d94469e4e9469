// Package audit keeps the trail of role decisions made by the gateway. Each
// decision is appended to logs/audit.jsonl and, once a journal is attached,
// mirrored into its audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/taskrelay/internal/shared"
)

// Decision values written by the service and the runtime.
const (
	Allow = "allow"
	Deny  = "deny"
	Fatal = "fatal"
)

const insertDecision = `INSERT INTO audit_log (trace_id, subject, action, decision, reason, policy_version)
VALUES (NULLIF(?, ''), ?, ?, ?, ?, ?);`

// Entry is one line of audit.jsonl.
type Entry struct {
	Timestamp     string `json:"timestamp"`
	TraceID       string `json:"trace_id,omitempty"`
	Decision      string `json:"decision"`
	Action        string `json:"action"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version"`
	Subject       string `json:"subject,omitempty"`
}

type trail struct {
	mu     sync.Mutex
	out    io.WriteCloser
	enc    *json.Encoder
	db     *sql.DB
	denied map[string]int64
	total  int64
	now    func() time.Time
}

var std = &trail{denied: map[string]int64{}, now: time.Now}

// Init opens <home>/logs/audit.jsonl for appending. Calling it again while a
// file is open is a no-op.
func Init(homeDir string) error {
	std.mu.Lock()
	defer std.mu.Unlock()
	if std.out != nil {
		return nil
	}
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	std.out = f
	std.enc = json.NewEncoder(f)
	std.enc.SetEscapeHTML(false)
	return nil
}

// SetDB mirrors later decisions into d. nil detaches.
func SetDB(d *sql.DB) {
	std.mu.Lock()
	std.db = d
	std.mu.Unlock()
}

// Close detaches the journal and closes the file.
func Close() error {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.db = nil
	if std.out == nil {
		return nil
	}
	err := std.out.Close()
	std.out, std.enc = nil, nil
	return err
}

// DenyCount is the number of deny decisions since the process started.
func DenyCount() int64 {
	std.mu.Lock()
	defer std.mu.Unlock()
	return std.total
}

// DenyCounts breaks DenyCount down by action.
func DenyCounts() map[string]int64 {
	std.mu.Lock()
	defer std.mu.Unlock()
	return maps.Clone(std.denied)
}

func Record(decision, action, reason, policyVersion, subject string) {
	RecordTrace("", decision, action, reason, policyVersion, subject)
}

// RecordContext tags the decision with the trace id carried by ctx, if any.
func RecordContext(ctx context.Context, decision, action, reason, policyVersion, subject string) {
	id := shared.TraceID(ctx)
	if id == "-" {
		id = ""
	}
	RecordTrace(id, decision, action, reason, policyVersion, subject)
}

func RecordTrace(traceID, decision, action, reason, policyVersion, subject string) {
	std.record(Entry{
		TraceID:       traceID,
		Decision:      decision,
		Action:        action,
		Reason:        shared.Redact(reason),
		PolicyVersion: policyVersion,
		Subject:       shared.Redact(subject),
	})
}

func (t *trail) record(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.Decision == Deny {
		t.total++
		t.denied[e.Action]++
	}
	e.Timestamp = t.now().UTC().Format(time.RFC3339Nano)
	if t.enc != nil {
		// Encode terminates each value with a newline, which keeps the file JSONL.
		_ = t.enc.Encode(e)
	}
	if t.db != nil {
		_, _ = t.db.ExecContext(context.Background(), insertDecision,
			e.TraceID, e.Subject, e.Action, e.Decision, e.Reason, e.PolicyVersion)
	}
}
