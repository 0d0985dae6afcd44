// Package deadletter is the Dead-letter Sink (C9): unrecoverable
// per-message failures are dumped as JSON under errors/ and recorded
// as a failed audit row, so the envelope survives for replay while the
// queue is quarantined.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/g960059/rmqcol/internal/model"
	"github.com/g960059/rmqcol/internal/store"
)

// auditColumns is the rmq_log column order shared with the writer's
// audit flush.
var auditColumns = []string{"database", "table", "queue", "key_id", "datetime", "is_success", "message"}

// Sink writes failed envelopes to disk and to the audit table. Safe
// for concurrent use by Workers on different queues: the on-disk write
// is serialized by an advisory file lock so dumps never interleave on
// shared volumes.
type Sink struct {
	errorsDir string
	store     store.Interface
	lock      *flock.Flock
	now       func() time.Time
}

// New prepares the errors directory and its lock file.
func New(errorsDir string, st store.Interface) (*Sink, error) {
	if err := os.MkdirAll(errorsDir, 0o700); err != nil {
		return nil, fmt.Errorf("create errors dir: %w", err)
	}
	return &Sink{
		errorsDir: errorsDir,
		store:     st,
		lock:      flock.New(filepath.Join(errorsDir, ".write.lock")),
		now:       time.Now,
	}, nil
}

// Reject dead-letters one message: the original envelope goes to
// errors/<utc-timestamp>_<table-or-unknown>.json, and one audit row
// with is_success=false and the truncated envelope is inserted.
// Re-delivery of the same message produces identical file and audit
// contents, differing only in timestamps.
func (s *Sink) Reject(ctx context.Context, queue, table string, env model.Envelope, cause error) error {
	at := s.now().UTC()
	if err := s.writeEnvelope(table, env, at); err != nil {
		return fmt.Errorf("dump failed envelope: %w", err)
	}

	message, err := model.TruncateDataForAudit(env)
	if err != nil {
		return fmt.Errorf("truncate envelope for audit: %w", err)
	}
	auditTable := table
	if auditTable == "" {
		auditTable = env.Header.Report
	}
	row := []any{"DataCore", auditTable, queue, env.Header.KeyIDOrEmpty(), at, false, message}
	if err := s.store.Insert(ctx, "DataCore", "rmq_log", auditColumns, [][]any{row}); err != nil {
		return fmt.Errorf("insert failed-audit row: %w", err)
	}
	return nil
}

// writeEnvelope performs the exclusive-lock-protected atomic dump:
// marshal, write to a temp file, rename into place, all under the
// directory's advisory lock.
func (s *Sink) writeEnvelope(table string, env model.Envelope, at time.Time) error {
	raw, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if table == "" {
		table = "unknown"
	}
	name := fmt.Sprintf("%s_%s.json", at.Format("2006-01-02T15-04-05.000000000Z"), table)
	path := filepath.Join(s.errorsDir, name)

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("acquire errors lock: %w", err)
	}
	defer s.lock.Unlock() //nolint:errcheck

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write temp dump: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename dump into place: %w", err)
	}
	return nil
}
