// Package writer is the Sign-Collapse Writer (C5): a worker-local
// buffered append that supersedes currently-effective rows of a
// business key before appending new ones, preserving the invariant
// sum(sign) ∈ {0,1} per (table, business_key).
package writer

import (
	"context"
	"fmt"

	"github.com/g960059/rmqcol/internal/broker"
	"github.com/g960059/rmqcol/internal/model"
	"github.com/g960059/rmqcol/internal/store"
)

// supersedeChunkSize caps the supersede SELECT's IN(...) list.
const supersedeChunkSize = 1000

// pendingRow is one row awaiting the next flush, plus the key it was
// filed under (the row itself also carries the business key column,
// but keeping it alongside avoids a map lookup by column name during
// the dedupe pass).
type pendingRow struct {
	key      string
	parsedOn string
	row      map[string]any
}

// Writer owns the buffers for exactly one Queue Worker drain; there
// is no cross-Worker sharing.
type Writer struct {
	database, table   string
	businessKeyColumn string
	columns           []string // ordered columns used for every Insert call

	pendingKeys  []string
	pendingRows  []pendingRow
	pendingAudit []model.AuditRecord
	lastTag      uint64
	haveTag      bool
}

// New creates a Writer for one (database, table), using columns as the
// fixed insert order for the whole drain.
func New(database, table, businessKeyColumn string, columns []string) *Writer {
	return &Writer{
		database:          database,
		table:             table,
		businessKeyColumn: businessKeyColumn,
		columns:           columns,
	}
}

// Add buffers one transformed row under its business key and the
// delivery tag of the message it came from.
func (w *Writer) Add(key string, row map[string]any, tag uint64) {
	parsedOn, _ := row["original_file_parsed_on"].(string)
	w.pendingKeys = append(w.pendingKeys, key)
	w.pendingRows = append(w.pendingRows, pendingRow{key: key, parsedOn: parsedOn, row: row})
	w.lastTag = tag
	w.haveTag = true
}

// AddAudit buffers one audit row, flushed at the same cadence as the
// data rows.
func (w *Writer) AddAudit(rec model.AuditRecord) {
	w.pendingAudit = append(w.pendingAudit, rec)
}

// Pending reports whether there is buffered work.
func (w *Writer) Pending() bool {
	return len(w.pendingRows) > 0 || len(w.pendingAudit) > 0
}

// ShouldFlush reports whether the batch-size threshold has been
// reached.
func (w *Writer) ShouldFlush(batchSize int) bool {
	return len(w.pendingRows) >= batchSize
}

// Flush performs the ordered (supersede, dedupe, insert, ack)
// sequence. It is not atomic across the four steps, but retrying after
// a crash at any point converges back to the invariant: a stray
// compensating row nets out under SUM(sign) on the next supersede.
func (w *Writer) Flush(ctx context.Context, st store.Interface, br broker.Interface) error {
	if !w.Pending() {
		return nil
	}

	if err := w.supersede(ctx, st); err != nil {
		return fmt.Errorf("supersede existing rows in %s.%s: %w", w.database, w.table, err)
	}

	deduped := w.dedupeBuffer()
	if len(deduped) > 0 {
		rows := make([][]any, 0, len(deduped))
		for _, pr := range deduped {
			rows = append(rows, rowValues(pr.row, w.columns))
		}
		if err := st.Insert(ctx, w.database, w.table, w.columns, rows); err != nil {
			return fmt.Errorf("insert into %s.%s: %w", w.database, w.table, err)
		}
	}

	if err := w.flushAudit(ctx, st); err != nil {
		return fmt.Errorf("insert audit rows: %w", err)
	}

	if w.haveTag {
		if err := br.AckMultiple(w.lastTag); err != nil {
			return fmt.Errorf("ack multiple up to tag %d: %w", w.lastTag, err)
		}
	}

	w.Reset()
	return nil
}

// Reset clears every buffer without acknowledging (used on the
// quarantine path, where the Worker Nacks instead).
func (w *Writer) Reset() {
	w.pendingKeys = nil
	w.pendingRows = nil
	w.pendingAudit = nil
	w.haveTag = false
}

// supersede finds the rows currently effective for each pending
// business key and emits sign=-1 copies.
func (w *Writer) supersede(ctx context.Context, st store.Interface) error {
	keys := dedupeStrings(w.pendingKeys)
	for start := 0; start < len(keys); start += supersedeChunkSize {
		end := start + supersedeChunkSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		sql := fmt.Sprintf(`
SELECT * FROM %s.%s
WHERE uuid IN (
  SELECT uuid FROM %s.%s
  WHERE %s IN (%s)
  GROUP BY uuid HAVING SUM(sign) > 0
)`, w.database, w.table, w.database, w.table, w.businessKeyColumn, inClause(chunk))

		result, err := st.Query(ctx, sql)
		if err != nil {
			return err
		}
		if len(result.Rows) == 0 {
			continue
		}

		compensating := make([][]any, 0, len(result.Rows))
		signIdx := columnIndex(result.Columns, "sign")
		for _, row := range result.Rows {
			copyRow := append([]any(nil), row...)
			if signIdx >= 0 {
				copyRow[signIdx] = int64(-1)
			}
			compensating = append(compensating, copyRow)
		}
		if err := st.Insert(ctx, w.database, w.table, result.Columns, compensating); err != nil {
			return err
		}
	}
	return nil
}

// dedupeBuffer traverses pending_rows in reverse, keeping the newest
// batch's rows per key (plus their same-batch siblings), dropping
// older duplicates from earlier messages in this flush, then restores
// insertion order.
func (w *Writer) dedupeBuffer() []pendingRow {
	seenParsedOn := map[string]string{}
	accepted := make([]pendingRow, 0, len(w.pendingRows))

	for i := len(w.pendingRows) - 1; i >= 0; i-- {
		pr := w.pendingRows[i]
		if recorded, ok := seenParsedOn[pr.key]; !ok {
			seenParsedOn[pr.key] = pr.parsedOn
			accepted = append(accepted, pr)
		} else if recorded == pr.parsedOn {
			accepted = append(accepted, pr)
		}
		// else: older duplicate from an earlier message in this flush, drop.
	}

	for i, j := 0, len(accepted)-1; i < j; i, j = i+1, j-1 {
		accepted[i], accepted[j] = accepted[j], accepted[i]
	}
	return accepted
}

func (w *Writer) flushAudit(ctx context.Context, st store.Interface) error {
	if len(w.pendingAudit) == 0 {
		return nil
	}
	columns := []string{"database", "table", "queue", "key_id", "datetime", "is_success", "message"}
	rows := make([][]any, 0, len(w.pendingAudit))
	for _, rec := range w.pendingAudit {
		rows = append(rows, []any{rec.Database, rec.Table, rec.Queue, rec.KeyID, rec.Timestamp, rec.IsSuccess, rec.MessageJSON})
	}
	return st.Insert(ctx, "DataCore", "rmq_log", columns, rows)
}

func rowValues(row map[string]any, columns []string) []any {
	values := make([]any, len(columns))
	for i, c := range columns {
		values[i] = row[c]
	}
	return values
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func inClause(keys []string) string {
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ", "
		}
		out += "'" + escapeSingleQuotes(k) + "'"
	}
	return out
}

func escapeSingleQuotes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

func columnIndex(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}
