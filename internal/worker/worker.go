// Package worker is the Queue Worker (C6): a per-queue drain loop that
// resolves each message's transformer, feeds rows to a Sign-Collapse
// Writer, and flushes on the batch threshold or queue-empty. It is the
// state machine Idle -> Draining -> Quarantining/Done.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/rmqcol/internal/broker"
	"github.com/g960059/rmqcol/internal/model"
	"github.com/g960059/rmqcol/internal/store"
	"github.com/g960059/rmqcol/internal/transform"
	"github.com/g960059/rmqcol/internal/writer"
)

// State is one of the drain state machine's named positions.
type State string

const (
	Idle         State = "idle"
	Draining     State = "draining"
	Quarantining State = "quarantining"
	Done         State = "done"
)

// StatsRecorder is the subset of the Stats Aggregator a Worker depends
// on. Declared here, not imported from internal/stats, so the drain
// loop composes against a narrow interface.
type StatsRecorder interface {
	Bump(queue, table string, count int64, at time.Time) error
}

// DeadletterSink is the subset of the Dead-Letter Sink a Worker
// depends on.
type DeadletterSink interface {
	Reject(ctx context.Context, queue, table string, env model.Envelope, cause error) error
}

// KeyError identifies one offending business key, reported to the
// Scheduler for the quarantine alert.
type KeyError struct {
	Queue string
	KeyID string
}

// Outcome summarizes one Drain call for the Scheduler.
//
// State == Quarantining means the queue must be excluded from further
// sweeps and an alert emitted; State == Done with a non-nil Err means
// the drain was aborted by broker I/O and the queue stays schedulable
// (the broker will redeliver everything unacked).
type Outcome struct {
	State          State
	ProcessedCount int64
	LastTable      string
	Errors         []KeyError
	Err            error
}

// Worker owns exactly one queue's drain for the lifetime of one sweep
// tick: one broker channel, one store connection, worker-local
// buffers. It holds no state across calls to Drain.
type Worker struct {
	Broker     broker.Interface
	Store      store.Interface
	Registry   *transform.Registry
	Stats      StatsRecorder
	Deadletter DeadletterSink
	BatchSize  int

	// DumpDir, when set, receives a JSON dump of every message's
	// normalized rows for debugging.
	DumpDir string
}

// describeCache avoids re-issuing DESCRIBE TABLE for every message of a
// drain that only ever touches a handful of distinct tables.
type describeCache struct {
	ctx   context.Context
	store store.Interface
	cache map[string][]string
}

func newDescribeCache(ctx context.Context, st store.Interface) *describeCache {
	return &describeCache{ctx: ctx, store: st, cache: map[string][]string{}}
}

func (c *describeCache) columns(database, table string) ([]string, error) {
	key := database + "." + table
	if cols, ok := c.cache[key]; ok {
		return cols, nil
	}
	cols, err := c.store.Describe(c.ctx, database, table)
	if err != nil {
		return nil, err
	}
	c.cache[key] = cols
	return cols, nil
}

// drain carries the mutable state of one Drain call.
type drain struct {
	worker   *Worker
	queue    string
	describe *describeCache
	writers  map[string]*writer.Writer

	processed int64
	unbumped  int64
	lastTable string
	latestTag uint64
	haveTag   bool
}

// Drain repeatedly pulls one message at a time from queue until the
// queue is empty (Done), broker I/O fails (Done with Err, queue stays
// schedulable), or a message is rejected / the store fails
// (Quarantining). Flushes happen on the batch-size threshold and at
// the drain boundary.
func (w *Worker) Drain(ctx context.Context, queue, routingKey string) Outcome {
	if err := w.Broker.DeclareAndBind(queue, routingKey); err != nil {
		return Outcome{State: Done, Err: fmt.Errorf("declare and bind %s: %w", queue, err)}
	}

	d := &drain{
		worker:   w,
		queue:    queue,
		describe: newDescribeCache(ctx, w.Store),
		writers:  map[string]*writer.Writer{},
	}

	for {
		select {
		case <-ctx.Done():
			if err := d.flushAll(ctx); err != nil {
				return d.quarantine("", err)
			}
			return d.done(ctx.Err())
		default:
		}

		delivery, ok, err := w.Broker.GetOne(ctx, queue)
		if err != nil {
			// Broker connection trouble: abort the drain unquarantined;
			// unacked messages will be redelivered.
			if ferr := d.flushAll(ctx); ferr != nil {
				return d.quarantine("", ferr)
			}
			return d.done(fmt.Errorf("get from %s: %w", queue, err))
		}
		if !ok {
			if err := d.flushAll(ctx); err != nil {
				return d.quarantine("", err)
			}
			return d.done(nil)
		}

		d.latestTag = delivery.Tag
		d.haveTag = true
		if keyID, err := d.handleDelivery(ctx, delivery); err != nil {
			return d.quarantine(keyID, err)
		}
	}
}

// handleDelivery decodes, transforms, and buffers one message. Every
// returned error quarantines the queue; message-content problems are
// routed to the dead-letter sink first.
func (d *drain) handleDelivery(ctx context.Context, delivery broker.Delivery) (keyID string, err error) {
	w := d.worker

	env, err := transform.DecodeEnvelope(delivery.Body)
	if err != nil {
		return "", d.reject(ctx, "", env, err)
	}
	keyID = env.Header.KeyIDOrEmpty()

	tf, ok := w.Registry.Resolve(env.Header.Report)
	if !ok {
		return keyID, d.reject(ctx, "", env, fmt.Errorf("%w: report=%q", model.ErrTransformerNotFound, env.Header.Report))
	}
	desc := tf.Descriptor()
	d.lastTable = desc.Table

	if env.Header.IsTruncate && len(env.Data) == 0 {
		return keyID, d.truncate(ctx, desc, env, delivery.Tag)
	}

	columns, err := d.describe.columns(desc.Database, desc.Table)
	if err != nil {
		return keyID, fmt.Errorf("describe %s.%s: %w", desc.Database, desc.Table, err)
	}

	wr, ok := d.writers[desc.Table]
	if !ok {
		wr = writer.New(desc.Database, desc.Table, desc.BusinessKeyColumn, columns)
		d.writers[desc.Table] = wr
	}

	parsedOn := batchFileTag(desc.Table, time.Now().UTC())
	rows := make([]map[string]any, 0, len(env.Data))
	for _, raw := range env.Data {
		row, err := tf.Transform(raw, parsedOn)
		if err != nil {
			return keyID, d.reject(ctx, desc.Table, env, fmt.Errorf("transform row: %w", err))
		}
		if err := transform.CheckColumnSet(columns, transform.MessageColumns(row)); err != nil {
			return keyID, d.reject(ctx, desc.Table, env, err)
		}
		rows = append(rows, row)
	}
	for _, row := range rows {
		wr.Add(fmt.Sprintf("%v", row[desc.BusinessKeyColumn]), row, delivery.Tag)
	}
	d.dumpRows(desc.Table, rows)

	wr.AddAudit(model.AuditRecord{
		Database:  desc.Database,
		Table:     desc.Table,
		Queue:     d.queue,
		KeyID:     keyID,
		Timestamp: time.Now().UTC(),
		IsSuccess: true,
	})
	d.processed++
	d.unbumped++

	if wr.ShouldFlush(w.BatchSize) {
		if err := wr.Flush(ctx, w.Store, w.Broker); err != nil {
			return keyID, fmt.Errorf("flush %s: %w", desc.Table, err)
		}
		d.bumpStats(desc.Table)
	}
	return keyID, nil
}

// truncate handles is_truncate with an empty data block: wipe every
// keyed row of the target table. The table's pending
// buffer is flushed first so earlier messages keep their FIFO position
// relative to the wipe.
func (d *drain) truncate(ctx context.Context, desc transform.Descriptor, env model.Envelope, tag uint64) error {
	w := d.worker
	if wr, ok := d.writers[desc.Table]; ok {
		if err := wr.Flush(ctx, w.Store, w.Broker); err != nil {
			return fmt.Errorf("flush %s before truncate: %w", desc.Table, err)
		}
		d.bumpStats(desc.Table)
	}
	if err := w.Store.DeleteAll(ctx, desc.Database, desc.Table, "key_id IS NOT NULL"); err != nil {
		return fmt.Errorf("truncate %s.%s: %w", desc.Database, desc.Table, err)
	}

	message, err := model.TruncateDataForAudit(env)
	if err != nil {
		message = ""
	}
	audit := model.AuditRecord{
		Database:    desc.Database,
		Table:       desc.Table,
		Queue:       d.queue,
		KeyID:       env.Header.KeyIDOrEmpty(),
		Timestamp:   time.Now().UTC(),
		IsSuccess:   true,
		MessageJSON: message,
	}
	if err := w.Store.Insert(ctx, "DataCore", "rmq_log",
		[]string{"database", "table", "queue", "key_id", "datetime", "is_success", "message"},
		[][]any{{audit.Database, audit.Table, audit.Queue, audit.KeyID, audit.Timestamp, audit.IsSuccess, audit.MessageJSON}},
	); err != nil {
		return fmt.Errorf("audit truncate of %s.%s: %w", desc.Database, desc.Table, err)
	}
	if err := w.Broker.Ack(tag); err != nil {
		return fmt.Errorf("ack truncate message: %w", err)
	}
	d.processed++
	return nil
}

// reject routes a message-content failure to the dead-letter sink. The
// caller then quarantines the queue; the Nack happens there so it
// covers every unflushed delivery.
func (d *drain) reject(ctx context.Context, table string, env model.Envelope, cause error) error {
	if d.worker.Deadletter != nil {
		if derr := d.worker.Deadletter.Reject(ctx, d.queue, table, env, cause); derr != nil {
			return fmt.Errorf("dead-letter after %w: %v", cause, derr)
		}
	}
	return cause
}

func (d *drain) flushAll(ctx context.Context) error {
	for table, wr := range d.writers {
		if err := wr.Flush(ctx, d.worker.Store, d.worker.Broker); err != nil {
			return fmt.Errorf("flush %s: %w", table, err)
		}
	}
	d.bumpStats(d.lastTable)
	return nil
}

// bumpStats folds the messages buffered since the previous flush into
// the per-queue counter. Stats are advisory: a failed bump never
// aborts ingestion.
func (d *drain) bumpStats(table string) {
	if d.worker.Stats == nil || d.unbumped == 0 {
		return
	}
	_ = d.worker.Stats.Bump(d.queue, table, d.unbumped, time.Now().UTC())
	d.unbumped = 0
}

// quarantine discards every unflushed buffer, returns the unacked
// range to the broker, and reports the queue as quarantined.
func (d *drain) quarantine(keyID string, cause error) Outcome {
	for _, wr := range d.writers {
		wr.Reset()
	}
	if d.haveTag {
		_ = d.worker.Broker.Nack(d.latestTag, true)
	}
	var errs []KeyError
	if keyID != "" || cause != nil {
		errs = append(errs, KeyError{Queue: d.queue, KeyID: keyID})
	}
	return Outcome{
		State:          Quarantining,
		ProcessedCount: d.processed,
		LastTable:      d.lastTable,
		Errors:         errs,
		Err:            cause,
	}
}

func (d *drain) done(err error) Outcome {
	return Outcome{
		State:          Done,
		ProcessedCount: d.processed,
		LastTable:      d.lastTable,
		Err:            err,
	}
}

// dumpRows writes the normalized rows of one message under DumpDir for
// debugging. Best-effort: dump failures never affect ingestion.
func (d *drain) dumpRows(table string, rows []map[string]any) {
	dir := d.worker.DumpDir
	if dir == "" || len(rows) == 0 {
		return
	}
	raw, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return
	}
	name := fmt.Sprintf("%s_%s.json", table, uuid.NewString())
	_ = os.WriteFile(filepath.Join(dir, name), raw, 0o600)
}

// batchFileTag builds the synthetic filename identifying one append
// batch, stamped into every row's original_file_parsed_on column.
func batchFileTag(table string, at time.Time) string {
	return fmt.Sprintf("%s_%s.json", table, at.Format("2006-01-02T15-04-05.000000000"))
}
