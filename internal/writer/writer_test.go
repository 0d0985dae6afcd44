package writer

import (
	"context"
	"testing"

	"github.com/g960059/rmqcol/internal/broker"
	"github.com/g960059/rmqcol/internal/store"
)

var (
	_ store.Interface  = (*fakeStore)(nil)
	_ broker.Interface = (*fakeBroker)(nil)
)

type fakeStore struct {
	rows    map[string][][]any // table -> rows, columns fixed below
	columns []string
	queries []string
	inserts [][][]any
}

func newFakeStore(columns []string) *fakeStore {
	return &fakeStore{rows: map[string][][]any{}, columns: columns}
}

func (f *fakeStore) Describe(ctx context.Context, database, table string) ([]string, error) {
	return f.columns, nil
}

func (f *fakeStore) Insert(ctx context.Context, database, table string, columns []string, rows [][]any) error {
	f.rows[table] = append(f.rows[table], rows...)
	f.inserts = append(f.inserts, rows)
	return nil
}

func (f *fakeStore) Query(ctx context.Context, sql string) (store.Result, error) {
	f.queries = append(f.queries, sql)
	return store.Result{Columns: f.columns, Rows: f.rows["rzhd_by_operations_report"]}, nil
}

func (f *fakeStore) Exec(ctx context.Context, sql string) error { return nil }

func (f *fakeStore) DeleteAll(ctx context.Context, database, table, predicate string) error {
	delete(f.rows, table)
	return nil
}

type fakeBroker struct {
	acked      []uint64
	ackedMulti []uint64
	nacked     []uint64
}

func (f *fakeBroker) DeclareAndBind(queue, routingKey string) error { return nil }
func (f *fakeBroker) GetOne(ctx context.Context, queue string) (broker.Delivery, bool, error) {
	return broker.Delivery{}, false, nil
}
func (f *fakeBroker) Depth(queue string) (int, error) { return 0, nil }
func (f *fakeBroker) Ack(tag uint64) error { f.acked = append(f.acked, tag); return nil }
func (f *fakeBroker) AckMultiple(tag uint64) error { f.ackedMulti = append(f.ackedMulti, tag); return nil }
func (f *fakeBroker) Nack(tag uint64, multiple bool) error { f.nacked = append(f.nacked, tag); return nil }
func (f *fakeBroker) Close() error { return nil }

func TestFlushAcksUpToLastTag(t *testing.T) {
	columns := []string{"key_id", "sign", "original_file_parsed_on"}
	fs := newFakeStore(columns)
	fb := &fakeBroker{}
	w := New("DataCore", "rzhd_by_operations_report", "key_id", columns)

	w.Add("k1", map[string]any{"key_id": "k1", "sign": int64(1), "original_file_parsed_on": "b1"}, 10)
	w.Add("k2", map[string]any{"key_id": "k2", "sign": int64(1), "original_file_parsed_on": "b1"}, 11)

	if err := w.Flush(context.Background(), fs, fb); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(fb.ackedMulti) != 1 || fb.ackedMulti[0] != 11 {
		t.Fatalf("expected single multi-ack for tag 11, got %v", fb.ackedMulti)
	}
	if len(fs.rows["rzhd_by_operations_report"]) != 2 {
		t.Fatalf("expected 2 rows inserted, got %d", len(fs.rows["rzhd_by_operations_report"]))
	}
	if w.Pending() {
		t.Fatalf("expected buffers cleared after flush")
	}
}

func TestFlushSupersedesExistingEffectiveRow(t *testing.T) {
	columns := []string{"key_id", "sign", "original_file_parsed_on"}
	fs := newFakeStore(columns)
	fs.rows["rzhd_by_operations_report"] = [][]any{
		{"k1", int64(1), "older-batch"},
	}
	fb := &fakeBroker{}
	w := New("DataCore", "rzhd_by_operations_report", "key_id", columns)
	w.Add("k1", map[string]any{"key_id": "k1", "sign": int64(1), "original_file_parsed_on": "newer-batch"}, 1)

	if err := w.Flush(context.Background(), fs, fb); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var plus, minus int
	for _, row := range fs.rows["rzhd_by_operations_report"] {
		switch row[1].(int64) {
		case 1:
			plus++
		case -1:
			minus++
		}
	}
	if minus == 0 {
		t.Fatalf("expected a compensating sign=-1 row, rows=%v", fs.rows["rzhd_by_operations_report"])
	}
	if plus != 2 {
		t.Fatalf("expected the original plus-row and the new plus-row, got %d", plus)
	}
}

func TestDedupeBufferKeepsOnlyNewestBatchPerKey(t *testing.T) {
	w := New("DataCore", "t", "key_id", []string{"key_id", "original_file_parsed_on"})
	w.Add("k1", map[string]any{"key_id": "k1", "original_file_parsed_on": "b1"}, 1)
	w.Add("k1", map[string]any{"key_id": "k1", "original_file_parsed_on": "b2"}, 2)
	w.Add("k2", map[string]any{"key_id": "k2", "original_file_parsed_on": "b2"}, 2)

	deduped := w.dedupeBuffer()
	if len(deduped) != 2 {
		t.Fatalf("expected 2 rows after dedupe, got %d", len(deduped))
	}
	for _, pr := range deduped {
		if pr.key == "k1" && pr.parsedOn != "b2" {
			t.Fatalf("expected k1 to keep the newer batch, got %s", pr.parsedOn)
		}
	}
}

func TestShouldFlushThreshold(t *testing.T) {
	w := New("DataCore", "t", "key_id", []string{"key_id"})
	w.Add("k1", map[string]any{"key_id": "k1"}, 1)
	if w.ShouldFlush(2) {
		t.Fatalf("should not flush below threshold")
	}
	w.Add("k2", map[string]any{"key_id": "k2"}, 2)
	if !w.ShouldFlush(2) {
		t.Fatalf("should flush at threshold")
	}
}
