package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/g960059/rmqcol/internal/config"
	"github.com/g960059/rmqcol/internal/model"
	"github.com/g960059/rmqcol/internal/worker"
)

type recordingNotifier struct {
	mu       sync.Mutex
	subjects []string
	bodies   []string
}

func (r *recordingNotifier) Alert(ctx context.Context, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	r.bodies = append(r.bodies, body)
	return nil
}

type fakeStats struct {
	records []model.StatsRecord
	cleared int
}

func (f *fakeStats) LoadAll(ctx context.Context) ([]model.StatsRecord, error) {
	return f.records, nil
}
func (f *fakeStats) Clear(ctx context.Context) error { f.cleared++; return nil }

func twoQueues() []config.QueueBinding {
	return []config.QueueBinding{
		{Queue: "q1", RoutingKey: "rk1"},
		{Queue: "q2", RoutingKey: "rk2"},
	}
}

func TestSweepSkipsQuarantinedQueues(t *testing.T) {
	var mu sync.Mutex
	drains := map[string]int{}
	drain := func(ctx context.Context, queue, routingKey string) worker.Outcome {
		mu.Lock()
		drains[queue]++
		mu.Unlock()
		if queue == "q1" {
			return worker.Outcome{
				State:  worker.Quarantining,
				Errors: []worker.KeyError{{Queue: queue, KeyID: "K9"}},
				Err:    errors.New("unknown report"),
			}
		}
		return worker.Outcome{State: worker.Done}
	}
	notifier := &recordingNotifier{}
	s := New(Options{Queues: twoQueues(), Drain: drain, Stats: &fakeStats{}, Notifier: notifier})

	s.sweep(context.Background())
	s.sweep(context.Background())

	if drains["q1"] != 1 {
		t.Fatalf("expected q1 drained once then quarantined, got %d", drains["q1"])
	}
	if drains["q2"] != 2 {
		t.Fatalf("expected q2 drained every sweep, got %d", drains["q2"])
	}
	if got := s.Quarantined(); len(got) != 1 || got[0] != "q1" {
		t.Fatalf("expected q1 quarantined, got %v", got)
	}
	if len(notifier.subjects) != 1 || !strings.Contains(notifier.subjects[0], "q1") {
		t.Fatalf("expected one quarantine alert naming q1, got %v", notifier.subjects)
	}
	if !strings.Contains(notifier.bodies[0], "K9") {
		t.Fatalf("expected the offending key in the alert body:\n%s", notifier.bodies[0])
	}
}

func TestSweepGatesParallelism(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	drain := func(ctx context.Context, queue, routingKey string) worker.Outcome {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return worker.Outcome{State: worker.Done}
	}
	queues := make([]config.QueueBinding, 6)
	for i := range queues {
		queues[i] = config.QueueBinding{Queue: string(rune('a' + i)), RoutingKey: "rk"}
	}
	s := New(Options{Queues: queues, Parallelism: 2, Drain: drain, Stats: &fakeStats{}})

	s.sweep(context.Background())

	if peak > 2 {
		t.Fatalf("parallelism gate breached: peak %d", peak)
	}
}

func TestRollupFiresOncePastBoundaryAndResetsBefore(t *testing.T) {
	stats := &fakeStats{records: []model.StatsRecord{
		{Queue: "q1", RunningCount: 42, LastProcessedTable: "t1", LastTimestamp: time.Now().UTC()},
	}}
	notifier := &recordingNotifier{}
	s := New(Options{
		Queues: twoQueues(), Drain: nil, Stats: stats, Notifier: notifier,
		DayBoundary: "19:58",
	})
	s.sleep = func(time.Duration) {}

	day := time.Date(2024, 5, 27, 0, 0, 0, 0, time.UTC)
	clock := day.Add(19*time.Hour + 59*time.Minute)
	s.now = func() time.Time { return clock }

	s.maybeRollup(context.Background())
	s.maybeRollup(context.Background()) // latched: no second emit

	if len(notifier.subjects) != 1 {
		t.Fatalf("expected exactly one rollup, got %d", len(notifier.subjects))
	}
	if stats.cleared != 1 {
		t.Fatalf("expected counters cleared once, got %d", stats.cleared)
	}
	if !strings.Contains(notifier.bodies[0], "q1: 42 messages") {
		t.Fatalf("unexpected rollup body:\n%s", notifier.bodies[0])
	}

	// Next morning: latch resets, the following boundary fires again.
	clock = day.Add(24*time.Hour + 10*time.Hour)
	s.maybeRollup(context.Background())
	clock = day.Add(24*time.Hour + 20*time.Hour)
	s.maybeRollup(context.Background())

	if len(notifier.subjects) != 2 {
		t.Fatalf("expected the next day's boundary to fire, got %d rollups", len(notifier.subjects))
	}
}

func TestFormatRollupTotals(t *testing.T) {
	out := FormatRollup([]model.StatsRecord{
		{Queue: "q1", RunningCount: 10, LastProcessedTable: "t1", LastTimestamp: time.Unix(0, 0).UTC()},
		{Queue: "q2", RunningCount: 5, LastProcessedTable: "t2", LastTimestamp: time.Unix(0, 0).UTC()},
	}, "host-a")
	if !strings.Contains(out, "total: 15 messages") {
		t.Fatalf("missing total line:\n%s", out)
	}
	if !strings.Contains(out, "host: host-a") {
		t.Fatalf("missing host line:\n%s", out)
	}
}

func TestFormatRollupEmpty(t *testing.T) {
	out := FormatRollup(nil, "host-a")
	if !strings.Contains(out, "no messages processed") {
		t.Fatalf("unexpected empty-format output:\n%s", out)
	}
}
