// Package scheduler is the sweep loop (C7): it fans bounded-parallel
// Queue Workers out over every configured, non-quarantined queue,
// sleeps between sweeps, and owns the two time-driven jobs — the
// day-boundary stats rollup and the audit-table retention sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/g960059/rmqcol/internal/config"
	"github.com/g960059/rmqcol/internal/model"
	"github.com/g960059/rmqcol/internal/notify"
	"github.com/g960059/rmqcol/internal/store"
	"github.com/g960059/rmqcol/internal/worker"
)

// rollupDebounce keeps the day-boundary check from re-firing while the
// wall clock is still past the boundary.
const rollupDebounce = 300 * time.Second

// retentionInterval spaces the audit-table cleanups.
const retentionInterval = 24 * time.Hour

// retentionSQL deletes audit rows older than a week, relying on the
// store's lightweight-delete support.
const retentionSQL = "DELETE FROM DataCore.rmq_log WHERE toDate(datetime) <= today() - 7"

// DrainFunc runs one Queue Worker drain. The Scheduler stays ignorant
// of how the Worker acquires its channel and store connection.
type DrainFunc func(ctx context.Context, queue, routingKey string) worker.Outcome

// StatsSource is the slice of the Stats Aggregator the rollup needs.
type StatsSource interface {
	LoadAll(ctx context.Context) ([]model.StatsRecord, error)
	Clear(ctx context.Context) error
}

// Scheduler runs the sweep loop. Construct with New; zero value is not
// usable.
type Scheduler struct {
	queues        []config.QueueBinding
	parallelism   int64
	sweepInterval time.Duration
	drain         DrainFunc

	stats    StatsSource
	notifier notify.Notifier
	store    store.Interface
	logger   *slog.Logger

	location    *time.Location
	dayBoundary string
	hostname    string

	mu          sync.Mutex
	quarantined map[string]struct{}

	rolledOver    bool
	lastRetention time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

// Options carries the collaborators New wires into a Scheduler.
type Options struct {
	Queues        []config.QueueBinding
	Parallelism   int
	SweepInterval time.Duration
	Drain         DrainFunc
	Stats         StatsSource
	Notifier      notify.Notifier
	Store         store.Interface
	Logger        *slog.Logger
	Location      *time.Location
	DayBoundary   string // "HH:MM"
	Hostname      string
}

func New(opts Options) *Scheduler {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 10
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 60 * time.Second
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Scheduler{
		queues:        opts.Queues,
		parallelism:   int64(opts.Parallelism),
		sweepInterval: opts.SweepInterval,
		drain:         opts.Drain,
		stats:         opts.Stats,
		notifier:      opts.Notifier,
		store:         opts.Store,
		logger:        opts.Logger,
		location:      opts.Location,
		dayBoundary:   opts.DayBoundary,
		hostname:      opts.Hostname,
		quarantined:   map[string]struct{}{},
		now:           time.Now,
		sleep:         time.Sleep,
	}
}

// Run loops until ctx is cancelled: sweep every queue, handle the day
// boundary and retention, sleep the sweep interval. In-flight Workers
// finish their current drain before the loop exits (the sweep awaits
// them; cancellation is only observed between messages).
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		s.sweep(ctx)
		s.maybeRollup(ctx)
		s.maybeRetention(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.sweepInterval):
		}
	}
}

// sweep dispatches one Worker per non-quarantined queue, gated to the
// configured parallelism, and waits for all of them.
func (s *Scheduler) sweep(ctx context.Context) {
	sem := semaphore.NewWeighted(s.parallelism)
	var wg sync.WaitGroup
	for _, qb := range s.queues {
		if s.isQuarantined(qb.Queue) {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(qb config.QueueBinding) {
			defer wg.Done()
			defer sem.Release(1)
			out := s.drain(ctx, qb.Queue, qb.RoutingKey)
			s.handleOutcome(ctx, qb.Queue, out)
		}(qb)
	}
	wg.Wait()
}

func (s *Scheduler) handleOutcome(ctx context.Context, queue string, out worker.Outcome) {
	switch {
	case out.State == worker.Quarantining:
		s.addQuarantine(queue)
		s.logger.Error("queue quarantined", "queue", queue, "table", out.LastTable, "err", out.Err)
		s.alertQuarantine(ctx, queue, out)
	case out.Err != nil && !errors.Is(out.Err, context.Canceled):
		s.logger.Warn("drain aborted", "queue", queue, "err", out.Err)
	case out.ProcessedCount > 0:
		s.logger.Info("drain complete", "queue", queue, "processed", out.ProcessedCount, "table", out.LastTable)
	}
}

// Quarantined reports the queues excluded from scheduling, sorted by
// insertion-independent name order.
func (s *Scheduler) Quarantined() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.quarantined))
	for q := range s.quarantined {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) isQuarantined(queue string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.quarantined[queue]
	return ok
}

func (s *Scheduler) addQuarantine(queue string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantined[queue] = struct{}{}
}

// alertQuarantine states the queue, table, error count, and offending
// business keys.
func (s *Scheduler) alertQuarantine(ctx context.Context, queue string, out worker.Outcome) {
	keys := make([]string, 0, len(out.Errors))
	for _, e := range out.Errors {
		keys = append(keys, e.KeyID)
	}
	body := fmt.Sprintf(
		"host: %s\nqueue: %s\ntable: %s\nprocessed before failure: %d\nerrors: %d\ncause: %v\nkey_ids: %s",
		s.hostname, queue, out.LastTable, out.ProcessedCount, len(out.Errors), out.Err, strings.Join(keys, ", "),
	)
	if err := s.notifier.Alert(ctx, "queue quarantined: "+queue, model.TruncateAlert(body)); err != nil {
		s.logger.Error("quarantine alert failed", "queue", queue, "err", err)
	}
}

// maybeRollup implements the day-boundary latch: the first
// loop iteration at or past the boundary emits the summary, clears the
// counters, latches, and debounces; any iteration before the boundary
// resets the latch.
func (s *Scheduler) maybeRollup(ctx context.Context) {
	boundary, err := boundaryFor(s.now().In(s.location), s.dayBoundary)
	if err != nil {
		s.logger.Error("bad day-boundary time", "value", s.dayBoundary, "err", err)
		return
	}
	now := s.now().In(s.location)
	if now.Before(boundary) {
		s.rolledOver = false
		return
	}
	if s.rolledOver {
		return
	}

	records, err := s.stats.LoadAll(ctx)
	if err != nil {
		s.logger.Error("load stats for rollup", "err", err)
		return
	}
	if err := s.notifier.Alert(ctx, "daily ingestion summary", FormatRollup(records, s.hostname)); err != nil {
		s.logger.Error("rollup alert failed", "err", err)
		return
	}
	if err := s.stats.Clear(ctx); err != nil {
		s.logger.Error("clear stats after rollup", "err", err)
		return
	}
	s.rolledOver = true
	s.sleep(rollupDebounce)
}

// maybeRetention deletes week-old audit rows, at most once per
// retentionInterval.
func (s *Scheduler) maybeRetention(ctx context.Context) {
	if s.store == nil {
		return
	}
	now := s.now()
	if !s.lastRetention.IsZero() && now.Sub(s.lastRetention) < retentionInterval {
		return
	}
	if err := s.store.Exec(ctx, retentionSQL); err != nil {
		s.logger.Error("audit retention sweep failed", "err", err)
		return
	}
	s.lastRetention = now
}

// boundaryFor resolves "HH:MM" against now's calendar day and location.
func boundaryFor(now time.Time, hhmm string) (time.Time, error) {
	parsed, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(now.Year(), now.Month(), now.Day(), parsed.Hour(), parsed.Minute(), 0, 0, now.Location()), nil
}

// FormatRollup renders the per-queue counters for the chat/mail
// summary. Also used by the rollup-stats CLI subcommand.
func FormatRollup(records []model.StatsRecord, hostname string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "host: %s\n", hostname)
	if len(records) == 0 {
		b.WriteString("no messages processed\n")
		return b.String()
	}
	var total int64
	for _, rec := range records {
		fmt.Fprintf(&b, "%s: %d messages, last table %s at %s\n",
			rec.Queue, rec.RunningCount, rec.LastProcessedTable,
			rec.LastTimestamp.Format("2006-01-02 15:04:05"))
		total += rec.RunningCount
	}
	fmt.Fprintf(&b, "total: %d messages\n", total)
	return b.String()
}
