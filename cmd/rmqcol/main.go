// rmqcol ingests JSON report payloads from RabbitMQ queues into a
// ClickHouse analytical store. Two subcommands:
//
//	run-consumer  — the scheduling loop; runs until SIGINT/SIGTERM
//	rollup-stats  — emit the daily per-queue summary once, then clear
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/g960059/rmqcol/internal/broker"
	"github.com/g960059/rmqcol/internal/config"
	"github.com/g960059/rmqcol/internal/deadletter"
	"github.com/g960059/rmqcol/internal/logging"
	"github.com/g960059/rmqcol/internal/notify"
	"github.com/g960059/rmqcol/internal/scheduler"
	"github.com/g960059/rmqcol/internal/stats"
	"github.com/g960059/rmqcol/internal/store"
	"github.com/g960059/rmqcol/internal/transform"
	"github.com/g960059/rmqcol/internal/worker"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fatal(err)
	}

	switch os.Args[1] {
	case "run-consumer":
		if err := runConsumer(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
			fatal(err)
		}
	case "rollup-stats":
		if err := rollupStats(ctx, cfg); err != nil {
			fatal(err)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func runConsumer(ctx context.Context, cfg config.Config) error {
	logger := logging.New("consumer")

	st, err := store.Open(ctx, cfg.ClickHouseDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close() //nolint:errcheck

	statsStore, err := stats.Open(ctx, cfg.StatsDBPath)
	if err != nil {
		return fmt.Errorf("open stats store: %w", err)
	}
	defer statsStore.Close() //nolint:errcheck

	sink, err := deadletter.New(cfg.ErrorsDir, st)
	if err != nil {
		return fmt.Errorf("prepare dead-letter sink: %w", err)
	}

	notifier, err := buildNotifier(cfg)
	if err != nil {
		return fmt.Errorf("build notifier: %w", err)
	}

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone %s: %w", cfg.Timezone, err)
	}

	// Declare and bind every configured queue once at startup, so the
	// first sweep never races topology creation.
	if err := declareQueues(cfg); err != nil {
		return err
	}

	registry := transform.DefaultRegistry()
	drain := func(ctx context.Context, queue, routingKey string) worker.Outcome {
		br, err := broker.Dial(cfg.AMQPURL, cfg.Exchange)
		if err != nil {
			return worker.Outcome{State: worker.Done, Err: fmt.Errorf("dial broker for %s: %w", queue, err)}
		}
		defer br.Close() //nolint:errcheck
		w := &worker.Worker{
			Broker:     br,
			Store:      st,
			Registry:   registry,
			Stats:      statsStore,
			Deadletter: sink,
			BatchSize:  cfg.BatchSize,
			DumpDir:    cfg.DumpDir,
		}
		return w.Drain(ctx, queue, routingKey)
	}

	sched := scheduler.New(scheduler.Options{
		Queues:        cfg.Queues,
		Parallelism:   cfg.Parallelism,
		SweepInterval: cfg.SweepInterval,
		Drain:         drain,
		Stats:         statsStore,
		Notifier:      notifier,
		Store:         st,
		Logger:        logger,
		Location:      location,
		DayBoundary:   cfg.DayBoundary,
		Hostname:      cfg.HostHostname,
	})

	logger.Info("consumer started", "queues", len(cfg.Queues), "parallelism", cfg.Parallelism)
	return sched.Run(ctx)
}

func rollupStats(ctx context.Context, cfg config.Config) error {
	statsStore, err := stats.Open(ctx, cfg.StatsDBPath)
	if err != nil {
		return fmt.Errorf("open stats store: %w", err)
	}
	defer statsStore.Close() //nolint:errcheck

	notifier, err := buildNotifier(cfg)
	if err != nil {
		return fmt.Errorf("build notifier: %w", err)
	}

	records, err := statsStore.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load stats: %w", err)
	}
	if err := notifier.Alert(ctx, "daily ingestion summary", scheduler.FormatRollup(records, cfg.HostHostname)); err != nil {
		return fmt.Errorf("send rollup: %w", err)
	}
	if err := statsStore.Clear(ctx); err != nil {
		return fmt.Errorf("clear stats: %w", err)
	}
	return nil
}

// declareQueues binds the full topology over one short-lived channel.
func declareQueues(cfg config.Config) error {
	br, err := broker.Dial(cfg.AMQPURL, cfg.Exchange)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer br.Close() //nolint:errcheck
	for _, qb := range cfg.Queues {
		if err := br.DeclareAndBind(qb.Queue, qb.RoutingKey); err != nil {
			return fmt.Errorf("declare %s: %w", qb.Queue, err)
		}
	}
	return nil
}

// buildNotifier assembles the chat/mail fan-out from whatever channels
// the environment configures, each behind the shared retry schedule.
func buildNotifier(cfg config.Config) (notify.Notifier, error) {
	var channels notify.Multi
	if cfg.TelegramToken != "" {
		tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.ChatID, cfg.MessageID)
		if err != nil {
			return nil, err
		}
		channels = append(channels, tg)
	}
	if cfg.EmailUser != "" && cfg.RecipientEmail != "" {
		channels = append(channels, notify.NewMail(cfg.EmailUser, cfg.EmailPassword, cfg.RecipientEmail))
	}
	if len(channels) == 0 {
		return notify.Nop{}, nil
	}
	return notify.WithBackoff(channels), nil
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: rmqcol <run-consumer|rollup-stats>\n")
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "rmqcol: %v\n", err)
	os.Exit(1)
}
