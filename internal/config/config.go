// Package config is the Config Registry (C1): it loads queue→routing-key
// and report→table bindings plus the process-wide constants every other
// component reads, and is immutable once Load returns.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// QueueBinding is one entry of the queue_name -> routing_key map.
type QueueBinding struct {
	Queue      string
	RoutingKey string
}

// ReportTable is one entry of the report_name -> table_name map.
type ReportTable struct {
	ReportName string
	Table      string
	Database   string
}

type Config struct {
	AMQPURL       string
	Exchange      string
	ClickHouseDSN string

	Queues       []QueueBinding
	ReportTables map[string]ReportTable

	BatchSize     int
	DayBoundary   string
	Timezone      string
	Parallelism   int
	SweepInterval time.Duration

	StatsDBPath string
	ErrorsDir   string
	DumpDir     string

	ChatID, Topic, MessageID, TelegramToken  string
	EmailUser, EmailPassword, RecipientEmail string
	HostHostname                             string

	RetentionAge time.Duration
}

// Load reads the recognized environment variables and JSON config
// files and returns a fully-populated Config. A missing required
// variable is a fatal startup error.
func Load() (Config, error) {
	cfg := defaultConfig()

	host := os.Getenv("RABBITMQ_HOST")
	port := os.Getenv("RABBITMQ_PORT")
	user := os.Getenv("RABBITMQ_USER")
	pass := os.Getenv("RABBITMQ_PASSWORD")
	if host == "" || user == "" {
		return Config{}, fmt.Errorf("RABBITMQ_HOST and RABBITMQ_USER are required")
	}
	if port == "" {
		port = "5672"
	}
	cfg.AMQPURL = fmt.Sprintf("amqp://%s:%s@%s:%s/", user, pass, host, port)

	cfg.Exchange = os.Getenv("EXCHANGE_NAME")
	if cfg.Exchange == "" {
		return Config{}, fmt.Errorf("EXCHANGE_NAME is required")
	}

	chHost := os.Getenv("HOST")
	chDB := os.Getenv("DATABASE")
	chUser := os.Getenv("USERNAME_DB")
	chPass := os.Getenv("PASSWORD")
	if chHost == "" || chDB == "" {
		return Config{}, fmt.Errorf("HOST and DATABASE are required")
	}
	cfg.ClickHouseDSN = fmt.Sprintf("clickhouse://%s:%s@%s/%s", chUser, chPass, chHost, chDB)

	root := os.Getenv("XL_IDP_ROOT_RABBITMQ")
	if root == "" {
		return Config{}, fmt.Errorf("XL_IDP_ROOT_RABBITMQ is required")
	}
	cfg.StatsDBPath = filepath.Join(root, "logging", "processed_messages.db")

	dataRoot := os.Getenv("XL_IDP_PATH_RABBITMQ")
	if dataRoot == "" {
		return Config{}, fmt.Errorf("XL_IDP_PATH_RABBITMQ is required")
	}
	cfg.ErrorsDir = filepath.Join(dataRoot, "errors")
	cfg.DumpDir = filepath.Join(dataRoot, "json")

	queues, err := loadQueueBindings(filepath.Join(root, "queues.json"))
	if err != nil {
		return Config{}, fmt.Errorf("load queue bindings: %w", err)
	}
	cfg.Queues = queues

	reportTables, err := loadReportTables(filepath.Join(root, "report_tables.json"))
	if err != nil {
		return Config{}, fmt.Errorf("load report tables: %w", err)
	}
	cfg.ReportTables = reportTables

	cfg.ChatID = os.Getenv("CHAT_ID")
	cfg.Topic = os.Getenv("TOPIC")
	cfg.MessageID = os.Getenv("MESSAGE_ID")
	cfg.TelegramToken = os.Getenv("TOKEN_TELEGRAM")
	cfg.EmailUser = os.Getenv("EMAIL_USER")
	cfg.EmailPassword = os.Getenv("EMAIL_PASSWORD")
	cfg.RecipientEmail = os.Getenv("RECIPIENT_EMAIL")
	cfg.HostHostname = os.Getenv("HOST_HOSTNAME")

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		BatchSize:     5000,
		DayBoundary:   "19:58",
		Timezone:      "Europe/Moscow",
		Parallelism:   10,
		SweepInterval: 60 * time.Second,
		RetentionAge:  7 * 24 * time.Hour,
	}
}

func loadQueueBindings(path string) ([]QueueBinding, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var flat map[string]string
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, err
	}
	bindings := make([]QueueBinding, 0, len(flat))
	for queue, routingKey := range flat {
		bindings = append(bindings, QueueBinding{Queue: queue, RoutingKey: routingKey})
	}
	return bindings, nil
}

func loadReportTables(path string) (map[string]ReportTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var flat map[string]string
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, err
	}
	tables := make(map[string]ReportTable, len(flat))
	for report, table := range flat {
		tables[report] = ReportTable{ReportName: report, Table: table, Database: "DataCore"}
	}
	return tables, nil
}
