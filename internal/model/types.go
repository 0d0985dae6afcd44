// Package model holds the domain types shared across the ingestion
// pipeline: the inbound report envelope, the audit trail, and the
// per-queue stats record.
package model

import (
	"encoding/json"
	"time"
)

// Header is the envelope's header block.
type Header struct {
	Report     string  `json:"report"`
	KeyID      *string `json:"key_id"`
	IsTruncate bool    `json:"is_truncate"`
}

// Envelope is the decoded inbound broker message body.
type Envelope struct {
	Header Header           `json:"header"`
	Data   []map[string]any `json:"data"`
}

// KeyIDOrEmpty returns the header's business key, or "" when absent.
func (h Header) KeyIDOrEmpty() string {
	if h.KeyID == nil {
		return ""
	}
	return *h.KeyID
}

// AuditRecord is one row of the rmq_log audit table.
type AuditRecord struct {
	Database    string
	Table       string
	Queue       string
	KeyID       string
	Timestamp   time.Time
	IsSuccess   bool
	MessageJSON string
}

// StatsRecord is the per-queue counters persisted by the C8 Stats
// Aggregator.
type StatsRecord struct {
	Queue              string
	LastTimestamp      time.Time
	RunningCount       int64
	LastProcessedTable string
}

// MaxAuditDataElements is the cap on how many `data` entries survive
// into an audit row's message column.
const MaxAuditDataElements = 100

// MaxAlertChars is the cap on a chat/mail alert body.
const MaxAlertChars = 4090

// TruncateDataForAudit keeps at most MaxAuditDataElements of env.Data
// and re-marshals the envelope for storage in an audit row.
func TruncateDataForAudit(env Envelope) (string, error) {
	truncated := env
	if len(truncated.Data) > MaxAuditDataElements {
		truncated.Data = truncated.Data[:MaxAuditDataElements]
	}
	out, err := json.Marshal(truncated)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// TruncateAlert clamps an alert body to MaxAlertChars runes.
func TruncateAlert(body string) string {
	runes := []rune(body)
	if len(runes) <= MaxAlertChars {
		return body
	}
	return string(runes[:MaxAlertChars])
}

// Sentinel lifecycle errors used across package boundaries for
// control-flow branching.
type sentinelError string

func (e sentinelError) Error() string { return string(e) }

const (
	ErrTransformerNotFound = sentinelError("transformer not found")
	ErrColumnMismatch      = sentinelError("column set mismatch")
	ErrTransient           = sentinelError("transient error")
)
