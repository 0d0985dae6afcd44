package transform

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/g960059/rmqcol/internal/model"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DecodeEnvelope decodes a broker message body, stripping a leading
// UTF-8 BOM if present.
func DecodeEnvelope(body []byte) (model.Envelope, error) {
	body = bytes.TrimPrefix(body, utf8BOM)
	var env model.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return model.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// CheckColumnSet verifies that dbColumns and msgColumns are identical
// sets. A non-empty symmetric difference is a message-content fatal
// error.
func CheckColumnSet(dbColumns, msgColumns []string) error {
	db := make(map[string]struct{}, len(dbColumns))
	for _, c := range dbColumns {
		db[c] = struct{}{}
	}
	msg := make(map[string]struct{}, len(msgColumns))
	for _, c := range msgColumns {
		msg[c] = struct{}{}
	}
	for c := range db {
		if _, ok := msg[c]; !ok {
			return fmt.Errorf("%w: column %q present in store but missing from message", model.ErrColumnMismatch, c)
		}
	}
	for c := range msg {
		if _, ok := db[c]; !ok {
			return fmt.Errorf("%w: column %q present in message but missing from store", model.ErrColumnMismatch, c)
		}
	}
	return nil
}

// MessageColumns returns the keys of the first transformed row, which
// by the column-set contract must be identical across all rows of one
// message after augmentation.
func MessageColumns(row map[string]any) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	return cols
}
