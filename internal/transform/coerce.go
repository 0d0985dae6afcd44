package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// dateFormats is the fixed ordered try-list for date and datetime
// columns.
var dateFormats = []string{
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"02.01.2006T15:04:05Z",
	"02.01.2006T15:04:05",
	"02.01.2006T15:04:05Z07:00",
	"02.01.2006 15:04:05",
	"2006-01-02 15:04:05",
	"02.01.2006",
	"2006-01-02",
}

// sentinelFloor is the lower bound below which a date is replaced with
// the sentinel date and the original value recorded.
var sentinelFloor = time.Date(1925, 1, 1, 0, 0, 0, 0, time.UTC)

// BaseTransform runs the shared normalization pipeline: optional
// key lowercasing, per-column-set coercion, augmentation stamping. It
// is the single place every concrete Transformer delegates to, so the
// pipeline stays pure and individually testable.
func BaseTransform(d Descriptor, raw map[string]any, parsedOn string) (map[string]any, error) {
	row := make(map[string]any, len(raw)+4)
	for k, v := range raw {
		key := k
		if d.LowercaseKeys {
			key = strings.ToLower(k)
		}
		row[key] = v
	}

	if err := coerceFloats(row, d.FloatColumns); err != nil {
		return nil, err
	}
	if err := coerceInts(row, d.IntColumns); err != nil {
		return nil, err
	}
	sentinelSuffix, err := coerceDates(row, d.DateColumns, d.DatetimeColumns)
	if err != nil {
		return nil, err
	}
	coerceBools(row, d.BoolColumns)

	row["sign"] = int64(1)
	row["original_file_parsed_on"] = parsedOn
	row["is_obsolete_date"] = time.Now().UTC()
	if d.SentinelColumn != "" {
		row[d.SentinelColumn] = sentinelSuffix
	}
	return row, nil
}

func coerceFloats(row map[string]any, columns map[string]struct{}) error {
	for col := range columns {
		v, ok := row[col]
		if !ok {
			continue
		}
		s, isString := v.(string)
		if !isString {
			continue
		}
		s = stripInternalWhitespace(s)
		if s == "" {
			row[col] = nil
			continue
		}
		s = strings.ReplaceAll(s, ",", ".")
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("coerce float column %s: %w", col, err)
		}
		row[col] = f
	}
	return nil
}

func coerceInts(row map[string]any, columns map[string]struct{}) error {
	for col := range columns {
		v, ok := row[col]
		if !ok {
			continue
		}
		s, isString := v.(string)
		if !isString {
			continue
		}
		s = stripInternalWhitespace(s)
		if s == "" {
			row[col] = nil
			continue
		}
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("coerce int column %s: %w", col, err)
		}
		row[col] = i
	}
	return nil
}

// coerceDates parses date/datetime columns against the fixed format
// list, replacing out-of-range values with the sentinel floor and
// returning the accumulated sentinel-column suffix for this row.
func coerceDates(row map[string]any, dateCols, datetimeCols map[string]struct{}) (string, error) {
	var sentinel strings.Builder
	apply := func(col string) error {
		v, ok := row[col]
		if !ok {
			return nil
		}
		s, isString := v.(string)
		if !isString || s == "" {
			return nil
		}
		parsed, ok := parseAnyFormat(s)
		if !ok {
			// Keep the original string; the store rejects it downstream
			// and the message is dead-lettered.
			return nil
		}
		if parsed.Before(sentinelFloor) {
			row[col] = sentinelFloor
			fmt.Fprintf(&sentinel, "(%s: %s)\n", col, s)
			return nil
		}
		row[col] = parsed
		return nil
	}
	for col := range dateCols {
		if err := apply(col); err != nil {
			return "", err
		}
	}
	for col := range datetimeCols {
		if err := apply(col); err != nil {
			return "", err
		}
	}
	return sentinel.String(), nil
}

func parseAnyFormat(s string) (time.Time, bool) {
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func coerceBools(row map[string]any, columns map[string]struct{}) {
	for col := range columns {
		v, ok := row[col]
		if !ok {
			continue
		}
		s, isString := v.(string)
		if !isString {
			continue
		}
		row[col] = strings.EqualFold(strings.TrimSpace(s), "ДА")
	}
}

// stripInternalWhitespace removes whitespace runs so "1 234" -> "1234".
func stripInternalWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == ' ' || r == '\t' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
