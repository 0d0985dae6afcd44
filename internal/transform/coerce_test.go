package transform

import (
	"strings"
	"testing"
	"time"
)

func railDescriptor() Descriptor {
	return Descriptor{
		Report:            "rail",
		Table:             "rzhd_by_operations_report",
		Database:          "DataCore",
		BusinessKeyColumn: "key_id",
		SentinelColumn:    "original_operation_date_string",
		IntColumns:        columnSet("container_size"),
		DatetimeColumns:   columnSet("operation_date"),
	}
}

func TestBaseTransformCoercesAndStampsAugmentation(t *testing.T) {
	row, err := BaseTransform(railDescriptor(), map[string]any{
		"key_id":         "K1",
		"container_size": "20",
		"operation_date": "2024-05-27T07:33:31",
	}, "rzhd_by_operations_report_f1.json")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}

	if row["container_size"] != int64(20) {
		t.Fatalf("expected int64(20), got %T %v", row["container_size"], row["container_size"])
	}
	got, ok := row["operation_date"].(time.Time)
	if !ok || !got.Equal(time.Date(2024, 5, 27, 7, 33, 31, 0, time.UTC)) {
		t.Fatalf("unexpected operation_date %v", row["operation_date"])
	}
	if row["sign"] != int64(1) {
		t.Fatalf("expected sign=+1, got %v", row["sign"])
	}
	if row["original_file_parsed_on"] != "rzhd_by_operations_report_f1.json" {
		t.Fatalf("unexpected batch tag %v", row["original_file_parsed_on"])
	}
	if _, ok := row["is_obsolete_date"].(time.Time); !ok {
		t.Fatalf("expected is_obsolete_date stamped, got %T", row["is_obsolete_date"])
	}
	if row["original_operation_date_string"] != "" {
		t.Fatalf("expected empty sentinel for in-range date, got %q", row["original_operation_date_string"])
	}
}

func TestOutOfRangeDateGoesToSentinel(t *testing.T) {
	row, err := BaseTransform(railDescriptor(), map[string]any{
		"key_id":         "K1",
		"operation_date": "1912-12-31",
	}, "f1")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	got := row["operation_date"].(time.Time)
	if !got.Equal(time.Date(1925, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected the floor date, got %v", got)
	}
	if row["original_operation_date_string"] != "(operation_date: 1912-12-31)\n" {
		t.Fatalf("unexpected sentinel %q", row["original_operation_date_string"])
	}
}

func TestFloorDateItselfIsKept(t *testing.T) {
	row, err := BaseTransform(railDescriptor(), map[string]any{
		"key_id":         "K1",
		"operation_date": "1925-01-01",
	}, "f1")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	got := row["operation_date"].(time.Time)
	if !got.Equal(time.Date(1925, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected 1925-01-01 kept as-is, got %v", got)
	}
	if row["original_operation_date_string"] != "" {
		t.Fatalf("boundary date must not hit the sentinel, got %q", row["original_operation_date_string"])
	}
}

func TestUnparseableDateKeptVerbatim(t *testing.T) {
	row, err := BaseTransform(railDescriptor(), map[string]any{
		"key_id":         "K1",
		"operation_date": "yesterday-ish",
	}, "f1")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if row["operation_date"] != "yesterday-ish" {
		t.Fatalf("unparseable dates pass through for the store to reject, got %v", row["operation_date"])
	}
}

func TestFloatCoercionHandlesCommaAndSpaces(t *testing.T) {
	d := Descriptor{
		Report: "r", Table: "t", Database: "DO", BusinessKeyColumn: "key_id",
		FloatColumns: columnSet("amount"),
	}
	cases := []struct {
		in   any
		want any
	}{
		{"1 234,5", 1234.5},
		{"12.5", 12.5},
		{"", nil},
		{nil, nil},
		{7.25, 7.25}, // already coerced: idempotent
	}
	for _, tc := range cases {
		row, err := BaseTransform(d, map[string]any{"key_id": "k", "amount": tc.in}, "f1")
		if err != nil {
			t.Fatalf("transform %v: %v", tc.in, err)
		}
		if row["amount"] != tc.want {
			t.Fatalf("amount %v: got %v want %v", tc.in, row["amount"], tc.want)
		}
	}
}

func TestIntCoercionFailureSurfaces(t *testing.T) {
	d := Descriptor{
		Report: "r", Table: "t", Database: "DO", BusinessKeyColumn: "key_id",
		IntColumns: columnSet("qty"),
	}
	if _, err := BaseTransform(d, map[string]any{"key_id": "k", "qty": "twenty"}, "f1"); err == nil {
		t.Fatalf("expected coercion failure for non-numeric int")
	}
}

func TestBoolCoercionMapsRussianYes(t *testing.T) {
	d := Descriptor{
		Report: "r", Table: "t", Database: "DO", BusinessKeyColumn: "key_id",
		BoolColumns: columnSet("is_spot"),
	}
	for in, want := range map[string]bool{"ДА": true, "да": true, "НЕТ": false, "": false} {
		row, err := BaseTransform(d, map[string]any{"key_id": "k", "is_spot": in}, "f1")
		if err != nil {
			t.Fatalf("transform %q: %v", in, err)
		}
		if row["is_spot"] != want {
			t.Fatalf("is_spot %q: got %v want %v", in, row["is_spot"], want)
		}
	}
}

func TestLowercaseKeysIsIdempotent(t *testing.T) {
	d := Descriptor{
		Report: "FreightRates", Table: "freight_rates", Database: "DO",
		BusinessKeyColumn: "key_id", LowercaseKeys: true,
		FloatColumns: columnSet("rate_amount"),
	}
	first, err := BaseTransform(d, map[string]any{"Key_ID": "k", "Rate_Amount": "10,5"}, "f1")
	if err != nil {
		t.Fatalf("first transform: %v", err)
	}
	if _, ok := first["key_id"]; !ok {
		t.Fatalf("expected lowercased keys, got %v", first)
	}
	second, err := BaseTransform(d, first, "f1")
	if err != nil {
		t.Fatalf("second transform: %v", err)
	}
	if second["rate_amount"] != 10.5 {
		t.Fatalf("re-transform changed the value: %v", second["rate_amount"])
	}
}

func TestDecodeEnvelopeStripsBOM(t *testing.T) {
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"header":{"report":"r","key_id":"k"},"data":[]}`)...)
	env, err := DecodeEnvelope(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Header.Report != "r" || env.Header.KeyIDOrEmpty() != "k" {
		t.Fatalf("unexpected header %+v", env.Header)
	}
}

func TestCheckColumnSetRejectsCaseDifference(t *testing.T) {
	err := CheckColumnSet([]string{"client_uid"}, []string{"clientUID"})
	if err == nil {
		t.Fatalf("expected mismatch for clientUID vs client_uid")
	}
	if !strings.Contains(err.Error(), "client_uid") {
		t.Fatalf("error should name the missing column: %v", err)
	}
}

func TestCheckColumnSetAcceptsEqualSets(t *testing.T) {
	if err := CheckColumnSet([]string{"a", "b"}, []string{"b", "a"}); err != nil {
		t.Fatalf("equal sets must pass: %v", err)
	}
}
