package transform

// This file declares the report families known at startup. Each is a
// value, not a subtype: Descriptor + BaseTransform, matching the
// registry's composition-over-inheritance shape.

func columnSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// genericTransformer is the common shape every concrete family uses:
// a static Descriptor plus the shared coercion pipeline.
type genericTransformer struct {
	descriptor Descriptor
}

func (t genericTransformer) Descriptor() Descriptor { return t.descriptor }

func (t genericTransformer) Transform(raw map[string]any, parsedOn string) (map[string]any, error) {
	return BaseTransform(t.descriptor, raw, parsedOn)
}

// NewRailByOperationsTransformer is the rail-freight operations
// report, keyed by key_id, with an out-of-range date sentinel column.
func NewRailByOperationsTransformer() Transformer {
	return genericTransformer{Descriptor{
		Report:            "ОтчетПоЖДПеревозкамМаркетингПоОперациям",
		Table:             "rzhd_by_operations_report",
		Database:          "DataCore",
		BusinessKeyColumn: "key_id",
		SentinelColumn:    "original_operation_date_string",
		IntColumns:        columnSet("container_size"),
		DatetimeColumns:   columnSet("operation_date"),
	}}
}

// NewOrdersMarginalityTransformer is the deal-marginality report; its
// feed periodically sends header.is_truncate=true to rebuild the whole
// table.
func NewOrdersMarginalityTransformer() Transformer {
	return genericTransformer{Descriptor{
		Report:            "ОтчетПоМаржинальностиСделок",
		Table:             "orders_marginality_report",
		Database:          "DataCore",
		BusinessKeyColumn: "key_id",
		FloatColumns:      columnSet("margin_amount", "revenue_amount", "cost_amount"),
		DateColumns:       columnSet("order_date"),
	}}
}

// NewFreightRatesTransformer is the one family whose feed sends
// mixed-case keys; every inbound key is lowercased before coercion.
func NewFreightRatesTransformer() Transformer {
	return genericTransformer{Descriptor{
		Report:            "FreightRates",
		Table:             "freight_rates",
		Database:          "DO",
		BusinessKeyColumn: "key_id",
		LowercaseKeys:     true,
		FloatColumns:      columnSet("rate_amount"),
		BoolColumns:       columnSet("is_spot"),
		DateColumns:       columnSet("valid_from", "valid_to"),
	}}
}

// DefaultRegistry wires the report families known at startup. Adding a
// family is always "write a Descriptor, register it" — no inheritance,
// no central switch statement.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewRailByOperationsTransformer(),
		NewOrdersMarginalityTransformer(),
		NewFreightRatesTransformer(),
	)
}
