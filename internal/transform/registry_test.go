package transform

import (
	"testing"
)

func TestDefaultRegistryIncludesBuiltins(t *testing.T) {
	reg := DefaultRegistry()

	for _, report := range []string{
		"ОтчетПоЖДПеревозкамМаркетингПоОперациям",
		"ОтчетПоМаржинальностиСделок",
		"FreightRates",
	} {
		if _, ok := reg.Resolve(report); !ok {
			t.Fatalf("expected transformer for %s", report)
		}
	}
	if got := len(reg.Descriptors()); got != 3 {
		t.Fatalf("expected 3 built-in families, got %d", got)
	}
}

func TestRegistryRejectsDuplicateReport(t *testing.T) {
	reg := NewRegistry(NewFreightRatesTransformer())
	if err := reg.Register(NewFreightRatesTransformer()); err == nil {
		t.Fatalf("expected duplicate report name to fail")
	}
}

func TestRegistryRejectsIncompleteDescriptor(t *testing.T) {
	cases := []struct {
		name string
		desc Descriptor
	}{
		{"missing report", Descriptor{Table: "t", BusinessKeyColumn: "key_id"}},
		{"missing table", Descriptor{Report: "r", BusinessKeyColumn: "key_id"}},
		{"missing business key", Descriptor{Report: "r", Table: "t"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := NewRegistry()
			if err := reg.Register(genericTransformer{descriptor: tc.desc}); err == nil {
				t.Fatalf("expected registration to fail")
			}
		})
	}
}

func TestResolveUnknownReportIsExplicit(t *testing.T) {
	reg := DefaultRegistry()
	if _, ok := reg.Resolve("НеизвестныйОтчет"); ok {
		t.Fatalf("unknown report must not resolve")
	}
}

func TestOnlyFreightRatesLowercasesKeys(t *testing.T) {
	for _, d := range DefaultRegistry().Descriptors() {
		want := d.Report == "FreightRates"
		if d.LowercaseKeys != want {
			t.Fatalf("report %s: LowercaseKeys=%v, want %v", d.Report, d.LowercaseKeys, want)
		}
	}
}
