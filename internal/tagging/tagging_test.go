package tagging

import "testing"

func TestClassify_VirtualizationPrefixWins(t *testing.T) {
	got := Classify(
		SuggestFromMAC("00:50:56:aa:bb:cc"),
		SuggestFromVendor("VMware, Inc."),
		SuggestFromOpenPorts([]int{22, 443}),
	)
	if got != TypeVirtual {
		t.Fatalf("expected %q, got %q", TypeVirtual, got)
	}
}

func TestClassify_PrinterFromVendorAndPorts(t *testing.T) {
	got := Classify(
		SuggestFromMAC("00:80:77:01:02:03"),
		SuggestFromVendor("Brother Industries, Ltd."),
		SuggestFromOpenPorts([]int{80, 9100}),
	)
	if got != TypePrinter {
		t.Fatalf("expected %q, got %q", TypePrinter, got)
	}
}

func TestClassify_DefaultsToUnknown(t *testing.T) {
	if got := Classify(SuggestFromVendor(""), SuggestFromMAC("00:11:22:33:44:55")); got != TypeUnknown {
		t.Fatalf("expected %q, got %q", TypeUnknown, got)
	}
}

func TestSuggestFromMAC_LocallyAdministered(t *testing.T) {
	s := SuggestFromMAC("da:a1:19:00:00:01")
	if len(s) != 1 || s[0].Type != TypeMobile {
		t.Fatalf("expected a single mobile suggestion, got %+v", s)
	}
}

func TestSuggestFromSNMP_NetworkGear(t *testing.T) {
	s := SuggestFromSNMP("Cisco IOS Software, C2960 Software (C2960-LANBASEK9-M), switch")
	if len(s) == 0 || s[0].Type != TypeNetwork {
		t.Fatalf("expected network suggestion, got %+v", s)
	}
}

func TestMergeSuggestions_KeepsHighestConfidence(t *testing.T) {
	merged := MergeSuggestions(
		[]Suggestion{{Type: TypePrinter, Confidence: 60, Evidence: map[string]any{"a": 1}}},
		[]Suggestion{{Type: " PRINTER ", Confidence: 85, Evidence: map[string]any{"b": 2}}},
		[]Suggestion{{Type: "banana", Confidence: 99}},
	)
	if len(merged) != 1 {
		t.Fatalf("expected 1 merged suggestion, got %+v", merged)
	}
	if merged[0].Type != TypePrinter || merged[0].Confidence != 85 {
		t.Fatalf("unexpected merge result: %+v", merged[0])
	}
}
