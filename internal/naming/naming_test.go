package naming

import "testing"

func TestNormalizeCandidate(t *testing.T) {
	stored, display, score, ok := NormalizeCandidate("reverse_dns", "FileServer.Corp.Example.")
	if !ok {
		t.Fatalf("expected ok")
	}
	if stored != "fileserver.corp.example" {
		t.Fatalf("expected stored lowercased without trailing dot, got %q", stored)
	}
	if display != "fileserver" {
		t.Fatalf("expected display hostname label, got %q", display)
	}
	if score < minDisplayScore {
		t.Fatalf("expected score >= %d, got %d", minDisplayScore, score)
	}
}

func TestChooseBestDisplayName_PrefersSNMP(t *testing.T) {
	name, ok := ChooseBestDisplayName([]Candidate{
		{Name: "laserjet.local", Source: "mdns"},
		{Name: "print-2f", Source: "snmp"},
	})
	if !ok {
		t.Fatalf("expected ok")
	}
	if name != "print-2f" {
		t.Fatalf("expected snmp name to win, got %q", name)
	}
}

func TestChooseBestDisplayName_RejectsGarbage(t *testing.T) {
	name, ok := ChooseBestDisplayName([]Candidate{
		{Name: "10.1.168.192.in-addr.arpa", Source: "reverse_dns"},
		{Name: "localhost", Source: "mdns"},
	})
	if ok {
		t.Fatalf("expected ok=false, got name=%q", name)
	}
}
