package naming

import (
	"sort"
	"strings"
)

// Candidate is a host name observed for a discovered device, tagged with where it came from.
type Candidate struct {
	Name   string
	Source string
}

type scoredCandidate struct {
	Source  string
	Stored  string
	Display string
	Score   int
}

// minDisplayScore is the quality bar a name must clear before it replaces the IP as the device name.
const minDisplayScore = 70

// NormalizeCandidate trims and lower-cases DNS-derived names and derives the short display label.
func NormalizeCandidate(source, rawName string) (stored string, display string, score int, ok bool) {
	source = strings.ToLower(strings.TrimSpace(source))
	name := strings.TrimSuffix(strings.TrimSpace(rawName), ".")
	if name == "" {
		return "", "", 0, false
	}

	stored = name
	if source == "reverse_dns" || source == "mdns" {
		stored = strings.ToLower(stored)
	}

	display = stored
	if i := strings.IndexByte(display, '.'); i > 0 && !strings.ContainsAny(display, " \t") {
		display = display[:i]
	}

	score = scoreCandidate(source, stored, display)
	return stored, display, score, score >= 0
}

// ChooseBestDisplayName picks the highest scoring name, or ok=false when none clears the bar.
func ChooseBestDisplayName(candidates []Candidate) (string, bool) {
	var scored []scoredCandidate
	for _, c := range candidates {
		stored, display, score, ok := NormalizeCandidate(c.Source, c.Name)
		if !ok || score < minDisplayScore {
			continue
		}
		scored = append(scored, scoredCandidate{Source: c.Source, Stored: stored, Display: display, Score: score})
	}
	if len(scored) == 0 {
		return "", false
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if len(a.Display) != len(b.Display) {
			return len(a.Display) < len(b.Display)
		}
		return a.Display < b.Display
	})
	return scored[0].Display, true
}

func scoreCandidate(source, stored, display string) int {
	normalized := strings.ToLower(stored)
	if looksGarbage(normalized) {
		return -1
	}

	base := 50
	switch source {
	case "snmp":
		base = 92
	case "reverse_dns":
		base = 90
	case "mdns":
		base = 82
	case "netbios":
		base = 78
	}

	if len(display) < 2 {
		base -= 50
	}
	if strings.ContainsAny(display, " \t") {
		base -= 25
	}
	if !looksHostnameLabel(display) {
		base -= 20
	}
	if strings.HasSuffix(normalized, ".local") || strings.HasSuffix(normalized, ".localdomain") {
		base -= 5
	}
	return base
}

func looksHostnameLabel(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func looksGarbage(normalized string) bool {
	if normalized == "" {
		return true
	}
	if strings.Contains(normalized, "in-addr.arpa") || strings.Contains(normalized, "ip6.arpa") {
		return true
	}
	// ISP and DHCP pools often publish PTRs that just spell the address.
	if strings.Count(normalized, "-") >= 3 && strings.IndexFunc(normalized, func(r rune) bool {
		return r >= 'a' && r <= 'z'
	}) < 0 {
		return true
	}
	switch normalized {
	case "localhost", "localdomain", "workgroup", "_gateway":
		return true
	}
	return false
}
