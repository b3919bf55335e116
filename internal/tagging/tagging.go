package tagging

import (
	"sort"
	"strings"
)

// Suggestion is one weighted vote for a device type, with the signal that produced it.
type Suggestion struct {
	Type       string
	Confidence int
	Evidence   map[string]any
}

// MergeSuggestions keeps the highest-confidence vote per type and returns them best first.
func MergeSuggestions(groups ...[]Suggestion) []Suggestion {
	byType := make(map[string]Suggestion)

	for _, group := range groups {
		for _, s := range group {
			t := NormalizeType(s.Type)
			if !IsValidType(t) || t == TypeUnknown {
				continue
			}
			if s.Confidence <= 0 {
				continue
			}

			existing, ok := byType[t]
			if !ok || s.Confidence > existing.Confidence {
				s.Type = t
				byType[t] = s
				continue
			}
			if s.Evidence != nil {
				if existing.Evidence == nil {
					existing.Evidence = map[string]any{}
				}
				for k, v := range s.Evidence {
					if _, taken := existing.Evidence[k]; !taken {
						existing.Evidence[k] = v
					}
				}
				byType[t] = existing
			}
		}
	}

	out := make([]Suggestion, 0, len(byType))
	for _, v := range byType {
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// Classify returns the best type among the merged suggestions, or TypeUnknown.
func Classify(groups ...[]Suggestion) string {
	merged := MergeSuggestions(groups...)
	if len(merged) == 0 {
		return TypeUnknown
	}
	return merged[0].Type
}

var virtualizationPrefixes = map[string]string{
	"00:50:56": "vmware",
	"00:0c:29": "vmware",
	"00:05:69": "vmware",
	"00:1c:14": "vmware",
	"08:00:27": "virtualbox",
	"0a:00:27": "virtualbox",
	"52:54:00": "qemu",
	"00:15:5d": "hyper-v",
	"00:16:3e": "xen",
	"00:1c:42": "parallels",
	"02:42:ac": "docker",
}

// SuggestFromMAC inspects the address itself: hypervisor OUIs and the
// locally-administered bit.
func SuggestFromMAC(mac string) []Suggestion {
	mac = strings.ToLower(strings.TrimSpace(mac))
	if len(mac) < 8 {
		return nil
	}

	if hv, ok := virtualizationPrefixes[mac[:8]]; ok {
		return []Suggestion{{
			Type:       TypeVirtual,
			Confidence: 95,
			Evidence:   map[string]any{"signal": "mac", "prefix": mac[:8], "match": hv},
		}}
	}

	// Randomized (private) addresses are almost always phones and laptops.
	if first, ok := hexByte(mac[:2]); ok && first&0x02 != 0 {
		return []Suggestion{{
			Type:       TypeMobile,
			Confidence: 40,
			Evidence:   map[string]any{"signal": "mac", "match": "locally_administered"},
		}}
	}
	return nil
}

// SuggestFromVendor classifies by the OUI manufacturer string.
func SuggestFromVendor(manufacturer string) []Suggestion {
	vendor := strings.ToLower(strings.TrimSpace(manufacturer))
	if vendor == "" {
		return nil
	}
	tokens := tokenize(vendor)
	matches := func(set ...string) (string, bool) {
		for _, t := range tokens {
			for _, candidate := range set {
				if t == candidate {
					return candidate, true
				}
			}
		}
		return "", false
	}

	add := func(typ, match string, confidence int) []Suggestion {
		return []Suggestion{{
			Type:       typ,
			Confidence: confidence,
			Evidence:   map[string]any{"signal": "vendor", "vendor": manufacturer, "match": match},
		}}
	}

	if m, ok := matches("vmware", "virtualbox", "qemu", "xensource", "parallels", "hyper"); ok {
		return add(TypeVirtual, m, 90)
	}
	if m, ok := matches("brother", "epson", "lexmark", "kyocera", "xerox", "ricoh", "zebra", "konica", "canon"); ok {
		return add(TypePrinter, m, 80)
	}
	if m, ok := matches("cisco", "juniper", "ubiquiti", "mikrotik", "netgear", "tp-link", "aruba", "fortinet", "zyxel", "ruckus"); ok {
		return add(TypeNetwork, m, 75)
	}
	if m, ok := matches("hikvision", "dahua", "axis", "reolink", "amcrest"); ok {
		return add(TypeCamera, m, 80)
	}
	if m, ok := matches("synology", "qnap"); ok {
		return add(TypeNAS, m, 85)
	}
	if m, ok := matches("supermicro"); ok {
		return add(TypeServer, m, 70)
	}
	if m, ok := matches("espressif", "tuya", "shelly", "sonos", "nest", "raspberry"); ok {
		return add(TypeIoT, m, 65)
	}
	if m, ok := matches("apple", "samsung", "xiaomi", "huawei", "oneplus", "motorola"); ok {
		return add(TypeMobile, m, 35)
	}
	if m, ok := matches("dell", "lenovo", "intel", "realtek", "asustek", "micro-star", "gigabyte"); ok {
		return add(TypeWorkstation, m, 30)
	}
	return nil
}

// SuggestFromSNMP classifies by sysDescr when SNMP enrichment is enabled.
func SuggestFromSNMP(sysDescr string) []Suggestion {
	descr := strings.ToLower(strings.TrimSpace(sysDescr))
	if descr == "" {
		return nil
	}

	add := func(typ string, match string, confidence int) Suggestion {
		return Suggestion{
			Type:       typ,
			Confidence: confidence,
			Evidence: map[string]any{
				"signal":    "snmp",
				"match":     match,
				"sys_descr": truncate(sysDescr, 240),
			},
		}
	}

	var out []Suggestion
	switch {
	case strings.Contains(descr, "switch"), strings.Contains(descr, "router"), strings.Contains(descr, "routeros"),
		strings.Contains(descr, "access point"), strings.Contains(descr, "firewall"), strings.Contains(descr, "fortigate"):
		out = append(out, add(TypeNetwork, "network", 92))
	case strings.Contains(descr, "vmware esxi"), strings.Contains(descr, "proxmox"), strings.Contains(descr, "hyper-v"):
		out = append(out, add(TypeVirtual, "hypervisor", 90))
	case strings.Contains(descr, "printer"), strings.Contains(descr, "jetdirect"):
		out = append(out, add(TypePrinter, "printer", 90))
	case strings.Contains(descr, "synology"), strings.Contains(descr, "qnap"), strings.Contains(descr, "truenas"):
		out = append(out, add(TypeNAS, "nas", 88))
	case strings.Contains(descr, "windows"):
		out = append(out, add(TypeWorkstation, "windows", 60))
	case strings.Contains(descr, "linux"):
		out = append(out, add(TypeServer, "linux", 55))
	}
	return out
}

// SuggestFromOpenPorts classifies by listening services found during port probing.
func SuggestFromOpenPorts(openPorts []int) []Suggestion {
	if len(openPorts) == 0 {
		return nil
	}
	set := make(map[int]struct{}, len(openPorts))
	for _, p := range openPorts {
		set[p] = struct{}{}
	}

	has := func(p int) bool {
		_, ok := set[p]
		return ok
	}

	evidencePorts := func(ports ...int) map[string]any {
		out := make([]int, 0, len(ports))
		for _, p := range ports {
			if has(p) {
				out = append(out, p)
			}
		}
		sort.Ints(out)
		return map[string]any{"signal": "ports", "ports": out}
	}

	var out []Suggestion
	if has(9100) || has(515) || has(631) {
		out = append(out, Suggestion{Type: TypePrinter, Confidence: 85, Evidence: evidencePorts(9100, 515, 631)})
	}
	if has(554) || has(8554) {
		out = append(out, Suggestion{Type: TypeCamera, Confidence: 82, Evidence: evidencePorts(554, 8554)})
	}
	if has(53) && (has(67) || has(68)) {
		out = append(out, Suggestion{Type: TypeNetwork, Confidence: 80, Evidence: evidencePorts(53, 67, 68)})
	}
	if has(2049) || has(3260) {
		out = append(out, Suggestion{Type: TypeNAS, Confidence: 78, Evidence: evidencePorts(2049, 3260)})
	}
	if has(902) {
		out = append(out, Suggestion{Type: TypeVirtual, Confidence: 80, Evidence: evidencePorts(902)})
	}
	if has(3389) || has(135) {
		out = append(out, Suggestion{Type: TypeWorkstation, Confidence: 50, Evidence: evidencePorts(3389, 135)})
	}
	if has(22) && (has(80) || has(443) || has(3306) || has(5432)) {
		out = append(out, Suggestion{Type: TypeServer, Confidence: 55, Evidence: evidencePorts(22, 80, 443, 3306, 5432)})
	}
	return out
}

func tokenize(value string) []string {
	var out []string
	var buf strings.Builder
	flush := func() {
		if buf.Len() == 0 {
			return
		}
		out = append(out, buf.String())
		buf.Reset()
	}

	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
			buf.WriteRune(r)
		case r >= '0' && r <= '9':
			buf.WriteRune(r)
		case r == '-':
			buf.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return out
}

func hexByte(s string) (byte, bool) {
	if len(s) != 2 {
		return 0, false
	}
	var v byte
	for i := 0; i < 2; i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			v = v<<4 | (c - '0')
		case c >= 'a' && c <= 'f':
			v = v<<4 | (c - 'a' + 10)
		default:
			return 0, false
		}
	}
	return v, true
}

func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	if limit <= 0 || len(value) <= limit {
		return value
	}
	if limit <= 1 {
		return value[:1]
	}
	return value[:limit-1] + "…"
}
