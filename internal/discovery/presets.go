package discovery

import (
	"strings"
	"time"
)

const (
	ScanPresetFast   = "fast"
	ScanPresetNormal = "normal"
	ScanPresetDeep   = "deep"
)

func CanonicalizeScanPreset(value string) string {
	s := strings.ToLower(strings.TrimSpace(value))
	switch s {
	case ScanPresetFast, ScanPresetNormal, ScanPresetDeep:
		return s
	default:
		return ScanPresetNormal
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a <= 0 {
		return b
	}
	if b <= 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a <= 0 {
		return b
	}
	if b <= 0 {
		return a
	}
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a <= 0 {
		return b
	}
	if b <= 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a <= 0 {
		return b
	}
	if b <= 0 {
		return a
	}
	if a > b {
		return a
	}
	return b
}

// WithPreset returns a copy of the scanner tuned for the preset. The receiver is unchanged,
// so concurrent scans with different presets never observe each other's settings.
func (s *Scanner) WithPreset(preset string) *Scanner {
	if s == nil {
		return nil
	}
	cp := *s

	switch CanonicalizeScanPreset(preset) {
	case ScanPresetFast:
		cp.workers = maxInt(cp.workers, 512)
		cp.portTimeout = minDuration(cp.portTimeout, 250*time.Millisecond)
		cp.portWorkers = maxInt(cp.portWorkers, 64)
		cp.nameResolution = false
		cp.snmp = nil
	case ScanPresetDeep:
		cp.workers = minInt(cp.workers, 128)
		cp.portTimeout = maxDuration(cp.portTimeout, 1500*time.Millisecond)
		cp.portWorkers = minInt(cp.portWorkers, 16)
		cp.nameResolution = true
	default:
		// normal: preserve configured values
	}
	return &cp
}
