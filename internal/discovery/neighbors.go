package discovery

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNoNeighborEntry          = errors.New("no complete neighbor entry")
	ErrNeighborTableUnavailable = errors.New("neighbor table unavailable")
)

// NeighborTable resolves an IP address to the hardware address the OS learned for it.
type NeighborTable interface {
	Lookup(ctx context.Context, ip netip.Addr) (string, error)
}

type arpEntry struct {
	IP  netip.Addr
	MAC string
}

// procARPTable reads the Linux neighbor cache from /proc/net/arp (or a configured copy).
type procARPTable struct {
	path string
	// retryDelay covers the gap between an echo reply and the kernel marking the entry complete.
	retryDelay time.Duration
	// local maps the host's own addresses to their interface MACs; the host never has
	// an ARP entry for itself.
	local map[netip.Addr]string
}

func newProcARPTable(path string, local map[netip.Addr]string) *procARPTable {
	if strings.TrimSpace(path) == "" {
		path = "/proc/net/arp"
	}
	return &procARPTable{path: path, retryDelay: 50 * time.Millisecond, local: local}
}

func (t *procARPTable) available() error {
	if _, err := os.Stat(t.path); err != nil {
		return errors.Join(ErrNeighborTableUnavailable, err)
	}
	return nil
}

func (t *procARPTable) Lookup(ctx context.Context, ip netip.Addr) (string, error) {
	if mac, ok := t.local[ip]; ok && mac != "" {
		return mac, nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(t.retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
		}

		content, err := os.ReadFile(t.path)
		if err != nil {
			return "", errors.Join(ErrNeighborTableUnavailable, err)
		}
		entries, err := parseProcNetARP(string(content))
		if err != nil {
			return "", err
		}
		for _, e := range entries {
			if e.IP == ip {
				return e.MAC, nil
			}
		}
	}
	return "", ErrNoNeighborEntry
}

func parseProcNetARP(content string) ([]arpEntry, error) {
	s := bufio.NewScanner(strings.NewReader(content))

	// Header line: "IP address       HW type     Flags       HW address            Mask     Device"
	if !s.Scan() {
		return nil, nil
	}

	var out []arpEntry
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}

		flags, err := strconv.ParseInt(fields[2], 0, 64)
		if err != nil || flags&0x2 == 0 {
			continue
		}

		mac := normalizeMAC(fields[3])
		if mac == "" {
			continue
		}

		ip, err := netip.ParseAddr(fields[0])
		if err != nil {
			continue
		}
		out = append(out, arpEntry{IP: ip, MAC: mac})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// normalizeMAC returns the lower-case colon form, or "" for unparseable or all-zero input.
func normalizeMAC(raw string) string {
	hw, err := net.ParseMAC(strings.TrimSpace(raw))
	if err != nil || len(hw) != 6 {
		return ""
	}
	m := strings.ToLower(hw.String())
	if m == "00:00:00:00:00:00" {
		return ""
	}
	return m
}
