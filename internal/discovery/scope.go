package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"

	psnet "github.com/shirou/gopsutil/v3/net"
)

var (
	ErrInvalidRange  = errors.New("invalid scan range")
	ErrRangeTooLarge = errors.New("scan range too large")
	ErrNoLocalRanges = errors.New("no local ipv4 ranges found")
)

// ParseRange accepts a CIDR prefix or a single IP and returns it as a masked prefix.
func ParseRange(spec string) (netip.Prefix, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return netip.Prefix{}, fmt.Errorf("%w: empty", ErrInvalidRange)
	}
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Masked(), nil
	}
	if a, err := netip.ParseAddr(s); err == nil {
		a = a.Unmap()
		return netip.PrefixFrom(a, a.BitLen()), nil
	}
	return netip.Prefix{}, fmt.Errorf("%w: must be a CIDR prefix or a single IP (got %q)", ErrInvalidRange, s)
}

// ExpandRange lists the host addresses of spec. For IPv4 prefixes shorter than /31 the
// network and broadcast addresses are excluded; a single address expands to itself.
func ExpandRange(spec string, maxTargets int) ([]netip.Addr, error) {
	p, err := ParseRange(spec)
	if err != nil {
		return nil, err
	}
	return expandPrefix(p, maxTargets)
}

func expandPrefix(p netip.Prefix, maxTargets int) ([]netip.Addr, error) {
	p = p.Masked()

	if p.Addr().Is6() {
		// Walking an IPv6 prefix is never useful for an ICMP/ARP sweep.
		if p.Bits() < 128 {
			return nil, fmt.Errorf("%w: ipv6 ranges must be a single address", ErrInvalidRange)
		}
		return []netip.Addr{p.Addr()}, nil
	}

	hostBits := 32 - p.Bits()
	if hostBits >= 31 {
		return nil, fmt.Errorf("%w: /%d", ErrRangeTooLarge, p.Bits())
	}
	count := 1 << hostBits
	if hostBits >= 2 {
		count -= 2
	}
	if maxTargets > 0 && count > maxTargets {
		return nil, fmt.Errorf("%w: %d targets, max is %d", ErrRangeTooLarge, count, maxTargets)
	}

	out := make([]netip.Addr, 0, count)
	first := p.Addr()
	ip := first
	for p.Contains(ip) {
		next := ip.Next()
		skip := hostBits >= 2 && (ip == first || !p.Contains(next))
		if !skip {
			out = append(out, ip)
		}
		if !next.IsValid() {
			break
		}
		ip = next
	}
	return out, nil
}

type localInterface struct {
	Name   string
	MAC    string
	Prefix netip.Prefix
}

func localInterfaces(ctx context.Context) ([]localInterface, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	var out []localInterface
	for _, iface := range ifaces {
		if hasFlag(iface.Flags, "loopback") || !hasFlag(iface.Flags, "up") {
			continue
		}
		for _, a := range iface.Addrs {
			p, err := netip.ParsePrefix(a.Addr)
			if err != nil || !p.Addr().Is4() {
				continue
			}
			out = append(out, localInterface{
				Name:   iface.Name,
				MAC:    strings.ToLower(iface.HardwareAddr),
				Prefix: p,
			})
		}
	}
	return out, nil
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

// LocalRanges returns the IPv4 networks of the host's active non-loopback interfaces.
// Prefixes wider than /22 are narrowed to the /24 around the interface address.
func LocalRanges(ctx context.Context) ([]string, error) {
	ifaces, err := localInterfaces(ctx)
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	var out []string
	for _, li := range ifaces {
		p := li.Prefix
		if p.Addr().IsLinkLocalUnicast() {
			continue
		}
		if p.Bits() < 22 {
			p = netip.PrefixFrom(p.Addr(), 24)
		}
		s := p.Masked().String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, ErrNoLocalRanges
	}
	sort.Strings(out)
	return out, nil
}
