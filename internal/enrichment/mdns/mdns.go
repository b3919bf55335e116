package mdns

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	SourceReverseDNS = "reverse_dns"
	SourceMDNS       = "mdns"
)

// Candidate holds a friendly name discovered for an address.
type Candidate struct {
	Name    string
	Address string
	Source  string
}

// Resolver looks up PTR names for an address, first through the configured unicast
// resolver and then by asking the host's own mDNS responder on port 5353.
type Resolver struct {
	// Server is a host:port DNS server. Empty means the first nameserver in /etc/resolv.conf.
	Server  string
	Timeout time.Duration
	// MDNS enables the direct unicast query to <address>:5353.
	MDNS bool
}

func (r *Resolver) timeout() time.Duration {
	if r == nil || r.Timeout <= 0 {
		return 250 * time.Millisecond
	}
	return r.Timeout
}

func (r *Resolver) server() string {
	if r != nil && strings.TrimSpace(r.Server) != "" {
		return r.Server
	}
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return ""
	}
	return net.JoinHostPort(cfg.Servers[0], cfg.Port)
}

// LookupAddr returns de-duplicated candidate names for a single address.
func (r *Resolver) LookupAddr(ctx context.Context, address string) ([]Candidate, error) {
	arpa, err := dns.ReverseAddr(address)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	seen := map[string]struct{}{}
	add := func(names []string, source string) {
		for _, raw := range names {
			name := strings.TrimSpace(strings.TrimSuffix(raw, "."))
			if name == "" {
				continue
			}
			key := strings.ToLower(name)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, Candidate{Name: name, Address: address, Source: source})
		}
	}

	var errs []error
	if srv := r.server(); srv != "" {
		names, err := r.queryPTR(ctx, arpa, srv)
		if err != nil {
			errs = append(errs, err)
		}
		add(names, SourceReverseDNS)
	}
	if r != nil && r.MDNS {
		names, err := r.queryPTR(ctx, arpa, net.JoinHostPort(address, "5353"))
		if err != nil {
			errs = append(errs, err)
		}
		add(names, SourceMDNS)
	}

	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (r *Resolver) queryPTR(ctx context.Context, arpa, server string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(arpa, dns.TypePTR)
	m.RecursionDesired = true

	c := &dns.Client{Net: "udp", Timeout: r.timeout()}
	qctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	in, _, err := c.ExchangeContext(qctx, m, server)
	if err != nil {
		return nil, err
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, nil
	}

	var names []string
	for _, rr := range in.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			names = append(names, ptr.Ptr)
		}
	}
	return names, nil
}
