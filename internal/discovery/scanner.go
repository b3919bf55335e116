package discovery

import (
	"context"
	"net"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"invsync/agent-go/internal/device"
	"invsync/agent-go/internal/enrichment/mdns"
	"invsync/agent-go/internal/enrichment/snmp"
	"invsync/agent-go/internal/metrics"
	"invsync/agent-go/internal/naming"
	"invsync/agent-go/internal/tagging"
)

const defaultHostTimeout = time.Second

// Scanner sweeps address ranges for live hosts and classifies the responders.
// A Scanner holds no per-scan state and is safe for concurrent use.
type Scanner struct {
	log            zerolog.Logger
	workers        int
	maxTargets     int
	portTimeout    time.Duration
	portWorkers    int
	arpTablePath   string
	nameResolution bool
	resolver       *mdns.Resolver
	snmp           *snmp.Client
	pinger         Pinger
	neighbors      NeighborTable
	dial           dialFunc
	metrics        *metrics.Metrics
}

type Options struct {
	Workers      int
	MaxTargets   int
	PortTimeout  time.Duration
	PortWorkers  int
	ARPTablePath string

	NameResolutionEnabled bool
	DNSServer             string
	MDNSEnabled           bool
	DNSTimeout            time.Duration

	SNMPEnabled   bool
	SNMPCommunity string
	SNMPVersion   string
	SNMPPort      uint16
	SNMPTimeout   time.Duration
	SNMPRetries   int

	// Pinger, Neighbors and Dial replace the OS probes; nil means auto-detect.
	Pinger    Pinger
	Neighbors NeighborTable
	Dial      func(ctx context.Context, network, address string) (net.Conn, error)
}

func New(log zerolog.Logger, opts Options, m *metrics.Metrics) *Scanner {
	workers := opts.Workers
	if workers <= 0 {
		workers = 256
	}
	maxTargets := opts.MaxTargets
	if maxTargets <= 0 {
		maxTargets = 4096
	}
	portTimeout := opts.PortTimeout
	if portTimeout <= 0 {
		portTimeout = 500 * time.Millisecond
	}
	portWorkers := opts.PortWorkers
	if portWorkers <= 0 {
		portWorkers = 32
	}
	arpPath := opts.ARPTablePath
	if strings.TrimSpace(arpPath) == "" {
		arpPath = "/proc/net/arp"
	}

	var dial dialFunc = (&net.Dialer{}).DialContext
	if opts.Dial != nil {
		dial = opts.Dial
	}

	var snmpClient *snmp.Client
	if opts.SNMPEnabled {
		snmpClient = snmp.NewClient(snmp.Config{
			Community: opts.SNMPCommunity,
			Version:   opts.SNMPVersion,
			Port:      opts.SNMPPort,
			Timeout:   opts.SNMPTimeout,
			Retries:   opts.SNMPRetries,
		})
	}

	return &Scanner{
		log:            log,
		workers:        workers,
		maxTargets:     maxTargets,
		portTimeout:    portTimeout,
		portWorkers:    portWorkers,
		arpTablePath:   arpPath,
		nameResolution: opts.NameResolutionEnabled,
		resolver: &mdns.Resolver{
			Server:  opts.DNSServer,
			Timeout: opts.DNSTimeout,
			MDNS:    opts.MDNSEnabled,
		},
		snmp:      snmpClient,
		pinger:    opts.Pinger,
		neighbors: opts.Neighbors,
		dial:      dial,
		metrics:   m,
	}
}

// Scan probes every host address in rangeSpec and returns the hosts that answered an
// echo request and have a resolvable MAC, ordered by address.
//
// Per-host failures never fail the scan. When ctx is canceled no further hosts are
// probed; the hosts found so far are returned together with ctx.Err().
func (s *Scanner) Scan(ctx context.Context, rangeSpec string, perHostTimeout time.Duration, mode PortMode) ([]device.ScanResult, error) {
	targets, err := ExpandRange(rangeSpec, s.maxTargets)
	if err != nil {
		return nil, err
	}
	if perHostTimeout <= 0 {
		perHostTimeout = defaultHostTimeout
	}

	pinger, neighbors, err := s.probes(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ports := mode.Ports()

	workers := s.workers
	if workers > len(targets) {
		workers = len(targets)
	}

	var (
		mu         sync.Mutex
		results    []device.ScanResult
		attempted  atomic.Int32
		responded  atomic.Int32
		unresolved atomic.Int32
	)

	jobs := make(chan netip.Addr, workers*2)
	wg := sync.WaitGroup{}

	worker := func() {
		defer wg.Done()
		for ip := range jobs {
			attempted.Add(1)
			res, outcome := s.probeHost(ctx, pinger, neighbors, ip, perHostTimeout, ports)
			switch outcome {
			case hostFound:
				responded.Add(1)
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			case hostUnresolved:
				responded.Add(1)
				unresolved.Add(1)
			}
		}
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go worker()
	}

feed:
	for _, ip := range targets {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break feed
		case jobs <- ip:
		}
	}
	close(jobs)
	wg.Wait()

	sort.Slice(results, func(i, j int) bool {
		a, _ := netip.ParseAddr(results[i].IPAddress)
		b, _ := netip.ParseAddr(results[j].IPAddress)
		return a.Less(b)
	})

	s.metrics.ObserveScan(time.Since(start), len(results))

	ev := s.log.Info()
	if ctx.Err() != nil {
		ev = s.log.Warn().Err(ctx.Err())
	}
	ev.Str("range", rangeSpec).
		Str("port_mode", string(mode)).
		Int("targets", len(targets)).
		Int32("attempted", attempted.Load()).
		Int32("responded", responded.Load()).
		Int32("unresolved", unresolved.Load()).
		Int("found", len(results)).
		Dur("elapsed", time.Since(start)).
		Msg("range scan finished")

	return results, ctx.Err()
}

// ScanAll scans each range in turn and merges the results, keeping the first host seen
// for every MAC. An empty list scans the host's local IPv4 networks.
func (s *Scanner) ScanAll(ctx context.Context, ranges []string, perHostTimeout time.Duration, mode PortMode) ([]device.ScanResult, error) {
	if len(ranges) == 0 {
		local, err := LocalRanges(ctx)
		if err != nil {
			return nil, err
		}
		ranges = local
	}

	// Reject the whole call before any probing if one range is malformed.
	for _, r := range ranges {
		if _, err := ParseRange(r); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]struct{})
	var out []device.ScanResult
	for _, r := range ranges {
		results, err := s.Scan(ctx, r, perHostTimeout, mode)
		for _, res := range results {
			if _, ok := seen[res.MACAddress]; ok {
				continue
			}
			seen[res.MACAddress] = struct{}{}
			out = append(out, res)
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

type hostOutcome int

const (
	hostUnreachable hostOutcome = iota
	hostUnresolved
	hostFound
)

func (s *Scanner) probeHost(ctx context.Context, pinger Pinger, neighbors NeighborTable, ip netip.Addr, timeout time.Duration, ports []int) (device.ScanResult, hostOutcome) {
	rtt, err := pinger.Ping(ctx, ip, timeout)
	if err != nil {
		s.log.Trace().Err(err).Str("ip", ip.String()).Msg("host unreachable")
		return device.ScanResult{}, hostUnreachable
	}

	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	mac, err := neighbors.Lookup(lookupCtx, ip)
	cancel()
	if err != nil || mac == "" {
		s.log.Debug().Err(err).Str("ip", ip.String()).Msg("host answered but mac could not be resolved; dropped")
		return device.ScanResult{}, hostUnresolved
	}

	vendor := LookupVendor(mac)
	open := probePorts(ctx, s.dial, ip, ports, s.portTimeout, s.portWorkers)
	hostname, sysDescr := s.enrich(ctx, ip)

	return device.ScanResult{
		IPAddress:    ip.String(),
		MACAddress:   mac,
		Manufacturer: vendor,
		DeviceType: tagging.Classify(
			tagging.SuggestFromMAC(mac),
			tagging.SuggestFromVendor(vendor),
			tagging.SuggestFromOpenPorts(open),
			tagging.SuggestFromSNMP(sysDescr),
		),
		Hostname:       hostname,
		ResponseTimeMs: rtt.Milliseconds(),
		OpenPorts:      open,
	}, hostFound
}

// enrich gathers optional host names and the SNMP sysDescr for a responder.
func (s *Scanner) enrich(ctx context.Context, ip netip.Addr) (hostname string, sysDescr string) {
	var candidates []naming.Candidate

	if s.nameResolution && s.resolver != nil {
		found, err := s.resolver.LookupAddr(ctx, ip.String())
		if err != nil {
			s.log.Debug().Err(err).Str("ip", ip.String()).Msg("name lookup failed")
		}
		for _, c := range found {
			candidates = append(candidates, naming.Candidate{Name: c.Name, Source: c.Source})
		}
	}

	if s.snmp != nil {
		sys, err := s.snmp.GetSystem(ctx, snmp.Target{Address: ip.String()})
		if err != nil {
			s.log.Trace().Err(err).Str("ip", ip.String()).Msg("snmp system query failed")
		} else {
			if sys.SysName != nil {
				candidates = append(candidates, naming.Candidate{Name: *sys.SysName, Source: "snmp"})
			}
			if sys.SysDescr != nil {
				sysDescr = *sys.SysDescr
			}
		}
	}

	hostname, _ = naming.ChooseBestDisplayName(candidates)
	return hostname, sysDescr
}

// probes returns the configured probes or detects the OS ones. Failing to find either
// is the only OS-level failure that aborts a scan.
func (s *Scanner) probes(ctx context.Context) (Pinger, NeighborTable, error) {
	pinger := s.pinger
	if pinger == nil {
		p, err := detectPinger()
		if err != nil {
			return nil, nil, err
		}
		pinger = p
	}

	if s.neighbors != nil {
		return pinger, s.neighbors, nil
	}

	local := map[netip.Addr]string{}
	ifaces, err := localInterfaces(ctx)
	if err != nil {
		s.log.Debug().Err(err).Msg("local interfaces unavailable; own address will not resolve")
	}
	for _, li := range ifaces {
		if mac := normalizeMAC(li.MAC); mac != "" {
			local[li.Prefix.Addr()] = mac
		}
	}

	table := newProcARPTable(s.arpTablePath, local)
	if err := table.available(); err != nil {
		return nil, nil, err
	}
	return pinger, table, nil
}
