package discovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// PortMode selects which TCP ports are probed on a responding host.
type PortMode string

const (
	PortModeNone   PortMode = "none"
	PortModeCommon PortMode = "common"
	PortModeAll    PortMode = "all"
)

// commonPorts are well-known service ports useful for classification.
var commonPorts = []int{
	21, 22, 23, 25, 53, 67, 80, 110, 135, 139, 143, 443, 445, 515, 554, 631,
	902, 993, 995, 1433, 2049, 3260, 3306, 3389, 5432, 5900, 8080, 8443, 8554, 9100,
}

func ParsePortMode(s string) (PortMode, error) {
	switch PortMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", PortModeNone:
		return PortModeNone, nil
	case PortModeCommon:
		return PortModeCommon, nil
	case PortModeAll:
		return PortModeAll, nil
	default:
		return PortModeNone, fmt.Errorf("unknown port mode %q (want none, common or all)", s)
	}
}

// Ports returns the fixed port list for the mode.
func (m PortMode) Ports() []int {
	switch m {
	case PortModeCommon:
		out := make([]int, len(commonPorts))
		copy(out, commonPorts)
		return out
	case PortModeAll:
		out := make([]int, 0, 1024)
		for p := 1; p <= 1024; p++ {
			out = append(out, p)
		}
		return out
	default:
		return nil
	}
}

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// probePorts connects to every port concurrently (bounded by workers), each with its own
// timeout, and returns the open ones in ascending order. A canceled ctx stops new dials.
func probePorts(ctx context.Context, dial dialFunc, ip netip.Addr, ports []int, timeout time.Duration, workers int) []int {
	if len(ports) == 0 {
		return nil
	}
	if workers <= 0 {
		workers = 32
	}

	var mu sync.Mutex
	var open []int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, port := range ports {
		if port <= 0 || port > 65535 {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			conn, err := dial(probeCtx, "tcp", net.JoinHostPort(ip.String(), strconv.Itoa(port)))
			if err != nil {
				return nil
			}
			_ = conn.Close()

			mu.Lock()
			open = append(open, port)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Ints(open)
	return open
}
