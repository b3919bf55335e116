package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

var ErrProbeUnavailable = errors.New("no icmp socket or ping binary available")

// Pinger sends a single echo request and reports the round-trip time.
type Pinger interface {
	Ping(ctx context.Context, ip netip.Addr, timeout time.Duration) (time.Duration, error)
}

const protocolICMP = 1

// icmpPinger uses an unprivileged datagram ICMP socket when the kernel allows it
// (net.ipv4.ping_group_range) and falls back to a raw socket.
type icmpPinger struct {
	network string
	id      int
	seq     atomic.Uint32
}

func newICMPPinger() (*icmpPinger, error) {
	var lastErr error
	for _, network := range []string{"udp4", "ip4:icmp"} {
		c, err := icmp.ListenPacket(network, "0.0.0.0")
		if err != nil {
			lastErr = err
			continue
		}
		_ = c.Close()
		return &icmpPinger{network: network, id: os.Getpid() & 0xffff}, nil
	}
	return nil, lastErr
}

func (p *icmpPinger) Ping(ctx context.Context, ip netip.Addr, timeout time.Duration) (time.Duration, error) {
	if !ip.Is4() {
		return 0, fmt.Errorf("icmp ping: %s is not ipv4", ip)
	}

	conn, err := icmp.ListenPacket(p.network, "0.0.0.0")
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, err
	}

	seq := int(p.seq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: p.id, Seq: seq, Data: []byte("agent-go")},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}

	var dst net.Addr = &net.IPAddr{IP: ip.AsSlice()}
	if p.network == "udp4" {
		dst = &net.UDPAddr{IP: ip.AsSlice()}
	}

	start := time.Now()
	if _, err := conn.WriteTo(wire, dst); err != nil {
		return 0, err
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, err
		}
		if peerAddr(peer) != ip {
			continue
		}
		reply, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq {
			continue
		}
		// Datagram sockets get their ID rewritten by the kernel.
		if p.network != "udp4" && echo.ID != p.id {
			continue
		}
		return time.Since(start), nil
	}
}

func peerAddr(a net.Addr) netip.Addr {
	var ip net.IP
	switch v := a.(type) {
	case *net.UDPAddr:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	default:
		return netip.Addr{}
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}

// execPinger shells out to the system ping binary, one process per probe.
type execPinger struct {
	path string
}

func newExecPinger() (*execPinger, error) {
	path, err := exec.LookPath("ping")
	if err != nil {
		return nil, err
	}
	return &execPinger{path: path}, nil
}

func (p *execPinger) Ping(ctx context.Context, ip netip.Addr, timeout time.Duration) (time.Duration, error) {
	waitSecs := int(timeout.Round(time.Second) / time.Second)
	if waitSecs < 1 {
		waitSecs = 1
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(pingCtx, p.path, "-c", "1", "-W", strconv.Itoa(waitSecs), ip.String())
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// detectPinger picks the best probe the host supports.
func detectPinger() (Pinger, error) {
	if p, err := newICMPPinger(); err == nil {
		return p, nil
	}
	if p, err := newExecPinger(); err == nil {
		return p, nil
	}
	return nil, ErrProbeUnavailable
}
