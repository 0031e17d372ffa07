package udpprobe

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sort"
	"sync"
	"time"
)

// DefaultAddr is the packet-forwarder port ChirpStack's gateway bridge listens on.
const DefaultAddr = ":1700"

// GatewayStats aggregates the traffic of one gateway.
type GatewayStats struct {
	EUI      string         `json:"gateway_eui"`
	Counts   map[string]int `json:"counts"`
	Remotes  []string       `json:"remotes"`
	LastSeen time.Time      `json:"last_seen"`
}

// Report summarises a probe run.
type Report struct {
	Listen    string         `json:"listen"`
	Duration  time.Duration  `json:"duration"`
	Total     int            `json:"total"`
	Malformed int            `json:"malformed"`
	Acked     int            `json:"acked"`
	Gateways  []GatewayStats `json:"gateways"`
}

// Probe is a bound UDP listener.
type Probe struct {
	conn net.PacketConn
	ack  bool
	log  *slog.Logger

	mu        sync.Mutex
	total     int
	malformed int
	acked     int
	gateways  map[string]*GatewayStats
	remotes   map[string]map[string]struct{}
}

// Listen binds addr. With ack set, PUSH_DATA and PULL_DATA are acknowledged
// the way a network server would; leave it off when the gateway bridge is running.
func Listen(addr string, ack bool, log *slog.Logger) (*Probe, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Probe{
		conn:     conn,
		ack:      ack,
		log:      log.With("component", "udpprobe"),
		gateways: make(map[string]*GatewayStats),
		remotes:  make(map[string]map[string]struct{}),
	}, nil
}

func (p *Probe) LocalAddr() net.Addr { return p.conn.LocalAddr() }

// Serve reads datagrams for d or until ctx is done, then closes the
// listener and returns the report.
func (p *Probe) Serve(ctx context.Context, d time.Duration) (*Report, error) {
	defer p.conn.Close()

	start := time.Now()
	deadline := start.Add(d)
	buf := make([]byte, 65535)
	for {
		if ctx.Err() != nil || !time.Now().Before(deadline) {
			break
		}
		next := time.Now().Add(200 * time.Millisecond)
		if next.After(deadline) {
			next = deadline
		}
		if err := p.conn.SetReadDeadline(next); err != nil {
			return nil, err
		}

		n, addr, err := p.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return nil, err
		}
		p.observe(buf[:n], addr)
	}

	return p.report(time.Since(start)), nil
}

func (p *Probe) observe(b []byte, addr net.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total++

	pkt, err := Decode(b)
	if err != nil {
		p.malformed++
		p.log.Debug("malformed datagram", "remote", addr.String(), "error", err)
		return
	}

	if pkt.Type.HasGateway() {
		eui := pkt.GatewayEUI.String()
		gs, ok := p.gateways[eui]
		if !ok {
			gs = &GatewayStats{EUI: eui, Counts: make(map[string]int)}
			p.gateways[eui] = gs
			p.remotes[eui] = make(map[string]struct{})
			p.log.Info("gateway seen", "event", "gateway_seen", "gateway_eui", eui, "remote", addr.String())
		}
		gs.Counts[pkt.Type.String()]++
		gs.LastSeen = time.Now()
		p.remotes[eui][addr.String()] = struct{}{}
	}

	if !p.ack {
		return
	}
	if ack := Ack(pkt); ack != nil {
		if _, err := p.conn.WriteTo(ack, addr); err != nil {
			p.log.Warn("ack failed", "remote", addr.String(), "error", err)
			return
		}
		p.acked++
	}
}

func (p *Probe) report(d time.Duration) *Report {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := &Report{
		Listen:    p.conn.LocalAddr().String(),
		Duration:  d,
		Total:     p.total,
		Malformed: p.malformed,
		Acked:     p.acked,
		Gateways:  make([]GatewayStats, 0, len(p.gateways)),
	}
	for eui, gs := range p.gateways {
		g := *gs
		for remote := range p.remotes[eui] {
			g.Remotes = append(g.Remotes, remote)
		}
		sort.Strings(g.Remotes)
		r.Gateways = append(r.Gateways, g)
	}
	sort.Slice(r.Gateways, func(i, j int) bool { return r.Gateways[i].EUI < r.Gateways[j].EUI })
	return r
}
