// Package orchestrator wires the buffer pool, worker pool, connection pool,
// session registry, gateway, and TUN I/O engine together behind the process
// lifecycle API from spec.md §6 (init/run/stop/stats/fini). Grounded on the
// teacher's cmd/outline-cli-ws/main.go wiring style and on
// hev-socks5-tunnel.c's top-level orchestration of the same collaborators.
package orchestrator

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/songgao/water"
	"go.uber.org/zap"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"tun2socks5/internal/bufpool"
	"tun2socks5/internal/config"
	"tun2socks5/internal/connpool"
	"tun2socks5/internal/gateway"
	"tun2socks5/internal/mappeddns"
	"tun2socks5/internal/metrics"
	"tun2socks5/internal/session"
	"tun2socks5/internal/socks5client"
	"tun2socks5/internal/tunio"
	"tun2socks5/internal/workerpool"
)

// pool is the subset of workerpool.Pool/workerpool.AdaptivePool the
// orchestrator needs; both satisfy it, and which one is in play is a config
// choice (spec.md §4.3 vs §4.4), not something call sites should care about.
type pool interface {
	Submit(task workerpool.Task, ctx context.Context) error
	WaitAll()
	Shutdown()
}

// Stats mirrors the orchestrator's stats() external interface (spec.md §6).
type Stats struct {
	TXPackets uint64
	TXBytes   uint64
	RXPackets uint64
	RXBytes   uint64
}

// Orchestrator is the tunnel's top-level object: one instance per process.
type Orchestrator struct {
	cfg *config.Config
	log *zap.Logger

	running atomic.Bool
	stopCh  chan struct{}
	stopOnce sync.Once

	iface tunio.Device
	gw    *gateway.Stack
	io    *tunio.Engine
	pool  pool
	buf   *bufpool.Pool
	conns *connpool.Pool
	sess  *session.Registry
	dns   *mappeddns.Service

	lastMetrics metricsSnapshot
}

// metricsSnapshot holds the previous cumulative totals CollectMetrics last
// saw, so repeated calls add deltas to Prometheus counters instead of
// re-adding the whole lifetime total each tick.
type metricsSnapshot struct {
	connHits, connMisses, connEvictions     uint64
	tunRXPackets, tunRXBytes                uint64
	tunTXPackets, tunTXBytes                uint64
}

// New constructs an unconfigured orchestrator. Call Init before Run.
func New(cfg *config.Config, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, log: log, stopCh: make(chan struct{})}
}

// Init brings up every collaborator: the TUN device (or wraps externTunFD if
// >= 0), the buffer/worker/connection pools, the session registry, the
// optional mapped-DNS service, the gateway, and the TUN I/O engine. If a
// later step fails, the TUN device opened by this call is closed before
// returning the error; a caller whose Init fails should not call Run or
// Fini.
func (o *Orchestrator) Init(externTunFD int) (err error) {
	var mtu int
	o.iface, mtu, err = o.openTUN(externTunFD)
	if err != nil {
		return fmt.Errorf("orchestrator: open tun: %w", err)
	}
	defer func() {
		if err != nil {
			o.iface.Close()
		}
	}()

	if o.cfg.PostUpScript != "" {
		if rerr := runScript(o.cfg.PostUpScript); rerr != nil {
			err = fmt.Errorf("orchestrator: post_up_script: %w", rerr)
			return err
		}
	}

	bufPool, perr := bufpool.New(bufpool.MaxBuffers)
	if perr != nil {
		err = fmt.Errorf("orchestrator: buffer pool: %w", perr)
		return err
	}
	o.buf = bufPool

	if o.cfg.AdaptivePool {
		o.pool = workerpool.NewAdaptive(workerpool.AdaptiveConfig{MinThreads: o.cfg.NumWorkers}, o.log)
	} else {
		o.pool = workerpool.New(o.cfg.NumWorkers, o.log)
	}

	o.conns = connpool.New(o.cfg.FirewallMark)
	o.sess = session.NewRegistry(o.cfg.MaxSessionCount, o.log)

	if o.cfg.MappedDNS != nil {
		anycast, perr := netip.ParseAddr(o.cfg.MappedDNS.AnycastAddress)
		if perr != nil {
			err = fmt.Errorf("orchestrator: mapped-dns anycast address: %w", perr)
			return err
		}
		network, perr := netip.ParsePrefix(o.cfg.MappedDNS.Network)
		if perr != nil {
			err = fmt.Errorf("orchestrator: mapped-dns network: %w", perr)
			return err
		}
		o.dns = mappeddns.New(mappeddns.Config{
			AnycastAddress: anycast,
			AnycastPort:    o.cfg.MappedDNS.AnycastPort,
			Network:        network,
			CacheSize:      o.cfg.MappedDNS.CacheSize,
		})
	}

	gwCfg := gateway.Config{MTU: uint32(mtu)}
	if o.cfg.TunnelIPv4Addr != "" {
		gwCfg.IPv4Address, err = parseTunnelAddress(o.cfg.TunnelIPv4Addr)
		if err != nil {
			return fmt.Errorf("orchestrator: tunnel_ipv4_address: %w", err)
		}
	}
	if o.cfg.TunnelIPv6Addr != "" {
		gwCfg.IPv6Address, err = parseTunnelAddress(o.cfg.TunnelIPv6Addr)
		if err != nil {
			return fmt.Errorf("orchestrator: tunnel_ipv6_address: %w", err)
		}
	}

	o.gw, err = gateway.New(gwCfg, o.log)
	if err != nil {
		return fmt.Errorf("orchestrator: gateway: %w", err)
	}
	o.gw.SetTCPAcceptHandler(o.handleTCPAccept)
	o.gw.SetUDPReceiveHandler(o.handleUDPReceive)
	o.gw.RegisterTick(func() { o.conns.Cleanup() })

	o.io = tunio.New(o.iface, mtu, bufPool, o.gw.Input, 0, 0, o.log)

	o.log.Info("orchestrator: initialized", zap.String("tunnel", o.cfg.TunnelName))
	return nil
}

func (o *Orchestrator) openTUN(externTunFD int) (tunio.Device, int, error) {
	if externTunFD >= 0 {
		f := os.NewFile(uintptr(externTunFD), "tun")
		if f == nil {
			return nil, 0, fmt.Errorf("invalid external tun fd %d", externTunFD)
		}
		mtu := o.cfg.TunnelMTU
		if mtu <= 0 {
			mtu = 1500
		}
		return f, mtu, nil
	}

	ifce, err := water.New(water.Config{DeviceType: water.TUN})
	if err != nil {
		return nil, 0, fmt.Errorf("create tun %q: %w", o.cfg.TunnelName, err)
	}

	mtu := o.cfg.TunnelMTU
	if ifi, ierr := net.InterfaceByName(ifce.Name()); ierr == nil && ifi.MTU > 0 {
		mtu = ifi.MTU
	}
	if mtu <= 0 {
		mtu = 1500
	}
	return ifce, mtu, nil
}

func parseTunnelAddress(s string) (tcpip.Address, error) {
	if prefix, err := netip.ParsePrefix(s); err == nil {
		return tcpip.AddrFromSlice(prefix.Addr().AsSlice()), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return tcpip.Address{}, err
	}
	return tcpip.AddrFromSlice(addr.AsSlice()), nil
}

func runScript(path string) error {
	cmd := exec.Command("sh", "-c", path)
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	return cmd.Run()
}

// Run starts the TUN I/O engine, the stack-to-tun outbound pump, and runs
// the timer loop (spec.md §4.8) on the calling goroutine until Stop is
// called. It returns nil on a clean shutdown, or an error if the I/O engine
// failed to start.
func (o *Orchestrator) Run() error {
	if err := o.io.Start(); err != nil {
		return fmt.Errorf("orchestrator: start io engine: %w", err)
	}
	o.running.Store(true)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		o.pumpOutbound()
	}()

	ticker := time.NewTicker(gateway.TCPTmrInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			o.io.Stop()
			<-pumpDone
			o.running.Store(false)
			return nil
		case <-ticker.C:
			o.gw.Tick()
		}
	}
}

// pumpOutbound drains packets the stack produced for transmission and hands
// them to the TUN I/O engine's write queue, polling on an empty queue
// exactly as the teacher's stackToTun does for gvisor's channel.Endpoint
// (internal/tun_native_linux.go), since channel.Endpoint.Read is
// non-blocking.
func (o *Orchestrator) pumpOutbound() {
	for {
		select {
		case <-o.stopCh:
			return
		default:
		}

		pkt := o.gw.ReadOutbound()
		if pkt == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		if err := o.io.Write(pkt); err != nil {
			o.log.Debug("orchestrator: outbound write dropped", zap.Error(err))
		}
	}
}

// Stop signals shutdown. It is safe to call from any goroutine, any number
// of times.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
}

// Stats returns the I/O engine's lifetime counters, or all zeros if the
// engine is not running (spec.md §6).
func (o *Orchestrator) Stats() Stats {
	if !o.running.Load() {
		return Stats{}
	}
	s := o.io.Stats()
	return Stats{TXPackets: s.TXPackets, TXBytes: s.TXBytes, RXPackets: s.RXPackets, RXBytes: s.RXBytes}
}

// CollectMetrics snapshots every collaborator's stats into c. It is safe to
// call on an uninitialized or torn-down orchestrator; untouched collectors
// simply keep their last value.
func (o *Orchestrator) CollectMetrics(c *metrics.Collectors) {
	if o.buf != nil {
		allocated, peak := o.buf.Stats()
		c.BufferAllocated.Set(float64(allocated))
		c.BufferPeak.Set(float64(peak))
		c.BufferCapacity.Set(float64(o.buf.Cap()))
	}

	switch p := o.pool.(type) {
	case *workerpool.Pool:
		depth, active := p.Stats()
		c.WorkerQueueDepth.Set(float64(depth))
		c.WorkerActive.Set(float64(active))
	case *workerpool.AdaptivePool:
		_, active, _, depth := p.Stats()
		c.WorkerQueueDepth.Set(float64(depth))
		c.WorkerActive.Set(float64(active))
	}

	if o.conns != nil {
		_, hits, misses, evictions, _ := o.conns.Stats()
		c.ConnPoolHits.Add(float64(hits - o.lastMetrics.connHits))
		c.ConnPoolMisses.Add(float64(misses - o.lastMetrics.connMisses))
		c.ConnPoolEvictions.Add(float64(evictions - o.lastMetrics.connEvictions))
		o.lastMetrics.connHits, o.lastMetrics.connMisses, o.lastMetrics.connEvictions = hits, misses, evictions
	}

	if o.sess != nil {
		c.SessionCount.Set(float64(o.sess.Size()))
	}

	if o.io != nil {
		s := o.io.Stats()
		c.TUNRXPackets.Add(float64(s.RXPackets - o.lastMetrics.tunRXPackets))
		c.TUNRXBytes.Add(float64(s.RXBytes - o.lastMetrics.tunRXBytes))
		c.TUNTXPackets.Add(float64(s.TXPackets - o.lastMetrics.tunTXPackets))
		c.TUNTXBytes.Add(float64(s.TXBytes - o.lastMetrics.tunTXBytes))
		o.lastMetrics.tunRXPackets, o.lastMetrics.tunRXBytes = s.RXPackets, s.RXBytes
		o.lastMetrics.tunTXPackets, o.lastMetrics.tunTXBytes = s.TXPackets, s.TXBytes
	}
}

// Fini stops the orchestrator, runs the pre-down script, then closes the
// gateway, shuts down the worker pool (draining queued sessions), clears the
// session registry, closes every pooled connection, and closes the TUN device
// last.
func (o *Orchestrator) Fini() error {
	o.Stop()

	if o.cfg.PreDownScript != "" {
		if err := runScript(o.cfg.PreDownScript); err != nil {
			o.log.Warn("orchestrator: pre_down_script failed", zap.Error(err))
		}
	}

	if o.gw != nil {
		o.gw.Close()
	}
	if o.pool != nil {
		o.pool.Shutdown()
	}
	if o.sess != nil {
		o.sess.Shutdown()
	}
	if o.conns != nil {
		o.conns.CloseAll()
	}
	if o.iface != nil {
		o.iface.Close()
	}

	o.log.Info("orchestrator: finalized")
	return nil
}

// handleTCPAccept is the TCP accept callback of spec.md §4.9: constructs a
// session under the stack lock, registers it, and submits its body to the
// worker pool.
func (o *Orchestrator) handleTCPAccept(r *tcp.ForwarderRequest) {
	if !o.running.Load() {
		r.Complete(true) // reset
		return
	}

	var wq waiter.Queue
	ep, err := o.gw.CreateEndpoint(r, &wq)
	if err != nil {
		r.Complete(true)
		return
	}
	r.Complete(false)

	sess := session.New(session.KindTCP)
	term := &tcpTerminator{ep: ep}
	o.sess.Insert(sess, term)

	id := r.ID()
	dst := net.JoinHostPort(net.IP(id.LocalAddress.AsSlice()).String(), strconv.Itoa(int(id.LocalPort)))

	submitErr := o.pool.Submit(func(ctx context.Context) {
		defer o.sess.Remove(sess)
		o.runTCPSession(ctx, &wq, ep, dst)
	}, context.Background())

	if submitErr != nil {
		o.sess.Remove(sess)
		ep.Close()
	}
}

type tcpTerminator struct{ ep tcpip.Endpoint }

func (t *tcpTerminator) Terminate() { t.ep.Close() }

func (o *Orchestrator) runTCPSession(_ context.Context, wq *waiter.Queue, ep tcpip.Endpoint, dst string) {
	defer ep.Close()

	local := gateway.NewTCPConn(wq, ep)
	defer local.Close()

	host, portStr, err := net.SplitHostPort(dst)
	if err != nil {
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return
	}

	if svc := o.dns; svc != nil {
		if addr, perr := netip.ParseAddr(host); perr == nil {
			if name, ok := svc.Resolve(addr); ok {
				host = name
			}
		}
	}
	target := net.JoinHostPort(host, portStr)

	fd, err := o.conns.Get(o.cfg.UpstreamServer, o.cfg.UpstreamPort)
	if err != nil {
		o.log.Debug("orchestrator: dial upstream failed", zap.String("dst", dst), zap.Error(err))
		return
	}

	upstream := os.NewFile(uintptr(fd), "upstream")
	netConn, err := net.FileConn(upstream)
	upstream.Close()
	if err != nil {
		o.conns.Remove(fd)
		return
	}
	defer func() {
		o.conns.Release(fd, o.cfg.UpstreamServer, o.cfg.UpstreamPort)
	}()

	if err := socks5client.Handshake(netConn, target); err != nil {
		o.log.Debug("orchestrator: socks5 handshake failed", zap.String("dst", dst), zap.Error(err))
		o.conns.Remove(fd)
		netConn.Close()
		return
	}

	if err := socks5client.Relay(local, netConn); err != nil {
		o.log.Debug("orchestrator: relay ended", zap.String("dst", dst), zap.Error(err))
	}
}

// handleUDPReceive is the UDP receive callback of spec.md §4.9. Queries
// destined to the mapped-DNS anycast address/port are answered locally;
// everything else becomes a proxied UDP session.
func (o *Orchestrator) handleUDPReceive(r *udp.ForwarderRequest) {
	if !o.running.Load() {
		return
	}

	id := r.ID()

	if svc := o.dns; svc != nil {
		dstAddr, ok := netip.AddrFromSlice(id.LocalAddress.AsSlice())
		if ok && dstAddr == svc.AnycastAddress() && id.LocalPort == svc.AnycastPort() {
			o.serveMappedDNS(r, svc)
			return
		}
	}

	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		return
	}

	sess := session.New(session.KindUDP)
	term := &udpTerminator{ep: ep}
	o.sess.Insert(sess, term)

	dst := net.JoinHostPort(net.IP(id.LocalAddress.AsSlice()).String(), strconv.Itoa(int(id.LocalPort)))

	submitErr := o.pool.Submit(func(ctx context.Context) {
		defer o.sess.Remove(sess)
		o.runUDPSession(ctx, &wq, ep, dst)
	}, context.Background())

	if submitErr != nil {
		o.sess.Remove(sess)
		ep.Close()
	}
}

type udpTerminator struct{ ep tcpip.Endpoint }

func (t *udpTerminator) Terminate() { t.ep.Close() }

// runUDPSession opens one SOCKS5 UDP ASSOCIATE per intercepted UDP flow
// (spec.md overview): a control TCP connection negotiates the relay address,
// then datagrams are framed per RFC 1928 §7 and exchanged with that relay
// over its own UDP socket for as long as the flow stays alive.
func (o *Orchestrator) runUDPSession(_ context.Context, wq *waiter.Queue, ep tcpip.Endpoint, dst string) {
	defer ep.Close()

	local := gateway.NewUDPConn(wq, ep)
	defer local.Close()

	fd, err := o.conns.Get(o.cfg.UpstreamServer, o.cfg.UpstreamPort)
	if err != nil {
		o.log.Debug("orchestrator: udp dial upstream failed", zap.String("dst", dst), zap.Error(err))
		return
	}
	defer o.conns.Release(fd, o.cfg.UpstreamServer, o.cfg.UpstreamPort)

	ctrlFile := os.NewFile(uintptr(fd), "upstream-ctrl")
	ctrl, err := net.FileConn(ctrlFile)
	ctrlFile.Close()
	if err != nil {
		o.conns.Remove(fd)
		return
	}
	defer ctrl.Close()

	relayAddr, err := socks5client.AssociateUDP(ctrl)
	if err != nil {
		o.log.Debug("orchestrator: udp associate failed", zap.String("dst", dst), zap.Error(err))
		o.conns.Remove(fd)
		return
	}

	relay, err := net.DialUDP("udp", nil, relayAddr)
	if err != nil {
		o.log.Debug("orchestrator: dial udp relay failed", zap.String("dst", dst), zap.Error(err))
		return
	}

	if err := socks5client.RelayUDP(local, relay, dst); err != nil {
		o.log.Debug("orchestrator: udp relay ended", zap.String("dst", dst), zap.Error(err))
	}
}

func (o *Orchestrator) serveMappedDNS(r *udp.ForwarderRequest, svc *mappeddns.Service) {
	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		return
	}
	defer ep.Close()

	conn := gateway.NewUDPConn(&wq, ep)
	defer conn.Close()

	query := make([]byte, 512)
	n, err := conn.Read(query)
	if err != nil || n == 0 {
		return
	}

	reply := make([]byte, 512)
	replyLen := svc.Handle(query[:n], reply)
	if replyLen <= 0 {
		return
	}

	conn.Write(reply[:replyLen])
}
