// Package connpool implements the bounded cache of idle outbound TCP sockets
// from hev-socks5-tunnel's hev-connection-pool.c: slots keyed by destination,
// liveness-probed with a non-blocking peek before reuse.
package connpool

import (
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Size is the fixed slot count (§3: CONN_POOL_SIZE = 128).
const Size = 128

// IdleTimeout is how long an unused connection stays eligible for reuse
// (§3: CONN_IDLE_TIMEOUT = 60s).
const IdleTimeout = 60 * time.Second

type slot struct {
	fd         int
	dest       string
	createdAt  time.Time
	lastUsedAt time.Time
	useCount   uint64
	inUse      bool
}

func (s *slot) empty() bool { return s.fd < 0 }

// Pool is a bounded cache of non-blocking TCP sockets. The zero value is not
// usable; construct with New.
type Pool struct {
	idleTimeout time.Duration
	fwmark      uint32

	mu    sync.Mutex
	slots [Size]slot

	totalRequests uint64
	cacheHits     uint64
	cacheMisses   uint64
	evictions     uint64
}

// New returns an empty connection pool. If fwmark is non-zero, every socket
// it dials carries that SO_MARK, letting the host's routing policy steer
// gateway-originated traffic around the TUN interface it came from.
func New(fwmark uint32) *Pool {
	p := &Pool{idleTimeout: IdleTimeout, fwmark: fwmark}
	for i := range p.slots {
		p.slots[i].fd = -1
	}
	return p
}

// Get returns a non-blocking fd connected (or connecting) to server:port,
// reusing an idle slot when a live one is available.
func (p *Pool) Get(server string, port uint16) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalRequests++
	dest := fmt.Sprintf("%s:%d", server, port)
	now := time.Now()

	for i := range p.slots {
		s := &p.slots[i]
		if s.empty() || s.inUse || s.dest != dest {
			continue
		}
		if now.Sub(s.lastUsedAt) >= p.idleTimeout {
			continue
		}

		if !peekAlive(s.fd) {
			unix.Close(s.fd)
			*s = slot{fd: -1}
			p.evictions++
			continue
		}

		s.inUse = true
		s.lastUsedAt = now
		s.useCount++
		p.cacheHits++
		return s.fd, nil
	}

	fd, err := dialNonblocking(server, port, p.fwmark)
	if err != nil {
		return -1, err
	}
	p.cacheMisses++
	return fd, nil
}

// Release returns fd to the pool for future reuse, inserting it into an
// existing slot if it's already tracked or the first empty slot otherwise. If
// no slot is free, the fd is closed and counted as an eviction.
func (p *Pool) Release(fd int, server string, port uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	dest := fmt.Sprintf("%s:%d", server, port)

	for i := range p.slots {
		s := &p.slots[i]
		if !s.empty() && s.fd == fd {
			s.inUse = false
			s.lastUsedAt = now
			return
		}
	}

	for i := range p.slots {
		s := &p.slots[i]
		if s.empty() {
			*s = slot{fd: fd, dest: dest, createdAt: now, lastUsedAt: now, useCount: 1}
			return
		}
	}

	unix.Close(fd)
	p.evictions++
}

// Remove evicts fd from the pool, closing it.
func (p *Pool) Remove(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.slots {
		s := &p.slots[i]
		if !s.empty() && s.fd == fd {
			unix.Close(s.fd)
			*s = slot{fd: -1}
			p.evictions++
			return
		}
	}
}

// CloseAll closes every tracked fd regardless of idle/use state, for use
// during teardown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.slots {
		s := &p.slots[i]
		if !s.empty() {
			unix.Close(s.fd)
			*s = slot{fd: -1}
		}
	}
}

// Cleanup closes every idle-and-expired slot.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for i := range p.slots {
		s := &p.slots[i]
		if s.empty() || s.inUse {
			continue
		}
		if now.Sub(s.lastUsedAt) >= p.idleTimeout {
			unix.Close(s.fd)
			*s = slot{fd: -1}
			p.evictions++
		}
	}
}

// Stats reports hit/miss/eviction counters and hit rate as a percentage.
func (p *Pool) Stats() (total, hits, misses, evictions uint64, hitRate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total, hits, misses, evictions = p.totalRequests, p.cacheHits, p.cacheMisses, p.evictions
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	return
}

// dialNonblocking opens a non-blocking TCP socket and begins connecting,
// tolerating EINPROGRESS exactly as hev_connection_pool_get does. When mark
// is non-zero it is applied via SO_MARK before connect, so the kernel's
// policy routing can recognize and exempt gateway-originated sockets.
func dialNonblocking(server string, port uint16, mark uint32) (int, error) {
	ips, err := net.LookupIP(server)
	if err != nil || len(ips) == 0 {
		return -1, fmt.Errorf("connpool: resolve %s: %w", server, err)
	}
	ip := ips[0]

	domain := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := ip.To4(); ip4 != nil {
		sa = &unix.SockaddrInet4{Port: int(port), Addr: [4]byte(ip4)}
	} else {
		domain = unix.AF_INET6
		sa = &unix.SockaddrInet6{Port: int(port), Addr: [16]byte(ip.To16())}
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("connpool: socket: %w", err)
	}

	if mark != 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(mark)); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("connpool: set SO_MARK: %w", err)
		}
	}

	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, fmt.Errorf("connpool: connect: %w", err)
	}

	return fd, nil
}

// peekAlive probes a single byte non-blocking; it returns false if the peer
// has closed or any error other than EAGAIN/EWOULDBLOCK occurs.
func peekAlive(fd int) bool {
	buf := make([]byte, 1)
	n, _, err := unix.Recvfrom(fd, buf, unix.MSG_PEEK|unix.MSG_DONTWAIT)
	if err != nil {
		return err == unix.EAGAIN || err == unix.EWOULDBLOCK
	}
	return n > 0
}

// IsTransient reports whether err is EAGAIN/EWOULDBLOCK/EINTR, the three
// error classes the engine absorbs silently (spec.md §7).
func IsTransient(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR || err == syscall.EAGAIN
}
