// Package tunio implements the TUN I/O Engine from spec.md §4.4/§4.8: pools
// of reader and writer goroutines pumping packets between a TUN device and
// the embedded network stack, with a bounded, batched write queue and atomic
// rx/tx counters. Grounded on hev-tunnel-io.c's multi-threaded reader/writer
// design and on the teacher's tunToStack/stackToTun pump functions
// (balookrd-outline-cli-ws/internal/tun_native.go).
package tunio

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"tun2socks5/internal/bufpool"
	"tun2socks5/internal/sysinfo"
)

// Device is anything a TUN engine can read whole IP datagrams from and write
// them to: a *water.Interface for a locally-created device, or a plain
// *os.File wrapping a file descriptor handed in from outside (spec.md §6's
// "extern_tun_fd", e.g. a VPN service supplying an already-open fd).
type Device interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// WriteQueueMax is the bound on queued outbound packets (§3: WRITE_QUEUE_SIZE
// = 4096).
const WriteQueueMax = 4096

// WriteBatchSize is how many queued packets a writer drains per wake-up
// (§3: WRITE_BATCH_SIZE = 16).
const WriteBatchSize = 16

// InputFunc receives one packet read from the TUN device (§4.9's input
// callback — normally gateway.Stack.Input).
type InputFunc func(pkt []byte) error

// Stats reports the engine's lifetime packet/byte counters.
type Stats struct {
	RXPackets uint64
	RXBytes   uint64
	TXPackets uint64
	TXBytes   uint64
}

// Engine owns the TUN device and its reader/writer goroutine pools.
type Engine struct {
	log *zap.Logger

	iface Device
	mtu   int
	pool  *bufpool.Pool

	numReaders int
	numWriters int
	input      InputFunc

	mu             sync.Mutex
	cond           *sync.Cond
	queue          *list.List // of []byte
	running        bool
	writersCanExit bool // set once every reader has joined; see Stop
	readerWG       sync.WaitGroup
	writerWG       sync.WaitGroup

	rxPackets atomic.Uint64
	rxBytes   atomic.Uint64
	txPackets atomic.Uint64
	txBytes   atomic.Uint64
}

// New constructs an engine bound to iface. numReaders/numWriters<=0 fall back
// to sysinfo.DefaultIOThreadCount().
func New(iface Device, mtu int, pool *bufpool.Pool, input InputFunc, numReaders, numWriters int, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if numReaders <= 0 {
		numReaders = sysinfo.DefaultIOThreadCount()
	}
	if numWriters <= 0 {
		numWriters = sysinfo.DefaultIOThreadCount()
	}

	e := &Engine{
		log:        log,
		iface:      iface,
		mtu:        mtu,
		pool:       pool,
		numReaders: numReaders,
		numWriters: numWriters,
		input:      input,
		queue:      list.New(),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Start launches the reader and writer goroutine pools.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("tunio: already running")
	}
	e.running = true
	e.mu.Unlock()

	for i := 0; i < e.numReaders; i++ {
		e.readerWG.Add(1)
		go e.readerLoop(i)
	}
	for i := 0; i < e.numWriters; i++ {
		e.writerWG.Add(1)
		go e.writerLoop(i)
	}

	e.log.Info("tunio: started", zap.Int("readers", e.numReaders), zap.Int("writers", e.numWriters))
	return nil
}

// Stop joins readers first, then writers (spec §4.6): readers may still turn
// an inbound packet into a reply (e.g. a TCP RST) written back out through
// e.Write while shutdown is underway, so writers must not observe
// running==false and an empty queue as "done" until every reader has
// actually returned. Writers still drain whatever remains queued before
// returning, mirroring hev_tunnel_io_stop's "keep writing while
// queue_size > 0" rule.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.iface.Close()
	e.readerWG.Wait()

	e.mu.Lock()
	e.writersCanExit = true
	e.cond.Broadcast()
	e.mu.Unlock()

	e.writerWG.Wait()
	e.log.Info("tunio: stopped")
}

// Write enqueues pkt for transmission out the TUN device. It returns
// WriteQueueMax's overflow as an error rather than blocking, matching
// hev_tunnel_io_write's reject-when-full behavior.
func (e *Engine) Write(pkt []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.queue.Len() >= WriteQueueMax {
		return fmt.Errorf("tunio: write queue full")
	}
	e.queue.PushBack(pkt)
	e.cond.Signal()
	return nil
}

func (e *Engine) readerLoop(id int) {
	defer e.readerWG.Done()

	for {
		e.mu.Lock()
		running := e.running
		e.mu.Unlock()
		if !running {
			return
		}

		buf := e.pool.Allocate()
		if buf == nil {
			continue
		}

		n, err := e.iface.Read(buf[:])
		if err != nil {
			e.pool.Free(buf)
			return
		}
		if n == 0 {
			e.pool.Free(buf)
			continue
		}

		e.rxPackets.Add(1)
		e.rxBytes.Add(uint64(n))

		if e.input != nil {
			if err := e.input(buf[:n]); err != nil {
				e.log.Debug("tunio: input callback error", zap.Int("reader", id), zap.Error(err))
			}
		}
		e.pool.Free(buf)
	}
}

func (e *Engine) writerLoop(id int) {
	defer e.writerWG.Done()

	for {
		e.mu.Lock()
		for e.queue.Len() == 0 && !e.writersCanExit {
			e.cond.Wait()
		}
		if e.queue.Len() == 0 && e.writersCanExit {
			e.mu.Unlock()
			return
		}

		batch := make([][]byte, 0, WriteBatchSize)
		for len(batch) < WriteBatchSize && e.queue.Len() > 0 {
			front := e.queue.Front()
			e.queue.Remove(front)
			batch = append(batch, front.Value.([]byte))
		}
		e.mu.Unlock()

		for _, pkt := range batch {
			n, err := e.iface.Write(pkt)
			if err != nil {
				e.log.Warn("tunio: write error", zap.Int("writer", id), zap.Error(err))
				continue
			}
			e.txPackets.Add(1)
			e.txBytes.Add(uint64(n))
		}
	}
}

// Stats returns a snapshot of the lifetime counters.
func (e *Engine) Stats() Stats {
	return Stats{
		RXPackets: e.rxPackets.Load(),
		RXBytes:   e.rxBytes.Load(),
		TXPackets: e.txPackets.Load(),
		TXBytes:   e.txBytes.Load(),
	}
}
