// Package workerpool implements the fixed-size worker pool from
// hev-socks5-tunnel's hev-thread-pool.c: a FIFO of work items served by K
// goroutines, guarded by a mutex/condition-variable pair that backs the FIFO
// with a tun2socks5/internal/ring buffer and follows a drain-on-shutdown
// discipline.
package workerpool

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"tun2socks5/internal/ring"
	"tun2socks5/internal/sysinfo"
)

// QueueMax bounds the number of items that may be waiting at once (§3 Worker
// Pool: Q_max = 10000).
const QueueMax = 10000

// ErrQueueFull is returned by Submit when the queue is at capacity.
var ErrQueueFull = errors.New("workerpool: queue full")

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("workerpool: pool is shut down")

// Task is a unit of work handed to a worker goroutine. ctx carries whatever
// the submitter needs (session handle, request id, ...); the pool never
// inspects it.
type Task func(ctx context.Context)

type item struct {
	task Task
	ctx  context.Context
}

// Pool is a fixed-size worker pool. The zero value is not usable; construct
// with New.
type Pool struct {
	log *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	doneCond *sync.Cond
	queue    *ring.Ring
	active   int
	shutdown bool

	wg sync.WaitGroup
}

// New starts n worker goroutines. n==0 selects clamp(2*cores, 2, 64) per
// spec.md §4.3.
func New(n int, log *zap.Logger) *Pool {
	if n <= 0 {
		n = sysinfo.DefaultWorkerCount()
	}
	if log == nil {
		log = zap.NewNop()
	}

	p := &Pool{log: log, queue: ring.New()}
	p.cond = sync.NewCond(&p.mu)
	p.doneCond = sync.NewCond(&p.mu)

	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker(i)
	}
	return p
}

// Submit enqueues task/ctx for execution by the next available worker.
func (p *Pool) Submit(task Task, ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return ErrClosed
	}
	if p.queue.Size() >= QueueMax {
		return ErrQueueFull
	}

	if !p.queue.Push(&item{task: task, ctx: ctx}) {
		return ErrQueueFull
	}
	p.cond.Signal()
	return nil
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for p.queue.Empty() && !p.shutdown {
			p.cond.Wait()
		}
		if p.queue.Empty() && p.shutdown {
			p.mu.Unlock()
			return
		}

		v, ok := p.queue.Pop()
		if !ok {
			p.mu.Unlock()
			continue
		}
		it := v.(*item)
		p.active++
		p.mu.Unlock()

		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("worker task panicked", zap.Int("worker", id), zap.Any("panic", r))
				}
			}()
			it.task(it.ctx)
		}()

		p.mu.Lock()
		p.active--
		if p.queue.Empty() && p.active == 0 {
			p.doneCond.Broadcast()
		}
		p.mu.Unlock()
	}
}

// WaitAll blocks until the queue is empty and no worker is active.
func (p *Pool) WaitAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.queue.Empty() || p.active != 0 {
		p.doneCond.Wait()
	}
}

// Shutdown stops accepting new work, wakes every worker, and joins them.
// Each worker keeps draining the queue until it is empty before exiting (see
// the loop condition in worker), so nothing queued before Shutdown is
// dropped — it is run exactly like any other submitted task.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats reports queue depth and active worker count.
func (p *Pool) Stats() (queueDepth, active int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Size(), p.active
}
