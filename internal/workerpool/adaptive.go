package workerpool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"tun2socks5/internal/ring"
)

// AdaptiveConfig mirrors HevAdaptivePoolConfig from hev-adaptive-pool.h.
type AdaptiveConfig struct {
	MinThreads         int
	MaxThreads         int
	ScaleUpThreshold   int // queue depth that triggers scale-up
	ScaleDownThreshold int // idle-worker count that triggers scale-down
	AdjustInterval      time.Duration
}

func (c *AdaptiveConfig) setDefaults() {
	if c.MinThreads <= 0 {
		c.MinThreads = 2
	}
	if c.MaxThreads < c.MinThreads {
		c.MaxThreads = c.MinThreads
	}
	if c.ScaleUpThreshold <= 0 {
		c.ScaleUpThreshold = 50
	}
	if c.ScaleDownThreshold <= 0 {
		c.ScaleDownThreshold = 4
	}
	if c.AdjustInterval <= 0 {
		c.AdjustInterval = 5 * time.Second
	}
}

type workerSlot struct {
	active     bool
	shouldExit bool
	lastWork   time.Time
}

// AdaptivePool is a worker pool that grows and shrinks its goroutine count
// between MinThreads and MaxThreads, per hev-adaptive-pool.c.
type AdaptivePool struct {
	cfg AdaptiveConfig
	log *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	doneCond *sync.Cond
	queue    *ring.Ring
	shutdown bool

	slots   []*workerSlot
	current int // len(slots currently running)
	idle    int

	wg       sync.WaitGroup
	adjustWG sync.WaitGroup
	stopAdj  chan struct{}
}

// NewAdaptive starts cfg.MinThreads workers and an adjuster goroutine.
func NewAdaptive(cfg AdaptiveConfig, log *zap.Logger) *AdaptivePool {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	p := &AdaptivePool{cfg: cfg, log: log, stopAdj: make(chan struct{}), queue: ring.New()}
	p.cond = sync.NewCond(&p.mu)
	p.doneCond = sync.NewCond(&p.mu)

	p.slots = make([]*workerSlot, cfg.MaxThreads)
	for i := 0; i < cfg.MinThreads; i++ {
		p.startWorker(i)
	}

	p.adjustWG.Add(1)
	go p.adjustLoop()

	return p
}

func (p *AdaptivePool) startWorker(slot int) {
	p.slots[slot] = &workerSlot{active: true, lastWork: time.Now()}
	p.current++
	p.wg.Add(1)
	go p.worker(slot)
}

// Submit enqueues task/ctx. Behaves like Pool.Submit.
func (p *AdaptivePool) Submit(task Task, ctx context.Context) error {
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

func (p *AdaptivePool) worker(slot int) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		s := p.slots[slot]

		for p.queue.Empty() && !p.shutdown && !s.shouldExit {
			p.idle++
			p.cond.Wait()
			p.idle--
		}

		if s.shouldExit || (p.shutdown && p.queue.Empty()) {
			s.active = false
			p.current--
			p.mu.Unlock()
			return
		}

		v, ok := p.queue.Pop()
		if !ok {
			p.mu.Unlock()
			continue
		}
		it := v.(*item)
		p.mu.Unlock()

		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("adaptive worker task panicked", zap.Int("slot", slot), zap.Any("panic", r))
				}
			}()
			it.task(it.ctx)
		}()

		p.mu.Lock()
		s.lastWork = time.Now()
		if p.queue.Empty() && p.busyCountLocked() == 0 {
			p.doneCond.Broadcast()
		}
		p.mu.Unlock()
	}
}

func (p *AdaptivePool) busyCountLocked() int {
	busy := 0
	for _, s := range p.slots {
		if s != nil && s.active {
			busy++
		}
	}
	return busy - p.idle
}

func (p *AdaptivePool) adjustLoop() {
	defer p.adjustWG.Done()

	t := time.NewTicker(p.cfg.AdjustInterval)
	defer t.Stop()

	for {
		select {
		case <-p.stopAdj:
			return
		case <-t.C:
			p.adjustOnce()
		}
	}
}

func (p *AdaptivePool) adjustOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return
	}

	queueDepth := p.queue.Size()

	if queueDepth > p.cfg.ScaleUpThreshold && p.idle < 2 && p.current < p.cfg.MaxThreads {
		for i := 0; i < len(p.slots); i++ {
			if p.slots[i] == nil || !p.slots[i].active {
				p.startWorker(i)
				p.log.Debug("adaptive pool scaled up", zap.Int("current", p.current))
				break
			}
		}
		return
	}

	if p.idle > p.cfg.ScaleDownThreshold && queueDepth < 10 && p.current > p.cfg.MinThreads {
		for _, s := range p.slots {
			if s != nil && s.active && !s.shouldExit {
				s.shouldExit = true
				p.cond.Broadcast()
				p.log.Debug("adaptive pool marked worker for scale-down")
				break
			}
		}
	}
}

// WaitAll blocks until the queue is empty and every worker is idle.
func (p *AdaptivePool) WaitAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.queue.Empty() || p.busyCountLocked() != 0 {
		p.doneCond.Wait()
	}
}

// Shutdown stops the adjuster, wakes every worker, and joins them all.
func (p *AdaptivePool) Shutdown() {
	close(p.stopAdj)
	p.adjustWG.Wait()

	p.mu.Lock()
	p.shutdown = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats reports current/active/idle thread counts and queue depth.
func (p *AdaptivePool) Stats() (current, active, idle, queueDepth int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.busyCountLocked(), p.idle, p.queue.Size()
}
