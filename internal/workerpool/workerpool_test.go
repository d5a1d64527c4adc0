package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_SubmitRunsTask(t *testing.T) {
	p := New(2, nil)
	defer p.Shutdown()

	done := make(chan struct{})
	if err := p.Submit(func(ctx context.Context) { close(done) }, context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}

func TestPool_SubmitAfterShutdownFails(t *testing.T) {
	p := New(1, nil)
	p.Shutdown()

	if err := p.Submit(func(ctx context.Context) {}, context.Background()); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPool_WaitAllBlocksUntilQueueDrained(t *testing.T) {
	p := New(4, nil)
	defer p.Shutdown()

	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		if err := p.Submit(func(ctx context.Context) {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		}, context.Background()); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	p.WaitAll()
	if got := ran.Load(); got != 20 {
		t.Fatalf("expected 20 tasks to have run, got %d", got)
	}
}

// TestPool_ShutdownDrainsQueuedWork asserts every item submitted before
// Shutdown is still run to completion rather than discarded: Shutdown only
// stops new submissions and joins workers once the queue is empty, exactly
// like AdaptivePool.Shutdown.
func TestPool_ShutdownDrainsQueuedWork(t *testing.T) {
	p := New(1, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	if err := p.Submit(func(ctx context.Context) {
		close(started)
		<-release
	}, context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started // worker is now blocked inside the first task

	const extra = 50
	var ran atomic.Int32
	for i := 0; i < extra; i++ {
		if err := p.Submit(func(ctx context.Context) { ran.Add(1) }, context.Background()); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	shutdownDone := make(chan struct{})
	go func() {
		p.Shutdown()
		close(shutdownDone)
	}()

	time.Sleep(10 * time.Millisecond) // Shutdown should be blocked draining, not returned
	select {
	case <-shutdownDone:
		t.Fatal("Shutdown returned before the blocked task released")
	default:
	}

	close(release)

	select {
	case <-shutdownDone:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return after queued work finished draining")
	}

	if got := ran.Load(); got != extra {
		t.Fatalf("expected all %d queued tasks to run before Shutdown returned, got %d", extra, got)
	}
}

func TestPool_QueueFullRejectsSubmit(t *testing.T) {
	p := New(1, nil)
	defer p.Shutdown()

	release := make(chan struct{})
	started := make(chan struct{})
	if err := p.Submit(func(ctx context.Context) {
		close(started)
		<-release
	}, context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started // the sole worker is now parked, so nothing drains the queue below

	for i := 0; i < QueueMax; i++ {
		if err := p.Submit(func(ctx context.Context) {}, context.Background()); err != nil {
			t.Fatalf("Submit %d: unexpected error %v", i, err)
		}
	}

	if err := p.Submit(func(ctx context.Context) {}, context.Background()); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull at capacity, got %v", err)
	}

	close(release)
}
