package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_RegistersEveryCollector(t *testing.T) {
	c, reg := New()
	if c == nil || reg == nil {
		t.Fatal("New returned nil")
	}

	c.BufferAllocated.Set(3)
	c.WorkerQueueDepth.Set(5)
	c.ConnPoolHits.Add(2)
	c.SessionCount.Set(1)
	c.TUNRXPackets.Add(10)

	if got := testutil.ToFloat64(c.BufferAllocated); got != 3 {
		t.Fatalf("BufferAllocated = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.ConnPoolHits); got != 2 {
		t.Fatalf("ConnPoolHits = %v, want 2", got)
	}
}

func TestServer_RejectsEmptyAddress(t *testing.T) {
	_, reg := New()
	if err := Server(context.Background(), "", reg); err == nil {
		t.Fatal("expected error for empty listen address")
	}
}

func TestServer_ShutsDownOnContextCancel(t *testing.T) {
	_, reg := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Server(ctx, "127.0.0.1:0", reg) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Server returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Server did not shut down after context cancel")
	}
}
