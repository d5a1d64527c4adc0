package connpool

import "testing"

func TestPool_StatsInvariant(t *testing.T) {
	p := New(0)

	// Populate two slots directly (bypassing real dialing). No Get is
	// issued, so every counter is still zero and the invariant must hold.
	p.slots[0] = slot{fd: 7, dest: "example.com:443", lastUsedAt: p.slots[0].lastUsedAt}
	p.slots[1] = slot{fd: 8, dest: "example.com:443", lastUsedAt: p.slots[1].lastUsedAt}

	total, hits, misses, _, _ := p.Stats()
	if total != 0 || hits+misses != total {
		t.Fatalf("hits+misses must equal total: total=%d hits=%d misses=%d", total, hits, misses)
	}
}

func TestNew_StoresFirewallMark(t *testing.T) {
	p := New(42)
	if p.fwmark != 42 {
		t.Fatalf("expected fwmark 42, got %d", p.fwmark)
	}
}

func TestPool_ReleaseIntoEmptySlot(t *testing.T) {
	p := New(0)
	p.Release(42, "10.0.0.1", 80)

	found := false
	for _, s := range p.slots {
		if !s.empty() && s.fd == 42 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected fd 42 to occupy an empty slot")
	}
}

func TestPool_ReleaseWhenFullEvicts(t *testing.T) {
	p := New(0)
	for i := range p.slots {
		p.slots[i] = slot{fd: 100 + i, dest: "x:1"}
	}

	p.Release(999, "x", 1)

	_, _, _, evictions, _ := p.Stats()
	if evictions != 1 {
		t.Fatalf("expected 1 eviction when pool is full, got %d", evictions)
	}
}
