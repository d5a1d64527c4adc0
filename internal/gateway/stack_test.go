package gateway

import (
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip"
)

func TestNew_AssignsLoopbackAddressesAndRoutes(t *testing.T) {
	s, err := New(Config{
		MTU:         1500,
		IPv4Address: tcpip.AddrFromSlice([]byte{10, 0, 0, 2}),
		IPv6Address: tcpip.AddrFromSlice([]byte{0xfd, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}),
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if _, ok := s.ip.NICInfo()[NICID]; !ok {
		t.Fatalf("expected NIC %d to exist", NICID)
	}

	wantV4 := tcpip.AddrFromSlice([]byte{10, 0, 0, 2})
	foundV4 := false
	for _, pa := range s.ip.AllAddresses()[NICID] {
		if pa.AddressWithPrefix.Address == wantV4 {
			foundV4 = true
		}
	}
	if !foundV4 {
		t.Fatalf("expected %v to be assigned to NIC %d", wantV4, NICID)
	}
	if got := len(s.ip.GetRouteTable()); got != 2 {
		t.Fatalf("expected IPv4 and IPv6 default routes, got %d routes", got)
	}
}

func TestInput_RejectsEmptyAndUnknownVersion(t *testing.T) {
	s, err := New(Config{MTU: 1500}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.Input(nil); err == nil {
		t.Fatalf("expected error for empty packet")
	}
	if err := s.Input([]byte{0x00}); err == nil {
		t.Fatalf("expected error for unknown IP version nibble")
	}
}

func TestTick_RunsRegisteredMaintenanceUnderLock(t *testing.T) {
	s, err := New(Config{MTU: 1500}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	ran := 0
	s.RegisterTick(func() { ran++ })
	s.RegisterTick(func() { ran++ })

	s.Tick()
	if ran != 2 {
		t.Fatalf("expected both maintenance functions to run once, got %d", ran)
	}
}

func TestReadOutbound_EmptyStackReturnsNil(t *testing.T) {
	s, err := New(Config{MTU: 1500}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if pkt := s.ReadOutbound(); pkt != nil {
		t.Fatalf("expected no outbound packet on a freshly created stack, got %d bytes", len(pkt))
	}
}
