package socks5client

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

func TestEncodeConnectRequest_IPv4(t *testing.T) {
	req, err := encodeConnectRequest("93.184.216.34:443")
	if err != nil {
		t.Fatalf("encodeConnectRequest: %v", err)
	}
	want := []byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x01, 0xBB}
	if !bytes.Equal(req, want) {
		t.Fatalf("got %#v want %#v", req, want)
	}
}

func TestEncodeConnectRequest_Domain(t *testing.T) {
	req, err := encodeConnectRequest("example.com:80")
	if err != nil {
		t.Fatalf("encodeConnectRequest: %v", err)
	}
	if req[3] != 0x03 || req[4] != byte(len("example.com")) {
		t.Fatalf("expected domain atyp with length prefix, got %#v", req[:5])
	}
	if string(req[5:5+len("example.com")]) != "example.com" {
		t.Fatalf("domain payload mismatch: %#v", req)
	}
}

func TestHandshake_SucceedsOnSuccessReply(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- Handshake(client, "203.0.113.1:8080") }()

	greeting := make([]byte, 3)
	if _, err := io.ReadFull(server, greeting); err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if !bytes.Equal(greeting, []byte{0x05, 0x01, 0x00}) {
		t.Fatalf("unexpected greeting: %#v", greeting)
	}
	if _, err := server.Write([]byte{0x05, 0x00}); err != nil {
		t.Fatalf("write greeting reply: %v", err)
	}

	req := make([]byte, 10) // VER CMD RSV ATYP + 4-byte addr + 2-byte port
	if _, err := io.ReadFull(server, req); err != nil {
		t.Fatalf("read connect request: %v", err)
	}

	// VER REP RSV ATYP=1 addr(4) port(2)
	if _, err := server.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("write connect reply: %v", err)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("expected nil err, got %v", err)
	}
}

func TestEncodeDecodeUDPPacket_RoundTrip(t *testing.T) {
	pkt, err := EncodeUDPPacket("198.51.100.7:53", []byte("hello"))
	if err != nil {
		t.Fatalf("EncodeUDPPacket: %v", err)
	}
	payload, err := DecodeUDPPacket(pkt)
	if err != nil {
		t.Fatalf("DecodeUDPPacket: %v", err)
	}
	if string(payload) != "hello" {
		t.Fatalf("got payload %q, want %q", payload, "hello")
	}
}

func TestDecodeUDPPacket_RejectsFragment(t *testing.T) {
	pkt, err := EncodeUDPPacket("198.51.100.7:53", []byte("hello"))
	if err != nil {
		t.Fatalf("EncodeUDPPacket: %v", err)
	}
	pkt[2] = 1 // non-zero FRAG
	if _, err := DecodeUDPPacket(pkt); err == nil {
		t.Fatalf("expected error for fragmented packet")
	}
}

func TestAssociateUDP_ParsesRelayAddress(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type result struct {
		addr *net.UDPAddr
		err  error
	}
	resC := make(chan result, 1)
	go func() {
		addr, err := AssociateUDP(client)
		resC <- result{addr, err}
	}()

	io.ReadFull(server, make([]byte, 3)) // greeting
	server.Write([]byte{0x05, 0x00})

	io.ReadFull(server, make([]byte, 10)) // UDP ASSOCIATE request
	// VER REP RSV ATYP=1 addr=127.0.0.1 port=7000
	server.Write([]byte{0x05, 0x00, 0x00, 0x01, 127, 0, 0, 1, 0x1B, 0x58})

	res := <-resC
	if res.err != nil {
		t.Fatalf("AssociateUDP: %v", res.err)
	}
	if res.addr.IP.String() != "127.0.0.1" || res.addr.Port != 7000 {
		t.Fatalf("got relay addr %v, want 127.0.0.1:7000", res.addr)
	}
}

func TestRelayUDP_ForwardsBothDirections(t *testing.T) {
	relayServer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer relayServer.Close()

	relayClient, err := net.DialUDP("udp", nil, relayServer.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}

	local, remote := net.Pipe()
	defer remote.Close()

	done := make(chan error, 1)
	go func() { done <- RelayUDP(local, relayClient, "198.51.100.7:53") }()

	if _, err := remote.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 1500)
	n, peer, err := relayServer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	payload, err := DecodeUDPPacket(buf[:n])
	if err != nil {
		t.Fatalf("DecodeUDPPacket: %v", err)
	}
	if string(payload) != "ping" {
		t.Fatalf("got payload %q, want %q", payload, "ping")
	}

	reply, err := EncodeUDPPacket("198.51.100.7:53", []byte("pong"))
	if err != nil {
		t.Fatalf("EncodeUDPPacket: %v", err)
	}
	if _, err := relayServer.WriteToUDP(reply, peer); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	got := make([]byte, 1500)
	n, err = remote.Read(got)
	if err != nil {
		t.Fatalf("remote.Read: %v", err)
	}
	if string(got[:n]) != "pong" {
		t.Fatalf("got %q, want %q", got[:n], "pong")
	}

	remote.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RelayUDP did not return after local side closed")
	}
}

func TestHandshake_RejectsNonZeroReplyCode(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- Handshake(client, "203.0.113.1:8080") }()

	io.ReadFull(server, make([]byte, 3))
	server.Write([]byte{0x05, 0x00})
	io.ReadFull(server, make([]byte, 10))
	// REP=0x04 (host unreachable)
	server.Write([]byte{0x05, 0x04, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

	err := <-errCh
	if err == nil {
		t.Fatalf("expected error for non-zero reply code")
	}
}
