package gateway

import "gvisor.dev/gvisor/pkg/buffer"

// newBufferView copies b into a gvisor buffer.Buffer suitable for
// stack.PacketBufferOptions.Payload. InjectInbound takes ownership of the
// packet buffer it's handed, so every inbound datagram gets its own copy
// rather than aliasing the TUN read buffer the caller reused from the buffer
// pool.
func newBufferView(b []byte) buffer.Buffer {
	return buffer.MakeWithData(append([]byte(nil), b...))
}
