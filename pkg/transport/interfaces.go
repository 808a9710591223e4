// Package transport defines the collaborator interfaces a receive window
// is wired to: the upstream sink contiguous data is delivered to, and the
// outbound NAK transmitter the retransmission scheduler drives. Concrete
// implementations live in cmd/pgmrecv and in tests.
package transport

import "context"

// Sink receives contiguous, in-order payloads flushed from a receive
// window. Deliver is called synchronously from the window's Push/Update/NCF
// path; it must not re-enter the window that invoked it.
type Sink interface {
	Deliver(ctx context.Context, payload []byte)
}

// NAKTransmitter sends a single NAK for seq on the wire. Implementations
// are expected to rate-limit themselves; the scheduler calls this once per
// retry attempt, not once per RTT.
type NAKTransmitter interface {
	SendNAK(ctx context.Context, seq uint32) error
}

// Packet is one inbound transport packet, already decoded by whatever wire
// codec sits below this module (out of scope here; see spec Non-goals).
type Packet struct {
	Sequence        uint32
	AdvertisedTrail uint32
	Payload         []byte
}

// Source delivers inbound data packets to the daemon's receive loop; it
// carries no NCF notifications. Receive blocks until the next packet is available, ctx is
// done, or the source is permanently exhausted (io.EOF).
type Source interface {
	Receive(ctx context.Context) (Packet, error)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(ctx context.Context, payload []byte)

func (f SinkFunc) Deliver(ctx context.Context, payload []byte) { f(ctx, payload) }
