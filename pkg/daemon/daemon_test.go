package daemon

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mirulimited/pgmrx/pkg/transport"
)

type fakeSource struct {
	mu      sync.Mutex
	packets []transport.Packet
	next    int
}

func (f *fakeSource) Receive(ctx context.Context) (transport.Packet, error) {
	f.mu.Lock()
	if f.next < len(f.packets) {
		pkt := f.packets[f.next]
		f.next++
		f.mu.Unlock()
		return pkt, nil
	}
	f.mu.Unlock()

	<-ctx.Done()
	return transport.Packet{}, ctx.Err()
}

type recordingSink struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (r *recordingSink) Deliver(_ context.Context, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
}

func (r *recordingSink) delivered() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.payloads))
	copy(out, r.payloads)
	return out
}

type noopTransmitter struct{}

func (noopTransmitter) SendNAK(context.Context, uint32) error { return nil }

func TestRunDeliversInOrderPacketsAndShutsDownCleanly(t *testing.T) {
	t.Setenv("PGM_METRICS_ADDR", "127.0.0.1:0")
	t.Setenv("PGM_NAK_TICK_INTERVAL", "10ms")
	t.Setenv("PGM_CAPACITY", "") // unset: capacity derives from window/rate/tpdu

	source := &fakeSource{packets: []transport.Packet{
		{Sequence: 1, AdvertisedTrail: 1, Payload: []byte("one")},
		{Sequence: 2, AdvertisedTrail: 1, Payload: []byte("two")},
		{Sequence: 3, AdvertisedTrail: 1, Payload: []byte("three")},
	}}
	sink := &recordingSink{}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(ctx, Deps{
			Source: source,
			Sink:   sink,
			Tx:     noopTransmitter{},
		})
	}()

	require.Eventually(t, func() bool {
		return len(sink.delivered()) == 3
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, [][]byte{[]byte("one"), []byte("two"), []byte("three")}, sink.delivered())

	cancel()
	select {
	case err := <-errCh:
		require.True(t, err == nil || err == context.Canceled || err == io.EOF)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not shut down after context cancellation")
	}
}
