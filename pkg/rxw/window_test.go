package rxw

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mirulimited/pgmrx/pkg/transport"
)

type recordingSink struct {
	delivered [][]byte
}

func (s *recordingSink) Deliver(_ context.Context, payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.delivered = append(s.delivered, cp)
}

func newTestWindow(t *testing.T, capacity uint32, sink transport.Sink) *Window {
	t.Helper()
	w, err := New(context.Background(), Config{
		TPDU:     1500,
		Capacity: capacity,
		Clock:    NewFakeClock(),
	}, sink)
	require.NoError(t, err)
	return w
}

func TestPushInOrder(t *testing.T) {
	sink := &recordingSink{}
	w := newTestWindow(t, 16, sink)
	ctx := context.Background()

	require.NoError(t, w.Push(ctx, []byte("a"), 10, 10))
	require.NoError(t, w.Push(ctx, []byte("b"), 11, 10))
	require.NoError(t, w.Push(ctx, []byte("c"), 12, 10))

	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, sink.delivered)
	require.True(t, w.IsEmpty())
	require.EqualValues(t, 13, w.Trail())
}

func TestPushSingleGapHoldsFlush(t *testing.T) {
	sink := &recordingSink{}
	w := newTestWindow(t, 16, sink)
	ctx := context.Background()

	require.NoError(t, w.Push(ctx, []byte("a"), 10, 10))
	require.NoError(t, w.Push(ctx, []byte("c"), 12, 10))

	require.Equal(t, [][]byte{[]byte("a")}, sink.delivered)
	require.EqualValues(t, 11, w.Trail())

	gap := w.getSlot(11)
	require.NotNil(t, gap)
	require.Equal(t, BackOff, gap.state)
}

func TestPushGapFilledFlushesBurst(t *testing.T) {
	sink := &recordingSink{}
	w := newTestWindow(t, 16, sink)
	ctx := context.Background()

	require.NoError(t, w.Push(ctx, []byte("a"), 10, 10))
	require.NoError(t, w.Push(ctx, []byte("c"), 12, 10))
	require.NoError(t, w.Push(ctx, []byte("b"), 11, 10))

	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, sink.delivered)
	require.True(t, w.IsEmpty())
}

func TestPushDuplicateIsDiscarded(t *testing.T) {
	sink := &recordingSink{}
	w := newTestWindow(t, 16, sink)
	ctx := context.Background()

	require.NoError(t, w.Push(ctx, []byte("a"), 10, 10))
	require.NoError(t, w.Push(ctx, []byte("a-dup"), 10, 10))

	require.Equal(t, [][]byte{[]byte("a")}, sink.delivered)
}

// TestForcedLossByFullWindow reproduces spec boundary scenario 5: capacity
// 4, push 100, 101, 104 (advertised_trail 100). Placeholders fill 102,103;
// the window holds {102,103,104} with occupancy 3, under capacity, so no
// eviction happens yet. One further push past capacity forces it.
func TestForcedLossByFullWindow(t *testing.T) {
	sink := &recordingSink{}
	w := newTestWindow(t, 4, sink)
	ctx := context.Background()

	require.NoError(t, w.Push(ctx, []byte("100"), 100, 100))
	require.NoError(t, w.Push(ctx, []byte("101"), 101, 100))
	require.Equal(t, [][]byte{[]byte("100"), []byte("101")}, sink.delivered)
	require.EqualValues(t, 102, w.Trail())

	require.NoError(t, w.Push(ctx, []byte("104"), 104, 100))
	require.False(t, w.isFull())
	require.EqualValues(t, 104, w.Lead())
	require.Equal(t, BackOff, w.getSlot(102).state)
	require.Equal(t, BackOff, w.getSlot(103).state)

	require.NoError(t, w.Push(ctx, []byte("105"), 105, 100))
	require.True(t, w.isFull())
	require.EqualValues(t, 102, w.Trail())

	require.NoError(t, w.Push(ctx, []byte("106"), 106, 100))
	require.EqualValues(t, 103, w.Trail())
	require.EqualValues(t, 106, w.Lead())
	require.Nil(t, w.getSlot(102))
}

// TestPushSustainedLossNoRingAliasing guards against a forced-loss push
// landing on an already-full window via the gap-fill path rather than the
// single-slot-ahead path: growPlaceholders leaves the window exactly full
// (capacity slots) after filling the gap, and the extension must still
// evict before installing the new lead slot, or the install aliases onto
// the live trail slot's ring index (same bug class as rxwi.c:847-872 guards
// against, now covered here for the multi-placeholder jump).
func TestPushSustainedLossNoRingAliasing(t *testing.T) {
	sink := &recordingSink{}
	w := newTestWindow(t, 4, sink)
	ctx := context.Background()

	require.NoError(t, w.Push(ctx, []byte("200"), 200, 200))
	require.NoError(t, w.Push(ctx, []byte("204"), 204, 200))
	require.True(t, w.isFull())

	require.NoError(t, w.Push(ctx, []byte("210"), 210, 200))

	require.Equal(t, [][]byte{[]byte("200"), []byte("204")}, sink.delivered)
	require.EqualValues(t, 207, w.Trail())
	require.EqualValues(t, 210, w.Lead())
	require.True(t, w.isFull())

	newest := w.getSlot(210)
	require.NotNil(t, newest)
	require.Equal(t, HaveData, newest.state)
	require.Equal(t, []byte("210"), newest.data)
	require.EqualValues(t, 210, newest.sequence)

	trailSlot := w.getSlot(w.Trail())
	require.NotNil(t, trailSlot)
	require.EqualValues(t, w.Trail(), trailSlot.sequence)
	require.Equal(t, BackOff, trailSlot.state)
}

func TestUpdateAdvancesTrailAndEvictsGap(t *testing.T) {
	sink := &recordingSink{}
	w := newTestWindow(t, 16, sink)
	ctx := context.Background()

	require.NoError(t, w.Push(ctx, []byte("a"), 10, 10))
	require.NoError(t, w.Push(ctx, []byte("c"), 12, 10))
	require.EqualValues(t, 11, w.Trail())

	w.Update(ctx, 13, w.Lead())

	require.EqualValues(t, 13, w.Trail())
	require.Nil(t, w.getSlot(11))
	require.Nil(t, w.getSlot(12))
}

func TestNcfPreemptiveExtension(t *testing.T) {
	sink := &recordingSink{}
	w := newTestWindow(t, 16, sink)
	ctx := context.Background()

	require.NoError(t, w.Push(ctx, []byte("anchor"), 50, 50))
	require.EqualValues(t, 51, w.Trail())
	require.EqualValues(t, 50, w.Lead())

	require.NoError(t, w.NCF(ctx, 55))

	for seq := uint32(51); seq <= 54; seq++ {
		s := w.getSlot(seq)
		require.NotNilf(t, s, "expected placeholder at #%d", seq)
		require.Equal(t, BackOff, s.state)
	}
	waitData := w.getSlot(55)
	require.NotNil(t, waitData)
	require.Equal(t, WaitData, waitData.state)
	require.EqualValues(t, 55, w.Lead())
}

func TestNcfTagsExistingPlaceholder(t *testing.T) {
	sink := &recordingSink{}
	w := newTestWindow(t, 16, sink)
	ctx := context.Background()

	require.NoError(t, w.Push(ctx, []byte("a"), 10, 10))
	require.NoError(t, w.Push(ctx, []byte("c"), 12, 10))

	gap := w.getSlot(11)
	require.Equal(t, BackOff, gap.state)

	require.NoError(t, w.NCF(ctx, 11))

	gap = w.getSlot(11)
	require.Equal(t, WaitData, gap.state)
}

func TestStateForEachRequeuesAndAges(t *testing.T) {
	sink := &recordingSink{}
	clock := NewFakeClock()
	w, err := New(context.Background(), Config{TPDU: 1500, Capacity: 16, Clock: clock}, sink)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, w.Push(ctx, []byte("a"), 10, 10))
	require.NoError(t, w.Push(ctx, []byte("c"), 12, 10))

	clock.Advance(1000)

	var sawSeq uint32
	var sawAge time.Duration
	err = w.StateForEach(ctx, BackOff, func(payload []byte, length int, seq uint32, state *State, age time.Duration, retryCount int, param interface{}) bool {
		sawSeq = seq
		sawAge = age
		*state = WaitNcf
		return false
	}, nil)
	require.NoError(t, err)
	require.EqualValues(t, 11, sawSeq)
	require.Equal(t, 1000*time.Nanosecond, sawAge)

	requeued := w.getSlot(11)
	require.Equal(t, WaitNcf, requeued.state)
	require.Equal(t, 0, w.backoff.length)
	require.Equal(t, 1, w.waitNcf.length)
}

func TestStateForEachStopTrue(t *testing.T) {
	sink := &recordingSink{}
	w := newTestWindow(t, 16, sink)
	ctx := context.Background()

	require.NoError(t, w.Push(ctx, []byte("a"), 10, 10))
	require.NoError(t, w.Push(ctx, []byte("c"), 12, 10))

	calls := 0
	err := w.StateForEach(ctx, BackOff, func(payload []byte, length int, seq uint32, state *State, age time.Duration, retryCount int, param interface{}) bool {
		calls++
		return true
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, 0, w.backoff.length)
}

func TestStateForEachLostAtTrailEvicts(t *testing.T) {
	sink := &recordingSink{}
	w := newTestWindow(t, 16, sink)
	ctx := context.Background()

	require.NoError(t, w.Push(ctx, []byte("a"), 10, 10))
	require.NoError(t, w.Push(ctx, []byte("c"), 12, 10))
	require.EqualValues(t, 11, w.Trail())

	err := w.StateForEach(ctx, BackOff, func(payload []byte, length int, seq uint32, state *State, age time.Duration, retryCount int, param interface{}) bool {
		*state = Lost
		return false
	}, nil)
	require.NoError(t, err)
	w.Flush(ctx)

	require.EqualValues(t, 13, w.Trail())
	require.Equal(t, [][]byte{[]byte("a"), []byte("c")}, sink.delivered)
}
