// Package rxw implements the receive window of a reliable multicast
// transport: a ring-buffered, sequence-ordered ingestion point that fills
// gaps with placeholders, drives a per-slot NAK/NCF state machine through an
// externally supplied callback, and flushes contiguous payloads upstream in
// strict sequence order.
//
// The window is not internally synchronized (mirroring the single-threaded
// cooperative model of the transport it belongs to): Push, Update, NCF, and
// StateForEach must be serialized by the caller.
package rxw

import (
	"context"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mirulimited/pgmrx/pkg/seqnum"
	"github.com/mirulimited/pgmrx/pkg/transport"
)

// Metrics is the optional telemetry sink a Window reports to. All methods
// must tolerate being called from a single goroutine with no locking of
// their own since the Window itself takes none.
type Metrics interface {
	RecordTrailEviction()
	RecordFlush(delivered int)
	RecordStateEntry(state State)
}

// Config carries everything New needs to anchor a ring of the right
// size. Either Capacity or both WindowSeconds and MaxRateBps must be set;
// Capacity, if non-zero, wins.
type Config struct {
	// TPDU is the maximum transport packet size in bytes.
	TPDU uint32
	// Preallocate sizes the slot free-list up front.
	Preallocate uint32
	// Capacity is the ring size in sequence numbers. If zero, it is
	// derived from WindowSeconds and MaxRateBps.
	Capacity uint32
	// WindowSeconds and MaxRateBps give capacity = (secs * rate) / TPDU
	// when Capacity is unset.
	WindowSeconds uint32
	MaxRateBps    uint32

	// SessionID tags every log line for this window; a random UUID is
	// used if unset.
	SessionID uuid.UUID
	// Clock supplies elapsed time for ages and retry scheduling; a live
	// clock is used if unset.
	Clock Clock
	// Metrics receives window telemetry; nil disables it.
	Metrics Metrics
}

func resolveCapacity(cfg Config) (uint32, error) {
	if cfg.Capacity > 0 {
		return cfg.Capacity, nil
	}
	if cfg.WindowSeconds > 0 && cfg.MaxRateBps > 0 && cfg.TPDU > 0 {
		return (cfg.WindowSeconds * cfg.MaxRateBps) / cfg.TPDU, nil
	}
	return 0, errors.New("capacity or (window seconds, max rate, tpdu) must be provided")
}

// Window is the receive window. See the package doc comment for the
// concurrency contract.
type Window struct {
	id uuid.UUID

	tpdu     uint32
	capacity uint32
	ring     []*slot

	trail, lead            uint32
	rxwTrail, rxwTrailInit uint32
	rxwConstrained         bool
	windowDefined          bool

	backoff, waitNcf, waitData stateQueue

	sink    transport.Sink
	clock   Clock
	metrics Metrics

	pool sync.Pool
}

// New constructs an empty Window anchored on the first Push it receives.
func New(ctx context.Context, cfg Config, sink transport.Sink) (*Window, error) {
	if sink == nil {
		return nil, errors.New("rxw: sink is required")
	}
	capacity, err := resolveCapacity(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "rxw: construct window")
	}

	id := cfg.SessionID
	if id == uuid.Nil {
		id = uuid.New()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = NewClock()
	}

	w := &Window{
		id:             id,
		tpdu:           cfg.TPDU,
		capacity:       capacity,
		ring:           make([]*slot, capacity),
		trail:          1,
		lead:           0,
		rxwConstrained: true,
		windowDefined:  false,
		sink:           sink,
		clock:          clk,
		metrics:        cfg.Metrics,
	}
	w.pool.New = func() interface{} { return &slot{} }
	for i := uint32(0); i < cfg.Preallocate; i++ {
		w.pool.Put(&slot{})
	}

	dlog.Debugf(ctx, "rxw %s: init (tpdu %d capacity %d preallocate %d)", w.id, cfg.TPDU, capacity, cfg.Preallocate)
	return w, nil
}

// Shutdown releases every slot the window currently holds.
func (w *Window) Shutdown(ctx context.Context) {
	dlog.Debugf(ctx, "rxw %s: shutdown", w.id)
	for i := range w.ring {
		w.ring[i] = nil
	}
	w.backoff = stateQueue{}
	w.waitNcf = stateQueue{}
	w.waitData = stateQueue{}
}

func (w *Window) allocSlot() *slot {
	s := w.pool.Get().(*slot)
	s.reset()
	return s
}

func (w *Window) freeSlot(s *slot) {
	w.pool.Put(s)
}

func (w *Window) isEmpty() bool {
	return w.trail == w.lead+1
}

func (w *Window) isFull() bool {
	return w.lead-w.trail+1 == w.capacity
}

func (w *Window) index(seq uint32) uint32 {
	return seq % w.capacity
}

// getSlot returns the slot holding seq, or nil if seq's ring position is
// empty or holds a different sequence number.
func (w *Window) getSlot(seq uint32) *slot {
	s := w.ring[w.index(seq)]
	if s == nil || s.sequence != seq {
		return nil
	}
	return s
}

func (w *Window) setSlot(seq uint32, s *slot) {
	w.ring[w.index(seq)] = s
}

func (w *Window) clearSlot(seq uint32) {
	w.ring[w.index(seq)] = nil
}

func (w *Window) queueFor(state State) *stateQueue {
	switch state {
	case BackOff:
		return &w.backoff
	case WaitNcf:
		return &w.waitNcf
	case WaitData:
		return &w.waitData
	default:
		return nil
	}
}

func (w *Window) unlinkFromQueue(s *slot) {
	if q := w.queueFor(s.state); q != nil {
		q.unlink(s)
	}
}

// recordState reports a slot entering state to metrics, if configured.
func (w *Window) recordState(state State) {
	if w.metrics != nil {
		w.metrics.RecordStateEntry(state)
	}
}

// growPlaceholders advances lead with BackOff placeholders until it equals
// target, evicting the trail slot (forced loss) whenever the window is
// already full. This is the gap-fill loop shared by Push's extension path,
// the sender-lead-driven lead advance in Update, and NCF's pre-emptive
// extension.
func (w *Window) growPlaceholders(ctx context.Context, target uint32) {
	if !seqnum.Gt(target, w.lead) {
		return
	}
	now := w.clock.Now()
	for w.lead != target {
		if w.isFull() {
			w.evictTrailAndFlush(ctx)
		}
		w.lead++
		ph := w.allocSlot()
		ph.sequence = w.lead
		ph.state = BackOff
		ph.boStart = now
		w.setSlot(w.lead, ph)
		w.backoff.pushHead(ph)
		w.recordState(BackOff)
	}
}

// evictTrail removes the slot at trail, representing irrecoverable data
// loss, and advances trail. The caller decides whether to also flush.
func (w *Window) evictTrail(ctx context.Context) {
	s := w.getSlot(w.trail)
	if s == nil {
		dlog.Errorf(ctx, "rxw %s: evictTrail found no slot at #%d", w.id, w.trail)
		w.trail++
		return
	}
	dlog.Warnf(ctx, "rxw %s: dropping #%d due to full window", w.id, w.trail)
	w.unlinkFromQueue(s)
	w.clearSlot(w.trail)
	w.freeSlot(s)
	w.trail++
	if w.metrics != nil {
		w.metrics.RecordTrailEviction()
	}
}

func (w *Window) evictTrailAndFlush(ctx context.Context) {
	w.evictTrail(ctx)
	w.flush(ctx)
}

// Push ingests a received data packet. See spec §4.2.
func (w *Window) Push(ctx context.Context, payload []byte, seq uint32, advertisedTrail uint32) error {
	if !w.windowDefined {
		w.lead = seq - 1
		w.trail = seq
		w.rxwTrail = seq
		w.rxwTrailInit = seq
		w.rxwConstrained = true
		w.windowDefined = true
		dlog.Debugf(ctx, "rxw %s: #%d anchors window", w.id, seq)
	} else {
		if seqnum.Lt(seq, advertisedTrail) {
			dlog.Warnf(ctx, "rxw %s: #%d not in tx window, discarding", w.id, seq)
			return ErrNotInTxWindow
		}
		w.Update(ctx, advertisedTrail, w.lead)
	}

	if seqnum.Lt(seq, w.trail) {
		dlog.Tracef(ctx, "rxw %s: #%d already committed, discarding", w.id, seq)
		return nil
	}

	if seqnum.Le(seq, w.lead) {
		s := w.getSlot(seq)
		if s == nil {
			return ErrInvariantViolation
		}
		if s.state == HaveData {
			dlog.Tracef(ctx, "rxw %s: #%d duplicate, discarding", w.id, seq)
			return nil
		}
		dlog.Tracef(ctx, "rxw %s: #%d fills a gap", w.id, seq)
		w.unlinkFromQueue(s)
		s.data = payload
		s.length = len(payload)
		s.state = HaveData
		w.recordState(HaveData)
	} else {
		dlog.Tracef(ctx, "rxw %s: #%d extends lead", w.id, seq)
		w.growPlaceholders(ctx, seq-1)
		if w.isFull() {
			w.evictTrailAndFlush(ctx)
		}
		w.lead++
		s := w.allocSlot()
		s.sequence = seq
		s.data = payload
		s.length = len(payload)
		s.state = HaveData
		w.setSlot(seq, s)
		w.recordState(HaveData)
	}

	w.flush(ctx)
	return nil
}

// Update applies the sender's advertised trail/lead. See spec §4.3.
func (w *Window) Update(ctx context.Context, txwTrail, txwLead uint32) {
	if seqnum.Gt(txwLead, w.lead) {
		dlog.Tracef(ctx, "rxw %s: advancing lead to #%d", w.id, txwLead)
		w.growPlaceholders(ctx, txwLead)
	}

	if w.rxwConstrained && seqnum.Gt(txwTrail, w.rxwTrailInit) {
		dlog.Tracef(ctx, "rxw %s: constraint removed on trail", w.id)
		w.rxwConstrained = false
	}

	switch {
	case !w.rxwConstrained && seqnum.Gt(txwTrail, w.rxwTrail):
		dlog.Tracef(ctx, "rxw %s: advancing rxw_trail to #%d", w.id, txwTrail)
		w.rxwTrail = txwTrail
		for seqnum.Gt(w.rxwTrail, w.trail) {
			if w.isEmpty() {
				distance := seqnum.Distance(w.trail, w.rxwTrail)
				w.trail += distance
				w.lead += distance
				break
			}
			w.evictTrailAndFlush(ctx)
		}
	case !w.rxwConstrained && txwTrail != w.rxwTrail:
		dlog.Warnf(ctx, "rxw %s: rxw_trail stepped backwards, ignoring", w.id)
	}
}

// NCF processes a NAK confirmation. See spec §4.4.
func (w *Window) NCF(ctx context.Context, seq uint32) error {
	if s := w.getSlot(seq); s != nil {
		s.ncfReceived = w.clock.Now()
		if s.state == WaitData {
			return nil
		}
		w.unlinkFromQueue(s)
		s.state = WaitData
		w.waitData.pushHead(s)
		w.recordState(WaitData)
		return nil
	}

	if seqnum.Lt(seq, w.rxwTrail) {
		dlog.Warnf(ctx, "rxw %s: ncf #%d not in tx window, discarding", w.id, seq)
		return ErrNotInTxWindow
	}

	dlog.Tracef(ctx, "rxw %s: ncf extends lead to #%d", w.id, seq)
	w.growPlaceholders(ctx, seq-1)
	if w.isFull() {
		w.evictTrailAndFlush(ctx)
	}
	w.lead++
	s := w.allocSlot()
	s.sequence = seq
	s.state = WaitData
	s.ncfReceived = w.clock.Now()
	w.setSlot(seq, s)
	w.waitData.pushHead(s)
	w.recordState(WaitData)

	w.flush(ctx)
	return nil
}

// Flush drains every contiguous HaveData slot starting at trail to the
// upstream sink. Push, Update and NCF already call this internally after
// every mutation; callers only need it directly after driving StateForEach,
// since a slot transitioning to Lost at trail can make the window
// contiguous again with nothing else to trigger delivery.
func (w *Window) Flush(ctx context.Context) {
	w.flush(ctx)
}

func (w *Window) flush(ctx context.Context) {
	delivered := 0
	for !w.isEmpty() {
		s := w.getSlot(w.trail)
		if s == nil || s.state != HaveData {
			break
		}
		payload := s.data
		w.clearSlot(w.trail)
		w.trail++
		w.sink.Deliver(ctx, payload)
		w.freeSlot(s)
		delivered++
	}
	if delivered > 0 {
		dlog.Tracef(ctx, "rxw %s: flushed %d packets, trail now #%d", w.id, delivered, w.trail)
		if w.metrics != nil {
			w.metrics.RecordFlush(delivered)
		}
	}
}

// StateCallback is invoked once per slot currently in target, oldest first.
// It may mutate *state; returning true halts iteration immediately with no
// further re-queuing of the slot just visited (mirroring rxwi.c's
// rxw_state_foreach, where the slot is unlinked from its queue before the
// callback runs and is only relinked if the callback continues iterating).
type StateCallback func(payload []byte, length int, seq uint32, state *State, age time.Duration, retryCount int, param interface{}) bool

// StateForEach visits the tail-to-head (oldest-first) members of the state
// queue for target, letting an external timer/NAK manager drive the state
// machine. See spec §4.8.
func (w *Window) StateForEach(ctx context.Context, target State, cb StateCallback, param interface{}) error {
	q := w.queueFor(target)
	if q == nil {
		return ErrInvariantViolation
	}

	now := w.clock.Now()
	// Only the slots queued when the walk starts are visited; a slot the
	// callback leaves in target is re-queued at the head of this same queue
	// and is not visited again in this pass.
	remaining := q.length
	for s := q.tail; s != nil && remaining > 0; remaining-- {
		prev := s.prev
		if s.state != target {
			return ErrInvariantViolation
		}
		q.unlink(s)

		var age time.Duration
		var retryCount int
		switch target {
		case BackOff:
			age = now - s.boStart
		case WaitNcf:
			age = now - s.nakSent
			retryCount = s.ncfRetryCount
		case WaitData:
			age = now - s.ncfReceived
			retryCount = s.dataRetryCount
		}

		if cb(s.data, s.length, s.sequence, &s.state, age, retryCount, param) {
			break
		}

		if s.state != target {
			w.recordState(s.state)
		}
		switch s.state {
		case BackOff:
			s.boStart = now
			w.backoff.pushHead(s)
		case WaitNcf:
			s.nakSent = now
			w.waitNcf.pushHead(s)
		case Lost:
			w.evictLost(ctx, s)
		default:
			return ErrInvariantViolation
		}

		s = prev
	}
	return nil
}

// evictLost applies the lead/trail cancellation rules of spec §4.7 to a
// slot the iteration callback has just transitioned to Lost.
func (w *Window) evictLost(ctx context.Context, s *slot) {
	seq := s.sequence
	dlog.Warnf(ctx, "rxw %s: lost data #%d due to cancellation", w.id, seq)
	switch seq {
	case w.trail:
		w.clearSlot(seq)
		w.freeSlot(s)
		w.trail++
	case w.lead:
		w.clearSlot(seq)
		w.freeSlot(s)
		w.lead--
	default:
		// Interior hole: leave the Lost sentinel in place. Flush stops
		// here until trail reaches it, or a future eviction/update reaps
		// it. See spec §4.7, §9.
	}
}

// Trail, Lead, IsEmpty and Capacity expose read-only window state, mainly
// for tests and metrics collection.
func (w *Window) Trail() uint32    { return w.trail }
func (w *Window) Lead() uint32     { return w.lead }
func (w *Window) IsEmpty() bool    { return w.isEmpty() }
func (w *Window) Capacity() uint32 { return w.capacity }

// ID returns the session identifier this window was constructed with, for
// correlating log lines the way handler.go threads h.id through its own.
func (w *Window) ID() uuid.UUID { return w.id }
