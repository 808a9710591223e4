// Package nak implements the external timer policy the receive window
// deliberately has no opinion about: when to send a NAK for a BackOff
// placeholder, when to resend one still waiting on an NCF, and when to give
// up and mark a slot Lost. It drives rxw.Window.StateForEach on a fixed
// tick, the same shape as the teacher's processResends/resend pair, with
// exponential back-off tracked per sequence number rather than trusted to
// the window's own (reset-on-every-visit) timestamps.
package nak

import (
	"context"
	"sync"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
	"golang.org/x/time/rate"

	"github.com/mirulimited/pgmrx/pkg/rxw"
	"github.com/mirulimited/pgmrx/pkg/seqnum"
	"github.com/mirulimited/pgmrx/pkg/transport"
)

const (
	DefaultTickInterval       = 100 * time.Millisecond
	DefaultInitialResendDelay = 200 * time.Millisecond
	DefaultMaxRetries         = 7
)

// Config tunes the scheduler. Zero values fall back to the defaults above.
type Config struct {
	TickInterval       time.Duration
	InitialResendDelay time.Duration
	MaxRetries         int
	RateLimit          rate.Limit
	RateBurst          int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.InitialResendDelay <= 0 {
		c.InitialResendDelay = DefaultInitialResendDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RateLimit <= 0 {
		c.RateLimit = rate.Limit(50)
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 10
	}
	return c
}

type retryState struct {
	retries     int
	lastAttempt time.Duration
}

// Metrics receives NAK send counts; nil is safe to pass to New.
type Metrics interface {
	RecordNAKSent()
}

// Scheduler drives the BackOff and WaitNcf state queues of one Window.
// Nothing in Scheduler is safe for concurrent use; Run must be called with
// the same lock the caller uses to serialize all other access to the
// window (mirroring handler.go's single h.Lock() guarding both the receive
// path and processResends).
type Scheduler struct {
	cfg     Config
	window  *rxw.Window
	tx      transport.NAKTransmitter
	clock   rxw.Clock
	limiter *rate.Limiter
	metrics Metrics

	tracking map[uint32]*retryState
}

// New constructs a Scheduler for window, sending NAKs through tx. clock and
// metrics may both be nil; a live clock is used and metrics are skipped.
func New(cfg Config, window *rxw.Window, tx transport.NAKTransmitter, clock rxw.Clock, metrics Metrics) *Scheduler {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = rxw.NewClock()
	}
	return &Scheduler{
		cfg:      cfg,
		window:   window,
		tx:       tx,
		clock:    clock,
		limiter:  rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		metrics:  metrics,
		tracking: make(map[uint32]*retryState),
	}
}

func (s *Scheduler) sendNAK(ctx context.Context, seq uint32) error {
	if err := s.tx.SendNAK(ctx, seq); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordNAKSent()
	}
	return nil
}

// Run ticks until ctx is done, locking lock around every tick.
func (s *Scheduler) Run(ctx context.Context, lock sync.Locker) error {
	defer func() {
		if r := recover(); r != nil {
			dlog.Errorf(ctx, "%+v", derror.PanicToError(r))
		}
	}()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			lock.Lock()
			s.tick(ctx)
			lock.Unlock()
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.serviceBackOff(ctx)
	s.serviceWaitNcf(ctx)
	s.window.Flush(ctx)
	s.purgeStale()
}

// serviceBackOff sends a NAK for every placeholder found in BackOff when the
// tick runs, whatever its age, and moves it to WaitNcf. The window resets
// bo_start on every re-queue (spec §4.8), so the age is not consulted and a
// placeholder waits at most one tick interval before its first NAK; the
// exponential schedule lives in serviceWaitNcf instead.
func (s *Scheduler) serviceBackOff(ctx context.Context) {
	err := s.window.StateForEach(ctx, rxw.BackOff, func(_ []byte, _ int, seq uint32, state *rxw.State, _ time.Duration, _ int, _ interface{}) bool {
		if !s.limiter.Allow() {
			return false
		}
		if err := s.sendNAK(ctx, seq); err != nil {
			dlog.Warnf(ctx, "nak: send for #%d failed: %v", seq, err)
			return false
		}
		dlog.Tracef(ctx, "nak: sent for #%d after back-off", seq)
		*state = rxw.WaitNcf
		s.tracking[seq] = &retryState{lastAttempt: s.clock.Now()}
		return false
	}, nil)
	if err != nil {
		dlog.Errorf(ctx, "nak: back-off service: %+v", err)
	}
}

// serviceWaitNcf resends a NAK for any slot whose exponential back-off
// deadline (initialDelay << retries) has elapsed, and gives up past
// MaxRetries, handing the slot to the window as Lost.
func (s *Scheduler) serviceWaitNcf(ctx context.Context) {
	now := s.clock.Now()
	err := s.window.StateForEach(ctx, rxw.WaitNcf, func(_ []byte, _ int, seq uint32, state *rxw.State, _ time.Duration, _ int, _ interface{}) bool {
		rs, ok := s.tracking[seq]
		if !ok {
			rs = &retryState{lastAttempt: now}
			s.tracking[seq] = rs
		}

		delay := s.cfg.InitialResendDelay << rs.retries
		if now-rs.lastAttempt < delay {
			return false
		}

		if rs.retries >= s.cfg.MaxRetries {
			dlog.Errorf(ctx, "nak: #%d given up after %d retries", seq, rs.retries)
			delete(s.tracking, seq)
			*state = rxw.Lost
			return false
		}

		if !s.limiter.Allow() {
			return false
		}
		if err := s.sendNAK(ctx, seq); err != nil {
			dlog.Warnf(ctx, "nak: resend for #%d failed: %v", seq, err)
			return false
		}
		rs.retries++
		rs.lastAttempt = now
		dlog.Tracef(ctx, "nak: resent #%d (attempt %d)", seq, rs.retries)
		return false
	}, nil)
	if err != nil {
		dlog.Errorf(ctx, "nak: wait-ncf service: %+v", err)
	}
}

// purgeStale drops retry bookkeeping for sequences the window has already
// moved past, so the map doesn't grow across a long-running session.
func (s *Scheduler) purgeStale() {
	trail := s.window.Trail()
	for seq := range s.tracking {
		if seqnum.Lt(seq, trail) {
			delete(s.tracking, seq)
		}
	}
}
