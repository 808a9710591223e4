package rxw

import "time"

// slot represents one sequence number's worth of window state. It is
// either a placeholder (no data, state one of BackOff/WaitNcf/WaitData) or
// a fully received packet (state HaveData). A slot belongs to at most one
// of the window's three state queues at a time; the prev/next links below
// are that queue's intrusive doubly linked list pointers, not a general
// purpose list — see Window.queueFor.
type slot struct {
	sequence uint32
	data     []byte
	length   int
	state    State

	boStart        time.Duration
	nakSent        time.Duration
	ncfReceived    time.Duration
	ncfRetryCount  int
	dataRetryCount int

	prev, next *slot
}

func (s *slot) reset() {
	s.sequence = 0
	s.data = nil
	s.length = 0
	s.state = BackOff
	s.boStart = 0
	s.nakSent = 0
	s.ncfReceived = 0
	s.ncfRetryCount = 0
	s.dataRetryCount = 0
	s.prev = nil
	s.next = nil
}
