package rxw

// State is the state of a single slot in the receive window.
type State int

const (
	// BackOff is the state of a freshly created placeholder, waiting for
	// its NAK back-off timer to expire before a NAK is sent.
	BackOff State = iota
	// WaitNcf is the state of a slot for which a NAK has been sent and
	// we are waiting for the sender's NCF confirming a retransmit.
	WaitNcf
	// WaitData is the state of a slot for which an NCF has been received
	// (or pre-emptively created) and we are waiting for the retransmitted
	// data.
	WaitData
	// HaveData is the state of a slot holding a fully received payload.
	HaveData
	// Lost is the terminal state applied by the iteration callback when
	// it gives up on a slot; see Window.evictLost.
	Lost
)

func (s State) String() string {
	switch s {
	case BackOff:
		return "BACK-OFF"
	case WaitNcf:
		return "WAIT-NCF"
	case WaitData:
		return "WAIT-DATA"
	case HaveData:
		return "HAVE-DATA"
	case Lost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}
