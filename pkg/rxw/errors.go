package rxw

import "github.com/pkg/errors"

// ErrNotInTxWindow is returned by Push and NCF when the given sequence
// number falls outside the sender's currently advertised retransmittable
// range. The caller may log and account for it; there is no corrective
// action the window itself can take.
var ErrNotInTxWindow = errors.New("rxw: sequence not in transmit window")

// ErrInvariantViolation marks a state the window should never reach if the
// caller and the iteration callback honor their contracts (a slot missing
// where one must exist, a post-callback state outside {BackOff, WaitNcf,
// Lost}). In debug-sensitive callers this should be treated as a corrupt
// window.
var ErrInvariantViolation = errors.New("rxw: invariant violation")
