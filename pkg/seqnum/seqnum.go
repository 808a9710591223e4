// Package seqnum implements sliding-window comparisons for the 32-bit
// wraparound sequence numbers used throughout the receive window. Every
// comparison of two sequence numbers in this module, and nowhere else,
// routes through here; a raw unsigned compare silently breaks on wraparound.
package seqnum

// Gt reports whether a is ahead of b in sliding-window order.
func Gt(a, b uint32) bool {
	return int32(a-b) > 0
}

// Ge reports whether a is at or ahead of b in sliding-window order.
func Ge(a, b uint32) bool {
	return int32(a-b) >= 0
}

// Lt reports whether a is behind b in sliding-window order.
func Lt(a, b uint32) bool {
	return int32(a-b) < 0
}

// Le reports whether a is at or behind b in sliding-window order.
func Le(a, b uint32) bool {
	return int32(a-b) <= 0
}

// Distance returns the forward distance from a to b, i.e. how far a must
// advance to reach b. Callers must already know b is not behind a.
func Distance(a, b uint32) uint32 {
	return b - a
}
