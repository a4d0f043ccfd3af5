package protocol

import "sync/atomic"

// SeqGen is an atomic sequence number generator shared by every writer on
// one DataChannel.
type SeqGen struct {
	val atomic.Uint32
}

// Next returns the next sequence number (monotonically increasing from 1).
func (s *SeqGen) Next() uint32 {
	return s.val.Add(1)
}
