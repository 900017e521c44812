package turn

import "sync/atomic"

// Sequencer owns the session's epoch counter and decides, at send time,
// whether a chunk may still reach the client. Only the current epoch is
// admitted, and only until it is cancelled.
type Sequencer struct {
	current   atomic.Uint64
	cancelled atomic.Uint64
}

// Begin starts a new epoch and returns its ID. Earlier epochs stop being
// admitted immediately.
func (s *Sequencer) Begin() uint64 {
	return s.current.Add(1)
}

func (s *Sequencer) Current() uint64 {
	return s.current.Load()
}

// Cancel retires epoch and every epoch before it.
func (s *Sequencer) Cancel(epoch uint64) {
	for {
		prev := s.cancelled.Load()
		if epoch <= prev || s.cancelled.CompareAndSwap(prev, epoch) {
			return
		}
	}
}

// Admit reports whether a chunk of epoch may be transmitted now.
func (s *Sequencer) Admit(epoch uint64) bool {
	return epoch != 0 && epoch == s.current.Load() && epoch > s.cancelled.Load()
}
