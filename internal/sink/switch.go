package sink

import (
	"sync"

	"github.com/audiograph/echotap/pkg/capture"
)

// Switchable is a sink indirection that lets the daemon swap the output
// destination while the capture source keeps running, used when a config
// reload changes the file sink settings.
type Switchable struct {
	mu  sync.RWMutex
	dst capture.Sink
}

// NewSwitchable returns a Switchable forwarding to dst. A nil dst behaves
// like [Discard] until the first Swap.
func NewSwitchable(dst capture.Sink) *Switchable {
	return &Switchable{dst: dst}
}

// Emit forwards the frame to the current destination.
func (s *Switchable) Emit(f capture.Frame) {
	s.mu.RLock()
	dst := s.dst
	s.mu.RUnlock()

	if dst != nil {
		dst.Emit(f)
	}
}

// Swap replaces the destination and returns the previous one so the caller
// can close it.
func (s *Switchable) Swap(dst capture.Sink) capture.Sink {
	s.mu.Lock()
	old := s.dst
	s.dst = dst
	s.mu.Unlock()
	return old
}
