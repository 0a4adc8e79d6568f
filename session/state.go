package session

import (
	"sync"

	"github.com/trnila/rollerctrl/protocol"
)

// StreamingState records the masks most recently sent to the device. Only
// the Encoder writes it, after the transport accepted the command.
type StreamingState struct {
	mu    sync.RWMutex
	mask  protocol.StreamingMask
	mask2 protocol.StreamingMask2
}

func (s *StreamingState) CurrentMask() protocol.StreamingMask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mask
}

func (s *StreamingState) CurrentMask2() protocol.StreamingMask2 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mask2
}

// Current returns both masks from the same update.
func (s *StreamingState) Current() (protocol.StreamingMask, protocol.StreamingMask2) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mask, s.mask2
}

// Streaming reports whether any channel is enabled.
func (s *StreamingState) Streaming() bool {
	m, m2 := s.Current()
	return m != protocol.StreamingMaskOff || m2 != protocol.StreamingMask2Off
}

func (s *StreamingState) set(mask protocol.StreamingMask, mask2 protocol.StreamingMask2) {
	s.mu.Lock()
	s.mask = mask
	s.mask2 = mask2
	s.mu.Unlock()
}

func (s *StreamingState) reset() { s.set(protocol.StreamingMaskOff, protocol.StreamingMask2Off) }
