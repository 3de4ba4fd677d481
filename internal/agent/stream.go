package agent

import (
	"context"
	"sync"
)

const defaultStreamSize = 256

// Stream is an adapter's outbound event channel. It exists from adapter
// construction so a consumer can attach before the adapter starts emitting,
// and it is never closed while producers may still send: Close only signals
// Done.
type Stream struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewStream returns a stream buffering up to size events. Senders block when
// the buffer is full.
func NewStream(size int) *Stream {
	if size <= 0 {
		size = defaultStreamSize
	}
	return &Stream{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

// Send delivers ev in order. It returns false if ctx ends or the stream is
// closed before the event could be queued.
func (s *Stream) Send(ctx context.Context, ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}

// Events is the receive side handed to the bus.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Done is closed once the stream is shut down for good.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Close stops further sends. Events already buffered stay readable.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
