package pipeline

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/stonebridge-group/diligence-cli/internal/model"
)

// DefaultBusBuffer is the event channel capacity. A stalled subscriber drops
// events rather than stalling extraction.
const DefaultBusBuffer = 256

// Bus streams typed progress events to a single subscriber. Publish never
// blocks; when the buffer is full the event is counted as dropped.
type Bus struct {
	ch      chan model.Event
	dropped atomic.Int64

	mu     sync.Mutex
	closed bool
}

// NewBus creates a Bus with the given buffer size (0 means DefaultBusBuffer).
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBusBuffer
	}
	return &Bus{ch: make(chan model.Event, buffer)}
}

// Events returns the subscriber channel. It is closed by Close.
func (b *Bus) Events() <-chan model.Event {
	return b.ch
}

// Publish delivers the event if buffer space is available.
func (b *Bus) Publish(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- ev:
	default:
		n := b.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			zap.L().Warn("event bus full, dropping events",
				zap.String("type", string(ev.Type)),
				zap.Int64("dropped_total", n),
			)
		}
	}
}

// Dropped returns the number of events discarded due to a full buffer.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes the subscriber channel. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}
