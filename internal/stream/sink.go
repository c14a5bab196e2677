package stream

import (
	"context"
	"sync"

	"tilestream.ai/internal/container"
)

// SinkGrowth is the number of slots an ArraySink grows by.
const SinkGrowth = 32

// Sink receives the decoded bytes of tiles by physical slot.
type Sink interface {
	Store(slot int, data []byte)
	Clear(slot int)
}

// ArraySink keeps one buffer per physical slot, the way a texture array
// would. It grows in steps of SinkGrowth when a slot beyond its size is
// written.
type ArraySink struct {
	mu     sync.RWMutex
	slots  [][]byte
	onGrow func(size int)
}

// NewArraySink returns a sink with SinkGrowth slots. onGrow, when set, is
// called with the new size every time the sink grows.
func NewArraySink(onGrow func(size int)) *ArraySink {
	return &ArraySink{
		slots:  make([][]byte, SinkGrowth),
		onGrow: onGrow,
	}
}

func (s *ArraySink) Store(slot int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slot >= len(s.slots) {
		size := len(s.slots)
		for size <= slot {
			size += SinkGrowth
		}

		grown := make([][]byte, size)
		copy(grown, s.slots)
		s.slots = grown

		if s.onGrow != nil {
			s.onGrow(size)
		}
	}
	s.slots[slot] = data
}

func (s *ArraySink) Clear(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slot < len(s.slots) {
		s.slots[slot] = nil
	}
}

// Slot returns the bytes stored for a slot. The returned slice must not be
// modified.
func (s *ArraySink) Slot(slot int) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if slot < 0 || slot >= len(s.slots) {
		return nil
	}
	return s.slots[slot]
}

// Size returns the number of slots the sink can currently hold.
func (s *ArraySink) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// SlotChannel streams one container channel into a Sink. Tiles without data
// on the channel receive a shared zero filled buffer.
type SlotChannel[K comparable] struct {
	store    *container.ChannelStore
	index    func(key K) int
	size     int
	sink     Sink
	fallback []byte
}

// NewSlotChannel creates a channel decoding tiles of size bytes. index maps
// a key to its tile index in the container.
func NewSlotChannel[K comparable](store *container.ChannelStore, size int, index func(key K) int, sink Sink) *SlotChannel[K] {
	return &SlotChannel[K]{
		store:    store,
		index:    index,
		size:     size,
		sink:     sink,
		fallback: make([]byte, size),
	}
}

func (c *SlotChannel[K]) Open() error  { return c.store.Open() }
func (c *SlotChannel[K]) Close() error { return c.store.Close() }

func (c *SlotChannel[K]) Load(ctx context.Context, key K, slot int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	buf := make([]byte, c.size)
	ok, err := c.store.Visit(c.index(key), buf)
	if err != nil {
		return err
	}
	if !ok {
		buf = c.fallback
	}

	c.sink.Store(slot, buf)
	return nil
}

func (c *SlotChannel[K]) Unload(key K, slot int) {
	c.sink.Clear(slot)
}
