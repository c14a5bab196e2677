package terrain

import (
	"context"
	"sync"

	"tilestream.ai/internal/container"
	"tilestream.ai/internal/geom"
	"tilestream.ai/internal/stream"
	"tilestream.ai/internal/stream/grid"
)

// Collider receives the heightfields of physics cells.
type Collider interface {
	AddHeightfield(cell grid.Cell, rect geom.Rect, heights []byte)
	RemoveHeightfield(cell grid.Cell)
}

// Heightfield is a collider registered in a ColliderSet.
type Heightfield struct {
	Rect    geom.Rect
	Heights []byte
}

// ColliderSet is an in memory Collider.
type ColliderSet struct {
	mu     sync.RWMutex
	fields map[grid.Cell]Heightfield
}

func NewColliderSet() *ColliderSet {
	return &ColliderSet{fields: make(map[grid.Cell]Heightfield)}
}

func (s *ColliderSet) AddHeightfield(cell grid.Cell, rect geom.Rect, heights []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields[cell] = Heightfield{Rect: rect, Heights: heights}
}

func (s *ColliderSet) RemoveHeightfield(cell grid.Cell) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fields, cell)
}

func (s *ColliderSet) Get(cell grid.Cell) (Heightfield, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.fields[cell]
	return h, ok
}

func (s *ColliderSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fields)
}

// colliderChannel loads cell heightfields straight into a Collider. Cells
// without data get no collider.
type colliderChannel struct {
	store    *container.ChannelStore
	layout   grid.Layout
	size     int
	collider Collider
}

func (c *colliderChannel) Open() error  { return c.store.Open() }
func (c *colliderChannel) Close() error { return c.store.Close() }

func (c *colliderChannel) Load(ctx context.Context, cell grid.Cell, slot int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	buf := make([]byte, c.size)
	ok, err := c.store.Visit(c.layout.Index(cell), buf)
	if err != nil || !ok {
		return err
	}

	c.collider.AddHeightfield(cell, c.layout.CellRect(cell), buf)
	return nil
}

func (c *colliderChannel) Unload(cell grid.Cell, slot int) {
	c.collider.RemoveHeightfield(cell)
}

// OpenPhysics creates the physics grid. Channel 0 of the container holds one
// heightfield of size bytes per cell, row major over the layout.
func OpenPhysics(store *container.Store, layout grid.Layout, size int, opts stream.Options, collider Collider) (*grid.Content[int], error) {
	ch, err := store.Channel(0)
	if err != nil {
		return nil, err
	}

	return grid.New(layout, opts, layout.Index, &colliderChannel{
		store:    ch,
		layout:   layout,
		size:     size,
		collider: collider,
	})
}
