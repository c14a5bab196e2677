// Package grid streams tiles of a regular grid around a set of observers.
// Records exist only for cells that were requested; they are dropped once
// their tile is unloaded.
package grid

import (
	"fmt"
	"math"

	"tilestream.ai/internal/geom"
	"tilestream.ai/internal/stream"
	"tilestream.ai/internal/stream/tile"
)

type Cell struct {
	X, Y int
}

func (c Cell) String() string {
	return fmt.Sprintf("%d,%d", c.X, c.Y)
}

// Layout places the cells of a grid in the world. Bounds are in cells.
type Layout struct {
	Left, Top     int
	Width, Height int
	Origin        geom.Vec2
	CellSize      geom.Vec2
}

func (l Layout) Contains(c Cell) bool {
	return c.X >= l.Left && c.X < l.Left+l.Width && c.Y >= l.Top && c.Y < l.Top+l.Height
}

// Index is the position of a cell in a row major container.
func (l Layout) Index(c Cell) int {
	return l.Width*(c.Y-l.Top) + (c.X - l.Left)
}

// CellRect returns the world rectangle of a cell.
func (l Layout) CellRect(c Cell) geom.Rect {
	return geom.Rect{
		X:      l.Origin.X + float64(c.X)*l.CellSize.X,
		Y:      l.Origin.Y + float64(c.Y)*l.CellSize.Y,
		Width:  l.CellSize.X,
		Height: l.CellSize.Y,
	}
}

// CellsAround returns the cells within d of p, clipped to the layout.
func (l Layout) CellsAround(p geom.Vec2, d float64) []Cell {
	left := max(int(math.Floor((p.X-d-l.Origin.X)/l.CellSize.X)), l.Left)
	right := min(int(math.Ceil((p.X+d-l.Origin.X)/l.CellSize.X)), l.Left+l.Width)
	top := max(int(math.Floor((p.Y-d-l.Origin.Y)/l.CellSize.Y)), l.Top)
	bottom := min(int(math.Ceil((p.Y+d-l.Origin.Y)/l.CellSize.Y)), l.Top+l.Height)

	var cells []Cell
	for y := top; y < bottom; y++ {
		for x := left; x < right; x++ {
			cells = append(cells, Cell{X: x, Y: y})
		}
	}
	return cells
}

// Observer requests the cells around a ground position.
type Observer struct {
	Position       geom.Vec2
	LoadingRange   float64
	UnloadingRange float64
}

func NewObserver() *Observer {
	return &Observer{
		LoadingRange:   100,
		UnloadingRange: 200,
	}
}

func (o *Observer) ShouldLoad(r geom.Rect) bool {
	return r.Inflate(o.LoadingRange).Contains(o.Position)
}

func (o *Observer) ShouldUnload(r geom.Rect) bool {
	return !r.Inflate(o.UnloadingRange).Contains(o.Position)
}

// Content is a grid backed streaming cache.
type Content[P any] struct {
	layout     Layout
	newPayload func(Cell) P
	cache      *stream.Cache[Cell, P]
	tiles      map[Cell]*tile.Record[P]
	observers  []*Observer
}

// New creates a grid content. newPayload builds the metadata of a record
// when a cell is first requested.
func New[P any](layout Layout, opts stream.Options, newPayload func(Cell) P, channels ...stream.Channel[Cell]) (*Content[P], error) {
	c := &Content[P]{
		layout:     layout,
		newPayload: newPayload,
		tiles:      make(map[Cell]*tile.Record[P]),
	}

	cache, err := stream.New(opts, stream.Hooks[Cell, P]{
		Lookup: func(cell Cell) *tile.Record[P] {
			return c.tiles[cell]
		},
		Forget: func(cell Cell) {
			if r := c.tiles[cell]; r != nil && r.State() == tile.Unloaded {
				delete(c.tiles, cell)
			}
		},
		Describe: Cell.String,
	}, channels...)
	if err != nil {
		return nil, err
	}

	c.cache = cache
	return c, nil
}

func (c *Content[P]) Layout() Layout {
	return c.layout
}

func (c *Content[P]) Cache() *stream.Cache[Cell, P] {
	return c.cache
}

// AddObserver registers an observer. Observers must not be changed while
// Observe runs.
func (c *Content[P]) AddObserver(o *Observer) {
	c.cache.Update(func(*stream.Txn[Cell, P]) {
		c.observers = append(c.observers, o)
	})
}

func (c *Content[P]) RemoveObserver(o *Observer) {
	c.cache.Update(func(*stream.Txn[Cell, P]) {
		for i, obs := range c.observers {
			if obs == o {
				c.observers = append(c.observers[:i], c.observers[i+1:]...)
				return
			}
		}
	})
}

// Observe unloads the tiles every observer has moved away from and requests
// the cells around each observer.
func (c *Content[P]) Observe() {
	c.cache.Update(func(tx *stream.Txn[Cell, P]) {
		for cell, rec := range c.tiles {
			if c.shouldUnload(c.layout.CellRect(cell)) {
				tx.Unload(cell, rec)
			}
		}

		for _, o := range c.observers {
			for _, cell := range c.layout.CellsAround(o.Position, o.LoadingRange) {
				tx.Load(cell, c.record(cell))
			}
		}
	})
}

func (c *Content[P]) shouldUnload(r geom.Rect) bool {
	for _, o := range c.observers {
		if !o.ShouldUnload(r) {
			return false
		}
	}
	return true
}

func (c *Content[P]) record(cell Cell) *tile.Record[P] {
	r, ok := c.tiles[cell]
	if !ok {
		var payload P
		if c.newPayload != nil {
			payload = c.newPayload(cell)
		}
		r = tile.NewRecord(payload)
		c.tiles[cell] = r
	}
	return r
}

// Tile is a resident grid tile.
type Tile[P any] struct {
	Cell    Cell
	Slot    int
	Payload P
}

// Mapped returns the resident tiles.
func (c *Content[P]) Mapped() []Tile[P] {
	var tiles []Tile[P]
	c.cache.View(func() {
		for cell, r := range c.tiles {
			if slot, ok := r.PhysicalOffset(); ok {
				tiles = append(tiles, Tile[P]{Cell: cell, Slot: slot, Payload: r.Payload})
			}
		}
	})
	return tiles
}

// State returns the state of a cell. Cells without a record are Unloaded.
func (c *Content[P]) State(cell Cell) tile.State {
	s := tile.Unloaded
	c.cache.View(func() {
		if r := c.tiles[cell]; r != nil {
			s = r.State()
		}
	})
	return s
}

// Len returns the number of records, whatever their state.
func (c *Content[P]) Len() int {
	n := 0
	c.cache.View(func() {
		n = len(c.tiles)
	})
	return n
}

func (c *Content[P]) Close() {
	c.cache.Close()
}
