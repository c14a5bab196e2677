package tile

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
)

const ErrTypeIllegalTransition = "illegal-transition"

// State is the lifecycle state of a streamed tile.
type State uint8

const (
	// Unloaded tiles are neither resident nor wanted.
	Unloaded State = iota
	// Requested tiles are queued for streaming.
	Requested
	// Mapped tiles are resident and own a physical slot.
	Mapped
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Requested:
		return "requested"
	case Mapped:
		return "mapped"
	default:
		return "invalid"
	}
}

// CanTransition reports whether moving from s to next is part of the tile
// lifecycle.
func (s State) CanTransition(next State) bool {
	switch {
	case s == Unloaded && next == Requested:
		return true
	case s == Requested && (next == Mapped || next == Unloaded):
		return true
	case s == Mapped && next == Unloaded:
		return true
	default:
		return false
	}
}

// Record is the per-tile bookkeeping owned by a streaming cache. Payload
// carries use-case specific metadata such as height bounds.
type Record[P any] struct {
	Payload P

	state  State
	offset int
}

// NewRecord returns an unloaded record holding the given payload.
func NewRecord[P any](payload P) *Record[P] {
	return &Record[P]{Payload: payload}
}

func (r *Record[P]) State() State {
	return r.state
}

// PhysicalOffset returns the slot the tile is mapped to. It is only
// meaningful while the tile is Mapped.
func (r *Record[P]) PhysicalOffset() (int, bool) {
	if r.state != Mapped {
		return 0, false
	}
	return r.offset, true
}

// Request moves an unloaded tile to Requested. It returns false when the
// tile is already requested or mapped.
func (r *Record[P]) Request() bool {
	if r.state != Unloaded {
		return false
	}
	r.state = Requested
	return true
}

// Map finalizes a requested tile with its slot.
func (r *Record[P]) Map(offset int) error {
	if err := r.transition(Mapped); err != nil {
		return err
	}
	r.offset = offset
	return nil
}

// Unload moves the tile back to Unloaded and returns the previous state.
// The slot of a mapped tile is returned so the caller can release it.
func (r *Record[P]) Unload() (prev State, offset int) {
	prev, offset = r.state, r.offset
	r.state = Unloaded
	r.offset = 0
	return prev, offset
}

func (r *Record[P]) transition(next State) error {
	if !r.state.CanTransition(next) {
		return errors.New("illegal tile state transition").
			WithType(ErrTypeIllegalTransition).
			WithTag("from", r.state.String()).
			WithTag("to", next.String())
	}
	r.state = next
	return nil
}
