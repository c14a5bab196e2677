package stream

import (
	"time"

	"tilestream.ai/internal/stream/tile"
)

const ErrTypeInvalidOptions = "invalid-stream-options"

// Reason explains a tile event.
type Reason string

const (
	ReasonRequested Reason = "requested"
	ReasonMapped    Reason = "mapped"
	ReasonCancelled Reason = "cancelled"
	ReasonUnloaded  Reason = "unloaded"
	ReasonFailed    Reason = "failed"
)

// Event describes one tile state change. Slot is -1 when no slot was
// involved.
type Event struct {
	Cache  string
	Key    string
	From   tile.State
	To     tile.State
	Slot   int
	Reason Reason
	Err    error
	Time   time.Time
}

// DrainSummary reports what one drain did.
type DrainSummary struct {
	Cache     string
	Started   time.Time
	Duration  time.Duration
	Mapped    int
	Discarded int
	Failed    int
	Skipped   int
	Requeued  int
	// Pending is the number of requests left queued because no slot was
	// free.
	Pending int
}
