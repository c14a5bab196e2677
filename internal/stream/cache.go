// Package stream is the generic tile streaming engine. A Cache owns a fixed
// pool of physical slots and a FIFO of requested keys; a single background
// drain maps requested tiles into free slots by fetching them through the
// registered channels.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"golang.org/x/time/rate"

	"tilestream.ai/internal/stream/slotpool"
	"tilestream.ai/internal/stream/tile"
)

// Channel fetches one data stream of a tile into a physical slot. Channels
// are opened once per drain and may be shared between caches.
type Channel[K comparable] interface {
	Open() error
	Close() error
	Load(ctx context.Context, key K, slot int) error
}

// Unloader is implemented by channels that keep per-slot resources which
// must be dropped when a tile leaves its slot.
type Unloader[K comparable] interface {
	Unload(key K, slot int)
}

type Options struct {
	// Name labels logs, metrics and events.
	Name string
	// Capacity is the number of physical slots.
	Capacity int
	// LoadsPerSecond limits the drain rate. Zero means unlimited.
	LoadsPerSecond float64
	// FetchTimeout bounds a single tile fetch. Zero means no timeout.
	FetchTimeout time.Duration
	// OnEvent receives every tile state transition.
	OnEvent func(Event)
	// OnDrain receives a summary when a drain ends.
	OnDrain func(DrainSummary)
}

// Hooks connect the engine to the record table of a specialization.
type Hooks[K comparable, P any] struct {
	// Lookup returns the record of key or nil when it no longer exists. It
	// must not create records.
	Lookup func(key K) *tile.Record[P]
	// Forget is called when key holds neither a slot nor a pending request.
	Forget func(key K)
	// Describe renders a key for events. Defaults to fmt.Sprint.
	Describe func(key K) string
}

// Cache is the streaming engine shared by the grid and tree contents.
type Cache[K comparable, P any] struct {
	opts     Options
	hooks    Hooks[K, P]
	channels []Channel[K]
	limiter  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	pool     *slotpool.Pool
	queue    []K
	draining bool
	closed   bool
}

// New creates a cache. Hooks.Lookup is required.
func New[K comparable, P any](opts Options, hooks Hooks[K, P], channels ...Channel[K]) (*Cache[K, P], error) {
	if hooks.Lookup == nil {
		return nil, errors.New("missing record lookup").
			WithType(ErrTypeInvalidOptions).
			WithTag("cache", opts.Name)
	}
	if opts.Capacity <= 0 {
		return nil, errors.New("capacity must be positive").
			WithType(ErrTypeInvalidOptions).
			WithTag("cache", opts.Name).
			WithTag("capacity", opts.Capacity)
	}
	if hooks.Forget == nil {
		hooks.Forget = func(K) {}
	}
	if hooks.Describe == nil {
		hooks.Describe = func(k K) string { return fmt.Sprint(k) }
	}

	c := &Cache[K, P]{
		opts:     opts,
		hooks:    hooks,
		channels: channels,
		pool:     slotpool.New(opts.Capacity),
	}
	if opts.LoadsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.LoadsPerSecond), 1)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	instrumentCapacity(opts.Name, opts.Capacity)
	return c, nil
}

func (c *Cache[K, P]) Name() string {
	return c.opts.Name
}

// Update runs fn with exclusive access to the record table and schedules a
// drain afterwards when requests are pending.
func (c *Cache[K, P]) Update(fn func(tx *Txn[K, P])) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fn(&Txn[K, P]{c: c})

	instrumentQueue(c.opts.Name, len(c.queue))
	if !c.draining && !c.closed && c.drainableLocked() {
		c.draining = true
		c.wg.Add(1)
		go c.drain()
	}
}

// drainableLocked reports whether a drain could make progress: a slot is
// free or a queued request was cancelled and waits to be dropped.
func (c *Cache[K, P]) drainableLocked() bool {
	if len(c.queue) == 0 {
		return false
	}
	if c.pool.Count() > 0 {
		return true
	}
	for _, key := range c.queue {
		if rec := c.hooks.Lookup(key); rec == nil || rec.State() != tile.Requested {
			return true
		}
	}
	return false
}

// View runs fn with exclusive access to the record table. Record states do
// not change while fn runs.
func (c *Cache[K, P]) View(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

// Stats is a point in time view of a cache.
type Stats struct {
	Capacity int
	Free     int
	Queued   int
	Draining bool
}

func (c *Cache[K, P]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Capacity: c.pool.Capacity(),
		Free:     c.pool.Count(),
		Queued:   len(c.queue),
		Draining: c.draining,
	}
}

// Wait blocks until no drain is running.
func (c *Cache[K, P]) Wait() {
	c.wg.Wait()
}

// Close stops streaming. A running drain finishes its current fetch and
// returns the remaining requests to Unloaded.
func (c *Cache[K, P]) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// Txn is the handle through which specializations change tile states.
type Txn[K comparable, P any] struct {
	c *Cache[K, P]
}

// Load requests an unloaded tile. It returns true when the key was newly
// queued.
func (tx *Txn[K, P]) Load(key K, rec *tile.Record[P]) bool {
	c := tx.c
	if c.closed || !rec.Request() {
		return false
	}

	c.queue = append(c.queue, key)
	c.emit(key, tile.Unloaded, tile.Requested, -1, ReasonRequested, nil)
	return true
}

// Unload releases the slot of a mapped tile or cancels a pending request.
// A cancelled key stays queued and is dropped when the drain reaches it.
func (tx *Txn[K, P]) Unload(key K, rec *tile.Record[P]) {
	prev, slot := rec.Unload()

	c := tx.c
	switch prev {
	case tile.Mapped:
		c.unloadChannels(key, slot)
		c.release(slot)
		c.emit(key, tile.Mapped, tile.Unloaded, slot, ReasonUnloaded, nil)
		c.hooks.Forget(key)

	case tile.Requested:
		c.emit(key, tile.Requested, tile.Unloaded, -1, ReasonCancelled, nil)
	}
}

func (c *Cache[K, P]) release(slot int) {
	if err := c.pool.Release(slot); err != nil {
		panic(err)
	}
	instrumentSlots(c.opts.Name, c.pool.Capacity()-c.pool.Count())
}

func (c *Cache[K, P]) unloadChannels(key K, slot int) {
	for _, ch := range c.channels {
		if u, ok := ch.(Unloader[K]); ok {
			u.Unload(key, slot)
		}
	}
}

func (c *Cache[K, P]) emit(key K, from, to tile.State, slot int, reason Reason, err error) {
	if c.opts.OnEvent == nil {
		return
	}

	c.opts.OnEvent(Event{
		Cache:  c.opts.Name,
		Key:    c.hooks.Describe(key),
		From:   from,
		To:     to,
		Slot:   slot,
		Reason: reason,
		Err:    err,
		Time:   time.Now(),
	})
}
