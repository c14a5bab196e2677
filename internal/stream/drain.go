package stream

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"golang.org/x/sync/errgroup"

	"tilestream.ai/internal/stream/tile"
)

// drain maps queued requests into free slots until the queue is empty, a
// full rotation of the queue finds no free slot, or the cache is closed.
// Fetches run without the cache lock; the tile state is re-checked once the
// fetch returns so that cancelled tiles give their slot back.
func (c *Cache[K, P]) drain() {
	defer c.wg.Done()

	sum := DrainSummary{Cache: c.opts.Name, Started: time.Now()}
	defer func() {
		sum.Duration = time.Since(sum.Started)
		instrumentDrain(sum)
		if c.opts.OnDrain != nil {
			c.opts.OnDrain(sum)
		}
	}()

	closeSession, err := c.openSession()
	if err != nil {
		logs.Warn(errors.New("opening tile channels failed").
			WithTag("cache", c.opts.Name).
			Wrap(err))

		c.mu.Lock()
		sum.Failed += c.abandonLocked(err)
		c.draining = false
		c.mu.Unlock()
		return
	}
	defer closeSession()

	logs.WithTag("cache", c.opts.Name).Debug("drain started")

	stalled := 0
	for {
		c.mu.Lock()
		if c.ctx.Err() != nil {
			c.abandonLocked(c.ctx.Err())
		}
		if len(c.queue) == 0 || stalled >= len(c.queue) {
			sum.Pending = len(c.queue)
			c.draining = false
			instrumentQueue(c.opts.Name, len(c.queue))
			c.mu.Unlock()
			return
		}

		key := c.queue[0]
		var zero K
		c.queue[0] = zero
		c.queue = c.queue[1:]

		rec := c.hooks.Lookup(key)
		if rec == nil || rec.State() != tile.Requested {
			if rec == nil || rec.State() == tile.Unloaded {
				c.hooks.Forget(key)
			}
			sum.Skipped++
			stalled = 0
			c.mu.Unlock()
			continue
		}

		if c.pool.Count() == 0 {
			c.queue = append(c.queue, key)
			sum.Requeued++
			stalled++
			c.mu.Unlock()
			continue
		}

		slot, err := c.pool.Acquire()
		if err != nil {
			panic(err)
		}
		instrumentSlots(c.opts.Name, c.pool.Capacity()-c.pool.Count())
		stalled = 0
		c.mu.Unlock()

		start := time.Now()
		err = c.fetch(key, slot)
		instrumentFetch(c.opts.Name, time.Since(start), err)

		c.mu.Lock()
		rec = c.hooks.Lookup(key)
		switch {
		case err != nil:
			c.unloadChannels(key, slot)
			c.release(slot)
			if rec != nil && rec.State() == tile.Requested {
				rec.Unload()
				c.emit(key, tile.Requested, tile.Unloaded, slot, ReasonFailed, err)
			}
			if rec == nil || rec.State() == tile.Unloaded {
				c.hooks.Forget(key)
			}
			sum.Failed++

			logs.WithTag("cache", c.opts.Name).
				WithTag("key", c.hooks.Describe(key)).
				Warn(errors.New("tile fetch failed").Wrap(err))

		case rec == nil || rec.State() != tile.Requested:
			c.unloadChannels(key, slot)
			c.release(slot)
			if rec == nil || rec.State() == tile.Unloaded {
				c.hooks.Forget(key)
			}
			sum.Discarded++

		default:
			if err := rec.Map(slot); err != nil {
				panic(err)
			}
			c.emit(key, tile.Requested, tile.Mapped, slot, ReasonMapped, nil)
			sum.Mapped++
		}
		c.mu.Unlock()
	}
}

// abandonLocked returns every queued request to Unloaded.
func (c *Cache[K, P]) abandonLocked(cause error) int {
	n := 0
	for _, key := range c.queue {
		rec := c.hooks.Lookup(key)
		if rec != nil && rec.State() == tile.Requested {
			rec.Unload()
			c.emit(key, tile.Requested, tile.Unloaded, -1, ReasonFailed, cause)
			n++
		}
		if rec == nil || rec.State() == tile.Unloaded {
			c.hooks.Forget(key)
		}
	}
	c.queue = nil
	return n
}

// openSession opens every channel for the duration of one drain.
func (c *Cache[K, P]) openSession() (func(), error) {
	opened := make([]Channel[K], 0, len(c.channels))
	closeAll := func() {
		for _, ch := range opened {
			if err := ch.Close(); err != nil {
				logs.Warn(errors.New("closing tile channel failed").
					WithTag("cache", c.opts.Name).
					Wrap(err))
			}
		}
	}

	for _, ch := range c.channels {
		if err := ch.Open(); err != nil {
			closeAll()
			return nil, err
		}
		opened = append(opened, ch)
	}
	return closeAll, nil
}

// fetch loads all channels of a tile in parallel.
func (c *Cache[K, P]) fetch(key K, slot int) error {
	ctx := c.ctx
	if c.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.FetchTimeout)
		defer cancel()
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.New("waiting for load budget failed").Wrap(err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, ch := range c.channels {
		ch := ch
		g.Go(func() error {
			return ch.Load(ctx, key, slot)
		})
	}
	return g.Wait()
}
