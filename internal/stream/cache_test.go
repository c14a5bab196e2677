package stream

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/stretchr/testify/require"

	"tilestream.ai/internal/container"
	"tilestream.ai/internal/stream/tile"
)

type fakeChannel struct {
	mu       sync.Mutex
	gates    map[string]chan struct{}
	fail     map[string]error
	openErr  error
	started  chan string
	loaded   []string
	unloaded []int
	opens    int
	closes   int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		gates:   make(map[string]chan struct{}),
		fail:    make(map[string]error),
		started: make(chan string, 64),
	}
}

func (f *fakeChannel) gate(key string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	g := make(chan struct{})
	f.gates[key] = g
	return g
}

func (f *fakeChannel) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.openErr != nil {
		return f.openErr
	}
	f.opens++
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeChannel) Load(ctx context.Context, key string, slot int) error {
	f.started <- key

	f.mu.Lock()
	g := f.gates[key]
	err := f.fail[key]
	f.mu.Unlock()

	if g != nil {
		<-g
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		f.loaded = append(f.loaded, key)
	}
	return err
}

func (f *fakeChannel) Unload(key string, slot int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloaded = append(f.unloaded, slot)
}

type table struct {
	records   map[string]*tile.Record[int]
	forgotten []string
	events    []Event
	drains    []DrainSummary
}

func (tbl *table) get(key string) *tile.Record[int] {
	r, ok := tbl.records[key]
	if !ok {
		r = tile.NewRecord(0)
		tbl.records[key] = r
	}
	return r
}

func newTestCache(t *testing.T, capacity int, channels ...Channel[string]) (*Cache[string, int], *table) {
	tbl := &table{records: make(map[string]*tile.Record[int])}

	var mu sync.Mutex
	c, err := New(Options{
		Name:     t.Name(),
		Capacity: capacity,
		OnEvent: func(e Event) {
			tbl.events = append(tbl.events, e)
		},
		OnDrain: func(s DrainSummary) {
			mu.Lock()
			defer mu.Unlock()
			tbl.drains = append(tbl.drains, s)
		},
	}, Hooks[string, int]{
		Lookup: func(key string) *tile.Record[int] {
			return tbl.records[key]
		},
		Forget: func(key string) {
			tbl.forgotten = append(tbl.forgotten, key)
			if r := tbl.records[key]; r != nil && r.State() == tile.Unloaded {
				delete(tbl.records, key)
			}
		},
	}, channels...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, tbl
}

func stateOf(c *Cache[string, int], tbl *table, key string) tile.State {
	var s tile.State
	c.View(func() {
		if r := tbl.records[key]; r != nil {
			s = r.State()
		}
	})
	return s
}

func TestCacheMapsRequestedTiles(t *testing.T) {
	ch := newFakeChannel()
	c, tbl := newTestCache(t, 4, ch)

	c.Update(func(tx *Txn[string, int]) {
		require.True(t, tx.Load("a", tbl.get("a")))
		require.True(t, tx.Load("b", tbl.get("b")))
		require.False(t, tx.Load("a", tbl.get("a")))
	})
	c.Wait()

	c.View(func() {
		for i, key := range []string{"a", "b"} {
			require.Equal(t, tile.Mapped, tbl.records[key].State())
			offset, ok := tbl.records[key].PhysicalOffset()
			require.True(t, ok)
			require.Equal(t, i, offset)
		}
	})
	require.Equal(t, 2, c.Stats().Free)
	require.Equal(t, 1, ch.opens)
	require.Equal(t, 1, ch.closes)
}

func TestCacheCancellationDuringFetch(t *testing.T) {
	ch := newFakeChannel()
	gate := ch.gate("a")
	c, tbl := newTestCache(t, 4, ch)

	c.Update(func(tx *Txn[string, int]) {
		tx.Load("a", tbl.get("a"))
	})
	require.Equal(t, "a", <-ch.started)

	c.Update(func(tx *Txn[string, int]) {
		tx.Unload("a", tbl.records["a"])
	})
	require.Equal(t, tile.Unloaded, stateOf(c, tbl, "a"))

	close(gate)
	c.Wait()

	require.Equal(t, 4, c.Stats().Free)
	c.View(func() {
		require.NotContains(t, tbl.records, "a")
		require.Contains(t, tbl.forgotten, "a")
		last := tbl.events[len(tbl.events)-1]
		require.Equal(t, ReasonCancelled, last.Reason)
		for _, e := range tbl.events {
			require.NotEqual(t, e.From, e.To)
		}
	})
	require.Equal(t, []int{0}, ch.unloaded)
}

func TestCacheRerequestDuringFetch(t *testing.T) {
	ch := newFakeChannel()
	gate := ch.gate("a")
	c, tbl := newTestCache(t, 4, ch)

	c.Update(func(tx *Txn[string, int]) {
		tx.Load("a", tbl.get("a"))
	})
	<-ch.started

	c.Update(func(tx *Txn[string, int]) {
		tx.Unload("a", tbl.records["a"])
		require.True(t, tx.Load("a", tbl.get("a")))
	})

	close(gate)
	c.Wait()

	require.Equal(t, tile.Mapped, stateOf(c, tbl, "a"))
	require.Equal(t, 3, c.Stats().Free)
	require.Equal(t, 0, c.Stats().Queued)
}

func TestCacheSkipsCancelledQueuedKeys(t *testing.T) {
	ch := newFakeChannel()
	gate := ch.gate("a")
	c, tbl := newTestCache(t, 4, ch)

	c.Update(func(tx *Txn[string, int]) {
		tx.Load("a", tbl.get("a"))
		tx.Load("b", tbl.get("b"))
	})
	<-ch.started

	c.Update(func(tx *Txn[string, int]) {
		tx.Unload("b", tbl.records["b"])
	})

	close(gate)
	c.Wait()

	require.Equal(t, tile.Mapped, stateOf(c, tbl, "a"))
	c.View(func() {
		require.NotContains(t, tbl.records, "b")
		require.Equal(t, []string{"b"}, tbl.forgotten)
	})
	require.Equal(t, []string{"a"}, ch.loaded)
}

func TestCacheBackpressure(t *testing.T) {
	ch := newFakeChannel()
	c, tbl := newTestCache(t, 1, ch)

	c.Update(func(tx *Txn[string, int]) {
		tx.Load("a", tbl.get("a"))
		tx.Load("b", tbl.get("b"))
	})
	c.Wait()

	require.Equal(t, tile.Mapped, stateOf(c, tbl, "a"))
	require.Equal(t, tile.Requested, stateOf(c, tbl, "b"))

	stats := c.Stats()
	require.Equal(t, 0, stats.Free)
	require.Equal(t, 1, stats.Queued)
	require.False(t, stats.Draining)

	require.Len(t, tbl.drains, 1)
	require.Equal(t, 1, tbl.drains[0].Mapped)
	require.Equal(t, 1, tbl.drains[0].Requeued)
	require.Equal(t, 1, tbl.drains[0].Pending)

	c.Update(func(tx *Txn[string, int]) {
		tx.Unload("a", tbl.records["a"])
	})
	c.Wait()

	require.Equal(t, tile.Unloaded, stateOf(c, tbl, "a"))
	require.Equal(t, tile.Mapped, stateOf(c, tbl, "b"))
	c.View(func() {
		offset, _ := tbl.records["b"].PhysicalOffset()
		require.Equal(t, 0, offset)
	})
}

func TestCacheFullPoolDoesNotReopenChannels(t *testing.T) {
	ch := newFakeChannel()
	c, tbl := newTestCache(t, 1, ch)

	c.Update(func(tx *Txn[string, int]) {
		tx.Load("a", tbl.get("a"))
		tx.Load("b", tbl.get("b"))
	})
	c.Wait()
	require.Equal(t, 1, ch.opens)

	for i := 0; i < 5; i++ {
		c.Update(func(tx *Txn[string, int]) {})
		c.Wait()
	}
	c.Update(func(tx *Txn[string, int]) {
		tx.Load("c", tbl.get("c"))
	})
	c.Wait()

	require.Equal(t, 1, ch.opens)
	require.Len(t, tbl.drains, 1)
	require.Equal(t, 2, c.Stats().Queued)

	c.Update(func(tx *Txn[string, int]) {
		tx.Unload("c", tbl.records["c"])
	})
	c.Wait()
	require.Equal(t, 2, ch.opens)
	require.Equal(t, tile.Requested, stateOf(c, tbl, "b"))
	require.Equal(t, 1, c.Stats().Queued)

	c.Update(func(tx *Txn[string, int]) {
		tx.Unload("a", tbl.records["a"])
	})
	c.Wait()
	require.Equal(t, 3, ch.opens)
	require.Equal(t, tile.Mapped, stateOf(c, tbl, "b"))
}

func TestCacheLoadAfterClose(t *testing.T) {
	ch := newFakeChannel()
	c, tbl := newTestCache(t, 2, ch)
	c.Close()

	c.Update(func(tx *Txn[string, int]) {
		require.False(t, tx.Load("a", tbl.get("a")))
	})

	require.Equal(t, tile.Unloaded, stateOf(c, tbl, "a"))
	require.Equal(t, 0, c.Stats().Queued)
	require.False(t, c.Stats().Draining)
	require.Zero(t, ch.opens)
}

func TestCacheFetchFailure(t *testing.T) {
	ch := newFakeChannel()
	ch.fail["a"] = errors.New("disk on fire")
	c, tbl := newTestCache(t, 2, ch)

	c.Update(func(tx *Txn[string, int]) {
		tx.Load("a", tbl.get("a"))
		tx.Load("b", tbl.get("b"))
	})
	c.Wait()

	require.Equal(t, 1, c.Stats().Free)
	require.Equal(t, tile.Mapped, stateOf(c, tbl, "b"))
	c.View(func() {
		require.NotContains(t, tbl.records, "a")
		require.Contains(t, tbl.forgotten, "a")
	})
	require.Equal(t, 1, tbl.drains[0].Failed)

	delete(ch.fail, "a")
	c.Update(func(tx *Txn[string, int]) {
		tx.Load("a", tbl.get("a"))
	})
	c.Wait()
	require.Equal(t, tile.Mapped, stateOf(c, tbl, "a"))
}

func TestCacheOpenFailureAbandonsRequests(t *testing.T) {
	ch := newFakeChannel()
	ch.openErr = errors.New("missing container")
	c, tbl := newTestCache(t, 2, ch)

	c.Update(func(tx *Txn[string, int]) {
		tx.Load("a", tbl.get("a"))
	})
	c.Wait()

	require.Equal(t, 0, c.Stats().Queued)
	c.View(func() {
		require.NotContains(t, tbl.records, "a")
	})
	require.Equal(t, 1, tbl.drains[0].Failed)
}

func TestCacheUnloadMapped(t *testing.T) {
	ch := newFakeChannel()
	c, tbl := newTestCache(t, 2, ch)

	c.Update(func(tx *Txn[string, int]) {
		tx.Load("a", tbl.get("a"))
	})
	c.Wait()

	c.Update(func(tx *Txn[string, int]) {
		r := tbl.records["a"]
		tx.Unload("a", r)
		tx.Unload("a", r)
	})

	require.Equal(t, 2, c.Stats().Free)
	require.Equal(t, []int{0}, ch.unloaded)

	var reasons []Reason
	c.View(func() {
		for _, e := range tbl.events {
			reasons = append(reasons, e.Reason)
		}
	})
	require.Equal(t, []Reason{ReasonRequested, ReasonMapped, ReasonUnloaded}, reasons)
}

func TestNewCacheValidatesOptions(t *testing.T) {
	_, err := New(Options{Capacity: 1}, Hooks[string, int]{})
	require.True(t, errors.IsType(err, ErrTypeInvalidOptions))

	_, err = New(Options{}, Hooks[string, int]{
		Lookup: func(string) *tile.Record[int] { return nil },
	})
	require.True(t, errors.IsType(err, ErrTypeInvalidOptions))
}

type memFile struct {
	*bytes.Reader
}

func (memFile) Close() error { return nil }

func TestSlotChannelWithArraySink(t *testing.T) {
	w := container.NewWriter(2, 1, container.Zstd{})
	require.NoError(t, w.Set(1, 0, []byte{1, 2, 3, 4}))

	var buf bytes.Buffer
	_, err := w.WriteTo(&buf)
	require.NoError(t, err)

	store, err := container.NewStore(func() (io.ReadCloser, error) {
		return memFile{bytes.NewReader(buf.Bytes())}, nil
	}, container.Zstd{})
	require.NoError(t, err)

	channel, err := store.Channel(0)
	require.NoError(t, err)

	var grown []int
	sink := NewArraySink(func(size int) { grown = append(grown, size) })
	ch := NewSlotChannel(channel, 4, func(key int) int { return key }, sink)

	require.NoError(t, ch.Open())
	defer ch.Close()

	require.NoError(t, ch.Load(context.Background(), 1, 40))
	require.Equal(t, []byte{1, 2, 3, 4}, sink.Slot(40))
	require.Equal(t, 64, sink.Size())
	require.Equal(t, []int{64}, grown)

	require.NoError(t, ch.Load(context.Background(), 0, 2))
	require.Equal(t, []byte{0, 0, 0, 0}, sink.Slot(2))

	ch.Unload(1, 40)
	require.Nil(t, sink.Slot(40))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, ch.Load(ctx, 1, 3))
}
