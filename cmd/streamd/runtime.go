package main

import (
	"sort"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"

	"tilestream.ai/internal/config"
	"tilestream.ai/internal/container"
	"tilestream.ai/internal/geom"
	"tilestream.ai/internal/persistence/indexdb"
	persistlog "tilestream.ai/internal/persistence/log"
	"tilestream.ai/internal/stream"
	"tilestream.ai/internal/stream/grid"
	"tilestream.ai/internal/stream/quadtree"
	"tilestream.ai/internal/terrain"
	"tilestream.ai/internal/transport/viewer"
	"tilestream.ai/internal/visibility"
)

// viewerConn is the part of a viewer session the tick loop uses.
type viewerConn interface {
	Camera() (viewer.Camera, bool)
	Send(v any) bool
}

type viewerState struct {
	conn      viewerConn
	tree      *quadtree.DistanceObserver
	grid      *grid.Observer
	selection *quadtree.Selection[terrain.NodeInfo]
}

// runtime owns the streaming contents and drives them from the tick loop.
// Viewers join and leave from connection goroutines; observers are only
// touched by the tick loop.
type runtime struct {
	cfg config.Config

	terrain    *terrain.Terrain
	physics    *grid.Content[int]
	colliders  *terrain.ColliderSet
	eventLog   *persistlog.EventLogger
	index      *indexdb.SQLiteIndex
	tickNumber uint64

	mu    sync.Mutex
	conns map[string]viewerConn

	viewers map[string]*viewerState
	dropped uint64
}

func openRuntime(cfg config.Config) (*runtime, error) {
	r := &runtime{
		cfg:     cfg,
		conns:   make(map[string]viewerConn),
		viewers: make(map[string]*viewerState),
	}

	if dir := cfg.Persistence.EventLogDir; dir != "" {
		r.eventLog = persistlog.NewEventLogger(dir)
	}
	if path := cfg.Persistence.IndexDB; path != "" {
		idx, err := indexdb.OpenSQLite(path)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.index = idx
		if err := idx.UpsertConfig(cfg); err != nil {
			logs.Warn(errors.New("recording config failed").Wrap(err))
		}
	}

	if err := r.openTerrain(); err != nil {
		r.Close()
		return nil, err
	}
	if cfg.PhysicsEnabled() {
		if err := r.openPhysics(); err != nil {
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

func (r *runtime) streamOptions(name string, capacity int) stream.Options {
	opts := stream.Options{
		Name:           name,
		Capacity:       capacity,
		LoadsPerSecond: r.cfg.Streaming.LoadsPerSecond,
		FetchTimeout:   r.cfg.FetchTimeout(),
	}
	if r.eventLog != nil {
		opts.OnEvent = r.eventLog.WriteEvent
	}
	opts.OnDrain = func(s stream.DrainSummary) {
		if r.eventLog != nil {
			r.eventLog.WriteDrain(s)
		}
		r.index.RecordDrain(s)
	}
	return opts
}

func (r *runtime) openTerrain() error {
	spec := r.cfg.Terrain

	codec, err := container.CodecByName(spec.Codec)
	if err != nil {
		return err
	}
	template, err := terrain.LoadTemplate(spec.Tree)
	if err != nil {
		return err
	}
	store, err := container.OpenFile(spec.Container, codec)
	if err != nil {
		return err
	}

	levels := spec.LevelCount
	if levels == 0 {
		levels = template.MaxDepth() + 1
	}
	ranges, err := visibility.Default(levels, spec.LeafNodeSize, spec.PatchScale)
	if err != nil {
		return err
	}

	t, err := terrain.Open(template, store, ranges, terrain.Options{
		Stream: r.streamOptions("terrain", spec.Capacity),
		Shape: terrain.Shape{
			HeightSize: spec.Shape.HeightSize,
			ColorSize:  spec.Shape.ColorSize,
			BlendSize:  spec.Shape.BlendSize,
		},
		ColorEnabled: spec.ColorEnabled,
	})
	if err != nil {
		return err
	}
	r.terrain = t

	logs.WithTag("tree", spec.Tree).
		WithTag("container", spec.Container).
		WithTag("codec", codec.Name()).
		WithTag("max_depth", template.MaxDepth()).
		WithTag("levels", ranges.Count()).
		Info("terrain opened")
	return nil
}

func (r *runtime) openPhysics() error {
	spec := r.cfg.Physics

	codec, err := container.CodecByName(spec.Codec)
	if err != nil {
		return err
	}
	store, err := container.OpenFile(spec.Container, codec)
	if err != nil {
		return err
	}

	r.colliders = terrain.NewColliderSet()
	physics, err := terrain.OpenPhysics(store, spec.Layout(), spec.HeightfieldSize, r.streamOptions("physics", spec.Capacity), r.colliders)
	if err != nil {
		return err
	}
	r.physics = physics

	logs.WithTag("container", spec.Container).
		WithTag("codec", codec.Name()).
		WithTag("cells", spec.Width*spec.Height).
		Info("physics grid opened")
	return nil
}

func (r *runtime) join(id string, c viewerConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = c
	viewersGauge.Set(float64(len(r.conns)))
}

func (r *runtime) leave(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
	viewersGauge.Set(float64(len(r.conns)))
}

// syncViewers adds state for joined viewers and removes the observers of
// viewers that left.
func (r *runtime) syncViewers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, st := range r.viewers {
		if _, ok := r.conns[id]; ok {
			continue
		}
		r.removeObservers(st)
		delete(r.viewers, id)
	}

	ids := make([]string, 0, len(r.conns))
	for id, c := range r.conns {
		if _, ok := r.viewers[id]; !ok {
			r.viewers[id] = &viewerState{
				conn:      c,
				selection: r.terrain.NewSelection(r.cfg.Server.MaxSelected),
			}
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// apply moves the observers of a viewer to its camera. Observers are
// registered on the first camera so that nothing streams around the origin
// for viewers that never sent one.
func (r *runtime) apply(st *viewerState, cam viewer.Camera) {
	if st.tree == nil {
		st.tree = r.terrain.NewObserver()
		st.tree.LoadingRange = r.cfg.Observer.LoadingRange
		st.tree.UnloadingRange = r.cfg.Observer.UnloadingRange
		st.tree.SafeRange = r.cfg.Observer.SafeRange
	}
	st.tree.Position = cam.Eye

	if r.physics == nil {
		return
	}
	if st.grid == nil {
		st.grid = grid.NewObserver()
		st.grid.LoadingRange = r.cfg.Observer.GridLoadingRange
		st.grid.UnloadingRange = r.cfg.Observer.GridUnloadingRange
		r.physics.AddObserver(st.grid)
	}
	st.grid.Position = cam.Eye.XZ()
}

func (r *runtime) removeObservers(st *viewerState) {
	if st.tree != nil {
		r.terrain.RemoveObserver(st.tree)
		st.tree = nil
	}
	if st.grid != nil && r.physics != nil {
		r.physics.RemoveObserver(st.grid)
		st.grid = nil
	}
}

// tick runs one step: cameras to observers, observe, select and send.
func (r *runtime) tick() {
	r.tickNumber++
	ids := r.syncViewers()

	cams := make(map[string]viewer.Camera, len(ids))
	for _, id := range ids {
		st := r.viewers[id]
		cam, ok := st.conn.Camera()
		if !ok {
			continue
		}
		r.apply(st, cam)
		cams[id] = cam
	}

	r.terrain.Observe()
	if r.physics != nil {
		r.physics.Observe()
	}

	for _, id := range ids {
		cam, ok := cams[id]
		if !ok {
			continue
		}
		st := r.viewers[id]
		st.selection.Frustum = cam.Frustum()
		st.selection.Eye = cam.Eye
		r.terrain.Select(st.selection)

		if !st.conn.Send(selectionMsg(r.tickNumber, st.selection.Nodes())) {
			r.dropped++
		}
	}

	if r.tickNumber%uint64(r.cfg.Persistence.ResidencySampleTicks) == 0 {
		r.recordResidency()
	}
}

func selectionMsg(tick uint64, nodes []quadtree.Selected[terrain.NodeInfo]) viewer.SelectionMsg {
	msg := viewer.SelectionMsg{
		Type:  viewer.TypeSelection,
		Tick:  tick,
		Nodes: make([]viewer.NodeRef, 0, len(nodes)),
	}
	for _, n := range nodes {
		msg.Nodes = append(msg.Nodes, viewer.NodeRef{
			Depth: n.Depth,
			X:     n.Pos.X,
			Y:     n.Pos.Y,
			Slot:  n.Slot,
		})
	}
	return msg
}

func (r *runtime) recordResidency() {
	counts := r.terrain.Content().Residency()
	r.index.RecordResidency(r.tickNumber, r.terrain.Content().Cache().Name(), counts)

	l := logs.WithTag("tick", r.tickNumber).
		WithTag("terrain", counts).
		WithTag("dropped_selections", r.dropped)
	if r.physics != nil {
		n := r.physics.Len()
		r.index.RecordResidency(r.tickNumber, r.physics.Cache().Name(), []int{n})
		l = l.WithTag("physics", n).WithTag("colliders", r.colliders.Len())
	}
	l.Debug("residency")
}

// observerPosition returns where the tree observer of a viewer stands.
func (r *runtime) observerPosition(id string) (geom.Vec3, bool) {
	st, ok := r.viewers[id]
	if !ok || st.tree == nil {
		return geom.Vec3{}, false
	}
	return st.tree.Position, true
}

func (r *runtime) Close() {
	if r.physics != nil {
		r.physics.Close()
	}
	if r.terrain != nil {
		r.terrain.Close()
	}
	if r.eventLog != nil {
		if err := r.eventLog.Close(); err != nil {
			logs.Warn(err)
		}
	}
	if r.index != nil {
		if err := r.index.Close(); err != nil {
			logs.Warn(errors.New("closing index db failed").Wrap(err))
		}
	}
}
