package terrain

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/stretchr/testify/require"

	"tilestream.ai/internal/container"
	"tilestream.ai/internal/geom"
	"tilestream.ai/internal/spatial"
	"tilestream.ai/internal/stream"
	"tilestream.ai/internal/stream/grid"
	"tilestream.ai/internal/visibility"
)

func writeContainer(t *testing.T, w *container.Writer) string {
	t.Helper()

	var buf bytes.Buffer
	_, err := w.WriteTo(&buf)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "tiles.bin")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func writeTemplate(t *testing.T, maxDepth int) string {
	t.Helper()

	tree, err := spatial.NewQuadTree[*NodeInfo](geom.Rect{Width: 100, Height: 100}, maxDepth)
	require.NoError(t, err)
	tree.Traverse(func(n *spatial.Node[*NodeInfo]) bool {
		n.Value = &NodeInfo{MinHeight: 0, MaxHeight: 10}
		return tree.Expand(n)
	})

	var buf bytes.Buffer
	require.NoError(t, spatial.WriteTree(&buf, tree, EncodeNodeInfo))

	path := filepath.Join(t.TempDir(), "terrain.tree")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestNodeInfoRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeNodeInfo(&buf, NodeInfo{MinHeight: -2.5, MaxHeight: 40}))

	v, err := DecodeNodeInfo(&buf)
	require.NoError(t, err)
	require.Equal(t, NodeInfo{MinHeight: -2.5, MaxHeight: 40}, v)

	box := Bounds(geom.Rect{X: 1, Y: 2, Width: 3, Height: 4}, v)
	require.Equal(t, geom.V3(1, -2.5, 2), box.Min)
	require.Equal(t, geom.V3(4, 40, 6), box.Max)
}

func TestTerrainStreamsChannels(t *testing.T) {
	const maxDepth = 1
	nodes := spatial.NodeCount(maxDepth)

	w := container.NewWriter(nodes, channelCount, container.Raw{})
	for i := 0; i < nodes; i++ {
		require.NoError(t, w.Set(i, HeightChannel, bytes.Repeat([]byte{byte(i)}, 4)))
	}
	store, err := container.OpenFile(writeContainer(t, w), container.Raw{})
	require.NoError(t, err)

	template, err := LoadTemplate(writeTemplate(t, maxDepth))
	require.NoError(t, err)

	tr, err := Open(template, store, visibility.Ranges{10, 20}, Options{
		Stream: stream.Options{Name: t.Name(), Capacity: 8},
		Shape:  Shape{HeightSize: 4, ColorSize: 4, BlendSize: 2},
	})
	require.NoError(t, err)
	defer tr.Close()
	require.Nil(t, tr.Colors)

	o := tr.NewObserver()
	o.Position = geom.V3(50, 5, 50)
	tr.Observe()
	tr.Content().Cache().Wait()

	s := tr.NewSelection(16)
	s.Eye = geom.V3(50, 5, 50)
	tr.Select(s)

	require.Len(t, s.Nodes(), 4)
	for _, n := range s.Nodes() {
		index := spatial.NodeIndex(n.Depth, n.Pos.X, n.Pos.Y)
		require.Equal(t, bytes.Repeat([]byte{byte(index)}, 4), tr.Heights.Slot(n.Slot))
		require.Equal(t, []byte{0, 0}, tr.Blends.Slot(n.Slot))
		require.Equal(t, float32(10), n.Payload.MaxHeight)
	}
	require.Zero(t, store.Refs())
}

func TestOpenRejectsMismatchedContainer(t *testing.T) {
	w := container.NewWriter(2, channelCount, container.Raw{})
	store, err := container.OpenFile(writeContainer(t, w), container.Raw{})
	require.NoError(t, err)

	template, err := LoadTemplate(writeTemplate(t, 1))
	require.NoError(t, err)

	_, err = Open(template, store, visibility.Ranges{10, 20}, Options{Stream: stream.Options{Capacity: 8}})
	require.True(t, errors.IsType(err, ErrTypeInvalidTerrain))

	_, err = Open(template, store, visibility.Ranges{10}, Options{Stream: stream.Options{Capacity: 8}})
	require.True(t, errors.IsType(err, ErrTypeInvalidTerrain))
}

func TestPhysicsFeedsCollider(t *testing.T) {
	layout := grid.Layout{Width: 2, Height: 2, CellSize: geom.Vec2{X: 10, Y: 10}}

	w := container.NewWriter(4, 1, container.Zstd{})
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Set(i, 0, bytes.Repeat([]byte{byte(i)}, 4)))
	}
	store, err := container.OpenFile(writeContainer(t, w), container.Zstd{})
	require.NoError(t, err)

	colliders := NewColliderSet()
	physics, err := OpenPhysics(store, layout, 4, stream.Options{Name: t.Name(), Capacity: 4}, colliders)
	require.NoError(t, err)
	defer physics.Close()

	o := &grid.Observer{Position: geom.Vec2{X: 5, Y: 5}, LoadingRange: 20, UnloadingRange: 20}
	physics.AddObserver(o)
	physics.Observe()
	physics.Cache().Wait()

	require.Len(t, physics.Mapped(), 4)
	require.Equal(t, 3, colliders.Len())

	h, ok := colliders.Get(grid.Cell{X: 1, Y: 0})
	require.True(t, ok)
	require.Equal(t, []byte{1, 1, 1, 1}, h.Heights)
	require.Equal(t, geom.Rect{X: 10, Width: 10, Height: 10}, h.Rect)

	_, ok = colliders.Get(grid.Cell{X: 1, Y: 1})
	require.False(t, ok)

	o.Position = geom.Vec2{X: 500, Y: 500}
	physics.Observe()
	physics.Cache().Wait()

	require.Zero(t, colliders.Len())
	require.Zero(t, physics.Len())
}
