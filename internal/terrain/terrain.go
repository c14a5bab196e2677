// Package terrain assembles the streamed terrain: a quadtree of height
// bounded nodes whose height, color and blend maps live in a tile container,
// and a grid of physics heightfields.
package terrain

import (
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"

	"tilestream.ai/internal/container"
	"tilestream.ai/internal/geom"
	"tilestream.ai/internal/spatial"
	"tilestream.ai/internal/stream"
	"tilestream.ai/internal/stream/quadtree"
	"tilestream.ai/internal/visibility"
)

const ErrTypeInvalidTerrain = "invalid-terrain"

// Channel indices of the terrain container.
const (
	HeightChannel = iota
	ColorChannel
	BlendChannel

	channelCount
)

// NodeInfo is the metadata of a terrain node stored in the tree file.
type NodeInfo struct {
	MinHeight float32
	MaxHeight float32
}

func EncodeNodeInfo(w io.Writer, v NodeInfo) error {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[0:], math.Float32bits(v.MinHeight))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(v.MaxHeight))
	_, err := w.Write(b[:])
	return err
}

func DecodeNodeInfo(r io.Reader) (NodeInfo, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return NodeInfo{}, err
	}
	return NodeInfo{
		MinHeight: math.Float32frombits(binary.LittleEndian.Uint32(b[0:])),
		MaxHeight: math.Float32frombits(binary.LittleEndian.Uint32(b[4:])),
	}, nil
}

// Bounds lifts a node rectangle to the height range of the node.
func Bounds(r geom.Rect, n NodeInfo) geom.Box {
	return geom.BoxFromRect(r, float64(n.MinHeight), float64(n.MaxHeight))
}

// LoadTemplate reads a terrain tree file.
func LoadTemplate(path string) (*spatial.Tree[*NodeInfo], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.New("opening terrain tree failed").
			WithTag("path", path).
			Wrap(err)
	}
	defer f.Close()

	tree, err := spatial.ReadTree(f, DecodeNodeInfo)
	if err != nil {
		return nil, errors.New("reading terrain tree failed").
			WithTag("path", path).
			Wrap(err)
	}
	return tree, nil
}

// Shape is the decoded size in bytes of one tile on each channel.
type Shape struct {
	HeightSize int
	ColorSize  int
	BlendSize  int
}

type Options struct {
	Stream       stream.Options
	Shape        Shape
	ColorEnabled bool
}

// Terrain streams the nodes of a terrain tree into per channel slot arrays.
type Terrain struct {
	ranges  visibility.Ranges
	content *quadtree.Content[NodeInfo]

	Heights *stream.ArraySink
	Colors  *stream.ArraySink
	Blends  *stream.ArraySink
}

// Open creates a terrain over a tree template and its container. The
// container holds one tile per node, laid out by spatial.NodeIndex.
func Open(template *spatial.Tree[*NodeInfo], store *container.Store, ranges visibility.Ranges, opts Options) (*Terrain, error) {
	if err := ranges.Validate(); err != nil {
		return nil, err
	}

	levels := template.MaxDepth() + 1
	if ranges.Count() < levels {
		return nil, errors.New("fewer visible ranges than tree levels").
			WithType(ErrTypeInvalidTerrain).
			WithTag("ranges", ranges.Count()).
			WithTag("levels", levels)
	}

	hdr := store.Header()
	if nodes := spatial.NodeCount(template.MaxDepth()); hdr.TileCount < nodes || hdr.ChannelCount < channelCount {
		return nil, errors.New("container does not match the terrain tree").
			WithType(ErrTypeInvalidTerrain).
			WithTag("tiles", hdr.TileCount).
			WithTag("nodes", nodes).
			WithTag("channels", hdr.ChannelCount)
	}

	t := &Terrain{
		ranges:  ranges,
		Heights: newSink("height"),
		Blends:  newSink("blend"),
	}

	var channels []stream.Channel[*quadtree.Tile[NodeInfo]]
	add := func(index, size int, sink *stream.ArraySink) error {
		ch, err := store.Channel(index)
		if err != nil {
			return err
		}
		channels = append(channels, stream.NewSlotChannel(ch, size, (*quadtree.Tile[NodeInfo]).Index, sink))
		return nil
	}

	if err := add(HeightChannel, opts.Shape.HeightSize, t.Heights); err != nil {
		return nil, err
	}
	if opts.ColorEnabled {
		t.Colors = newSink("color")
		if err := add(ColorChannel, opts.Shape.ColorSize, t.Colors); err != nil {
			return nil, err
		}
	}
	if err := add(BlendChannel, opts.Shape.BlendSize, t.Blends); err != nil {
		return nil, err
	}

	content, err := quadtree.New(template, opts.Stream, Bounds, channels...)
	if err != nil {
		return nil, err
	}

	t.content = content
	return t, nil
}

func newSink(name string) *stream.ArraySink {
	return stream.NewArraySink(func(size int) {
		logs.WithTag("sink", name).
			WithTag("size", size).
			Debug("slot array grown")
	})
}

func (t *Terrain) Content() *quadtree.Content[NodeInfo] {
	return t.content
}

func (t *Terrain) Ranges() visibility.Ranges {
	return t.ranges
}

// NewObserver registers and returns an observer using the terrain ranges.
func (t *Terrain) NewObserver() *quadtree.DistanceObserver {
	o := quadtree.NewDistanceObserver(t.ranges)
	t.content.AddObserver(o)
	return o
}

func (t *Terrain) RemoveObserver(o *quadtree.DistanceObserver) {
	t.content.RemoveObserver(o)
}

func (t *Terrain) NewSelection(limit int) *quadtree.Selection[NodeInfo] {
	return quadtree.NewSelection[NodeInfo](t.ranges, limit)
}

func (t *Terrain) Observe() {
	t.content.Observe()
}

func (t *Terrain) Select(s *quadtree.Selection[NodeInfo]) {
	t.content.Select(s)
}

func (t *Terrain) Close() {
	t.content.Close()
}
