// Package spatial implements lazily expanded quadtrees and octrees whose node
// bounds are derived from depth and position rather than stored.
package spatial

import (
	"github.com/aukilabs/go-tooling/pkg/errors"

	"tilestream.ai/internal/geom"
)

// Kind selects the branching factor of a tree.
type Kind uint8

const (
	Quad Kind = 4
	Oct  Kind = 8
)

func (k Kind) String() string {
	switch k {
	case Quad:
		return "quad"
	case Oct:
		return "oct"
	default:
		return "invalid"
	}
}

// Pos is a node position in level-local integer coordinates. Z is always
// zero in quadtrees.
type Pos struct {
	X, Y, Z int
}

type Node[T any] struct {
	Value T

	depth    int
	pos      Pos
	parent   *Node[T]
	children []*Node[T]
}

func (n *Node[T]) Depth() int           { return n.depth }
func (n *Node[T]) Pos() Pos             { return n.pos }
func (n *Node[T]) Parent() *Node[T]     { return n.parent }
func (n *Node[T]) HasChildren() bool    { return n.children != nil }
func (n *Node[T]) Children() []*Node[T] { return n.children }

// Prune drops the children of the node. Their values become unreachable
// from the tree.
func (n *Node[T]) Prune() {
	n.children = nil
}

// Tree is a space partitioning tree of fixed maximum depth. Quadtrees
// partition the XZ extents of bounds, octrees all three axes.
type Tree[T any] struct {
	kind     Kind
	bounds   geom.Box
	maxDepth int
	root     *Node[T]
}

// NewQuadTree returns a quadtree over the ground rectangle r.
func NewQuadTree[T any](r geom.Rect, maxDepth int) (*Tree[T], error) {
	return newTree[T](Quad, geom.BoxFromRect(r, 0, 0), maxDepth)
}

// NewOctree returns an octree over the box b.
func NewOctree[T any](b geom.Box, maxDepth int) (*Tree[T], error) {
	return newTree[T](Oct, b, maxDepth)
}

func newTree[T any](kind Kind, bounds geom.Box, maxDepth int) (*Tree[T], error) {
	if maxDepth < 0 {
		return nil, errors.New("negative maximum depth").
			WithType(ErrTypeInvalidTree).
			WithTag("max_depth", maxDepth)
	}

	return &Tree[T]{
		kind:     kind,
		bounds:   bounds,
		maxDepth: maxDepth,
		root:     &Node[T]{},
	}, nil
}

func (t *Tree[T]) Kind() Kind       { return t.kind }
func (t *Tree[T]) Root() *Node[T]   { return t.root }
func (t *Tree[T]) MaxDepth() int    { return t.maxDepth }
func (t *Tree[T]) Bounds() geom.Box { return t.bounds }

// Rect returns the ground rectangle of the tree.
func (t *Tree[T]) Rect() geom.Rect {
	return geom.Rect{
		X:      t.bounds.Min.X,
		Y:      t.bounds.Min.Z,
		Width:  t.bounds.Max.X - t.bounds.Min.X,
		Height: t.bounds.Max.Z - t.bounds.Min.Z,
	}
}

// Expand subdivides a leaf node. It returns false when the node is at the
// maximum depth and true when the node has children afterwards.
func (t *Tree[T]) Expand(n *Node[T]) bool {
	if n.depth >= t.maxDepth {
		return false
	}
	if n.children != nil {
		return true
	}

	n.children = make([]*Node[T], t.kind)
	for i := range n.children {
		pos := Pos{
			X: 2*n.pos.X + i&1,
			Y: 2*n.pos.Y + (i>>1)&1,
		}
		if t.kind == Oct {
			pos.Z = 2*n.pos.Z + (i>>2)&1
		}

		n.children[i] = &Node[T]{
			depth:  n.depth + 1,
			pos:    pos,
			parent: n,
		}
	}
	return true
}

// Traverse walks the existing nodes depth first. Children are visited only
// when fn returns true for their parent.
func (t *Tree[T]) Traverse(fn func(n *Node[T]) bool) {
	traverse(t.root, fn)
}

func traverse[T any](n *Node[T], fn func(*Node[T]) bool) {
	if !fn(n) {
		return
	}
	for _, c := range n.children {
		traverse(c, fn)
	}
}

// Lookup finds an existing node by depth and position without expanding.
func (t *Tree[T]) Lookup(depth int, pos Pos) (*Node[T], bool) {
	if depth < 0 || depth > t.maxDepth {
		return nil, false
	}

	n := t.root
	for d := 1; d <= depth; d++ {
		if n.children == nil {
			return nil, false
		}

		shift := depth - d
		i := (pos.X>>shift)&1 | ((pos.Y>>shift)&1)<<1
		if t.kind == Oct {
			i |= ((pos.Z >> shift) & 1) << 2
		}
		n = n.children[i]
	}

	if n.pos != pos {
		return nil, false
	}
	return n, true
}

// NodeRect returns the ground rectangle covered by a node.
func (t *Tree[T]) NodeRect(n *Node[T]) geom.Rect {
	r := t.Rect()
	scale := 1 / float64(int(1)<<n.depth)
	w, h := r.Width*scale, r.Height*scale

	return geom.Rect{
		X:      r.X + float64(n.pos.X)*w,
		Y:      r.Y + float64(n.pos.Y)*h,
		Width:  w,
		Height: h,
	}
}

// NodeBox returns the box covered by a node. Quadtree nodes keep the height
// range of the tree bounds.
func (t *Tree[T]) NodeBox(n *Node[T]) geom.Box {
	if t.kind == Quad {
		return geom.BoxFromRect(t.NodeRect(n), t.bounds.Min.Y, t.bounds.Max.Y)
	}

	stride := t.bounds.Max.Sub(t.bounds.Min).Scale(1 / float64(int(1)<<n.depth))
	lo := t.bounds.Min.Add(geom.Vec3{
		X: float64(n.pos.X) * stride.X,
		Y: float64(n.pos.Y) * stride.Y,
		Z: float64(n.pos.Z) * stride.Z,
	})
	return geom.Box{Min: lo, Max: lo.Add(stride)}
}

// NodeIndex enumerates the nodes of a complete quadtree level by level, row
// major within each level.
func NodeIndex(depth, x, y int) int {
	return ((1<<(2*depth))-1)/3 + (1<<depth)*y + x
}

// NodeCount is the number of nodes in a complete quadtree of the given
// maximum depth.
func NodeCount(maxDepth int) int {
	return NodeIndex(maxDepth+1, 0, 0)
}
