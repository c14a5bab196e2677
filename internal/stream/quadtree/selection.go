package quadtree

import (
	"tilestream.ai/internal/geom"
	"tilestream.ai/internal/spatial"
	"tilestream.ai/internal/stream/tile"
	"tilestream.ai/internal/visibility"
)

// Selected is a node chosen for the current frame.
type Selected[P any] struct {
	Depth   int
	Pos     spatial.Pos
	Slot    int
	Payload P
}

// Selection collects at most Max nodes for a view. It is reused from frame
// to frame.
type Selection[P any] struct {
	Frustum geom.Frustum
	Eye     geom.Vec3
	Ranges  visibility.Ranges
	Max     int

	nodes []Selected[P]
}

func NewSelection[P any](ranges visibility.Ranges, limit int) *Selection[P] {
	return &Selection[P]{
		Ranges: ranges,
		Max:    limit,
		nodes:  make([]Selected[P], 0, limit),
	}
}

// Nodes returns the nodes selected by the last call to Select. The slice is
// overwritten by the next call.
func (s *Selection[P]) Nodes() []Selected[P] {
	return s.nodes
}

func (s *Selection[P]) sphere(level int) geom.Sphere {
	return geom.Sphere{Center: s.Eye, Radius: s.Ranges.At(level)}
}

// add appends a mapped, non root tile. It returns whether the tile was
// added.
func (s *Selection[P]) add(t *Tile[P]) bool {
	if t.Depth() == 0 || len(s.nodes) >= s.Max {
		return false
	}

	slot, ok := t.rec.PhysicalOffset()
	if !ok || t.rec.State() != tile.Mapped {
		return false
	}

	s.nodes = append(s.nodes, Selected[P]{
		Depth:   t.Depth(),
		Pos:     t.Pos(),
		Slot:    slot,
		Payload: t.rec.Payload,
	})
	return true
}

// Select walks the tree for the eye and frustum of s and replaces its
// nodes with the coarsest mapped nodes that cover the view.
func (c *Content[P]) Select(s *Selection[P]) {
	c.cache.View(func() {
		s.nodes = s.nodes[:0]
		c.selectNode(s, c.tree.Root(), false, false)
	})
}

// selectNode returns whether anything in the subtree of n was selected.
func (c *Content[P]) selectNode(s *Selection[P], n *spatial.Node[*Tile[P]], parentContained, ignoreVisibility bool) bool {
	if n.Value == nil {
		return false
	}

	level := c.tree.MaxDepth() - n.Depth()
	box := c.box(n)

	if !ignoreVisibility && !s.sphere(level).IntersectsBox(box) {
		return false
	}

	containment := geom.Contains
	if !parentContained {
		containment = s.Frustum.ContainsBox(box)
	}
	if containment == geom.Disjoint {
		return false
	}

	if !n.HasChildren() || !c.anyChildVisible(s, n, level-1) {
		return s.add(n.Value)
	}

	selected := false
	for _, child := range n.Children() {
		if c.selectNode(s, child, containment == geom.Contains, true) {
			selected = true
		}
	}
	if !selected {
		return s.add(n.Value)
	}
	return true
}

func (c *Content[P]) anyChildVisible(s *Selection[P], n *spatial.Node[*Tile[P]], level int) bool {
	sphere := s.sphere(level)
	for _, child := range n.Children() {
		if child.Value != nil && sphere.IntersectsBox(c.box(child)) {
			return true
		}
	}
	return false
}
