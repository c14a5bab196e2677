// Package quadtree streams the nodes of a LOD quadtree. The cache tree is
// expanded lazily from a decoded template that supplies node payloads, and
// subtrees are pruned again once they are entirely unloaded.
package quadtree

import (
	"fmt"

	"github.com/aukilabs/go-tooling/pkg/errors"

	"tilestream.ai/internal/geom"
	"tilestream.ai/internal/spatial"
	"tilestream.ai/internal/stream"
	"tilestream.ai/internal/stream/tile"
)

const ErrTypeInvalidTemplate = "invalid-template"

// Tile is the per node state of a quadtree content. Tiles are the keys of
// the underlying cache.
type Tile[P any] struct {
	rec      *tile.Record[P]
	node     *spatial.Node[*Tile[P]]
	template *spatial.Node[*P]

	// observedDescendants is set on every ancestor of a requested tile and
	// lets unloading skip subtrees that were never requested.
	observedDescendants bool
}

func (t *Tile[P]) Depth() int              { return t.node.Depth() }
func (t *Tile[P]) Pos() spatial.Pos        { return t.node.Pos() }
func (t *Tile[P]) Payload() P              { return t.rec.Payload }
func (t *Tile[P]) Record() *tile.Record[P] { return t.rec }

// Index is the position of the tile in a container laid out by
// spatial.NodeIndex.
func (t *Tile[P]) Index() int {
	pos := t.node.Pos()
	return spatial.NodeIndex(t.node.Depth(), pos.X, pos.Y)
}

func (t *Tile[P]) String() string {
	pos := t.node.Pos()
	return fmt.Sprintf("%d/%d/%d", t.node.Depth(), pos.X, pos.Y)
}

// BoundsFunc computes the box of a node from its ground rectangle and
// payload.
type BoundsFunc[P any] func(r geom.Rect, payload P) geom.Box

// ColumnBounds gives every node an unbounded height range.
func ColumnBounds[P any](r geom.Rect, _ P) geom.Box {
	return geom.Column(r)
}

type Content[P any] struct {
	template  *spatial.Tree[*P]
	tree      *spatial.Tree[*Tile[P]]
	bounds    BoundsFunc[P]
	cache     *stream.Cache[*Tile[P], P]
	observers []Observer
	residency []int
}

// New creates a content over a decoded template quadtree. Template nodes
// with a nil value are absent and never streamed. A nil bounds uses
// ColumnBounds.
func New[P any](template *spatial.Tree[*P], opts stream.Options, bounds BoundsFunc[P], channels ...stream.Channel[*Tile[P]]) (*Content[P], error) {
	if template.Kind() != spatial.Quad {
		return nil, errors.New("template is not a quadtree").
			WithType(ErrTypeInvalidTemplate).
			WithTag("kind", template.Kind().String())
	}
	if bounds == nil {
		bounds = ColumnBounds[P]
	}

	tree, err := spatial.NewQuadTree[*Tile[P]](template.Rect(), template.MaxDepth())
	if err != nil {
		return nil, err
	}

	c := &Content[P]{
		template:  template,
		tree:      tree,
		bounds:    bounds,
		residency: make([]int, template.MaxDepth()+1),
	}
	tree.Root().Value = newTile(tree.Root(), template.Root())

	cache, err := stream.New(opts, stream.Hooks[*Tile[P], P]{
		Lookup: func(t *Tile[P]) *tile.Record[P] {
			return t.rec
		},
		Describe: (*Tile[P]).String,
	}, channels...)
	if err != nil {
		return nil, err
	}

	c.cache = cache
	return c, nil
}

func newTile[P any](n *spatial.Node[*Tile[P]], tmpl *spatial.Node[*P]) *Tile[P] {
	if tmpl.Value == nil {
		return nil
	}
	return &Tile[P]{
		rec:      tile.NewRecord(*tmpl.Value),
		node:     n,
		template: tmpl,
	}
}

func (c *Content[P]) Cache() *stream.Cache[*Tile[P], P] {
	return c.cache
}

func (c *Content[P]) MaxDepth() int {
	return c.tree.MaxDepth()
}

func (c *Content[P]) AddObserver(o Observer) {
	c.cache.Update(func(*stream.Txn[*Tile[P], P]) {
		c.observers = append(c.observers, o)
	})
}

func (c *Content[P]) RemoveObserver(o Observer) {
	c.cache.Update(func(*stream.Txn[*Tile[P], P]) {
		for i, obs := range c.observers {
			if obs == o {
				c.observers = append(c.observers[:i], c.observers[i+1:]...)
				return
			}
		}
	})
}

func (c *Content[P]) Close() {
	c.cache.Close()
}

// Observe walks the tree from the root and requests or unloads nodes as the
// observers decide, then refreshes the residency counts.
func (c *Content[P]) Observe() {
	c.cache.Update(func(tx *stream.Txn[*Tile[P], P]) {
		c.observe(tx, c.tree.Root())
		c.countResidency()
	})
}

// Residency returns the number of requested or mapped tiles per depth.
func (c *Content[P]) Residency() []int {
	var counts []int
	c.cache.View(func() {
		counts = append(counts, c.residency...)
	})
	return counts
}

// State returns the state of the node at depth and pos. Nodes that are not
// expanded are Unloaded.
func (c *Content[P]) State(depth int, pos spatial.Pos) tile.State {
	s := tile.Unloaded
	c.cache.View(func() {
		if n, ok := c.tree.Lookup(depth, pos); ok && n.Value != nil {
			s = n.Value.rec.State()
		}
	})
	return s
}

func (c *Content[P]) box(n *spatial.Node[*Tile[P]]) geom.Box {
	return c.bounds(c.tree.NodeRect(n), n.Value.rec.Payload)
}

// expand creates the children of n from the template. It returns false for
// template leaves.
func (c *Content[P]) expand(n *spatial.Node[*Tile[P]]) bool {
	if n.HasChildren() {
		return true
	}

	tmpl := n.Value.template
	if !tmpl.HasChildren() || !c.tree.Expand(n) {
		return false
	}

	for i, child := range n.Children() {
		child.Value = newTile(child, tmpl.Children()[i])
	}
	return true
}

// observe returns whether the node is safe for all observers.
func (c *Content[P]) observe(tx *stream.Txn[*Tile[P], P], n *spatial.Node[*Tile[P]]) bool {
	if n.Value == nil {
		return true
	}

	level := c.tree.MaxDepth() - n.Depth()

	if !c.expand(n) {
		c.loadAndNotifyAncestors(tx, n)
		return false
	}

	anyChildInRange := false
	for _, child := range n.Children() {
		if child.Value != nil && c.shouldLoad(c.box(child), level-1) {
			anyChildInRange = true
			break
		}
	}

	if anyChildInRange {
		allChildrenSafe := true
		for _, child := range n.Children() {
			if child.Value == nil {
				continue
			}
			if !c.observe(tx, child) {
				allChildrenSafe = false
			}
		}

		if allChildrenSafe {
			tx.Unload(n.Value, n.Value.rec)
		} else {
			c.loadAndNotifyAncestors(tx, n)
		}
	} else {
		for _, child := range n.Children() {
			if child.Value != nil && c.shouldUnload(c.box(child), level-1) {
				c.unloadSubtree(tx, child)
			}
		}
		c.loadAndNotifyAncestors(tx, n)
	}

	return c.isSafe(c.box(n), level)
}

func (c *Content[P]) loadAndNotifyAncestors(tx *stream.Txn[*Tile[P], P], n *spatial.Node[*Tile[P]]) {
	tx.Load(n.Value, n.Value.rec)

	for a := n.Parent(); a != nil && !a.Value.observedDescendants; a = a.Parent() {
		a.Value.observedDescendants = true
	}
}

// unloadSubtree unloads n and every requested descendant, then prunes the
// children of n.
func (c *Content[P]) unloadSubtree(tx *stream.Txn[*Tile[P], P], n *spatial.Node[*Tile[P]]) {
	t := n.Value
	if t == nil {
		return
	}

	tx.Unload(t, t.rec)

	if t.observedDescendants {
		for _, child := range n.Children() {
			c.unloadSubtree(tx, child)
		}
		t.observedDescendants = false
	}
	n.Prune()
}

func (c *Content[P]) shouldLoad(b geom.Box, level int) bool {
	for _, o := range c.observers {
		if o.ShouldLoad(b, level) {
			return true
		}
	}
	return false
}

func (c *Content[P]) shouldUnload(b geom.Box, level int) bool {
	for _, o := range c.observers {
		if !o.ShouldUnload(b, level) {
			return false
		}
	}
	return true
}

func (c *Content[P]) isSafe(b geom.Box, level int) bool {
	for _, o := range c.observers {
		if !o.IsSafe(b, level) {
			return false
		}
	}
	return true
}

func (c *Content[P]) countResidency() {
	for i := range c.residency {
		c.residency[i] = 0
	}

	c.tree.Traverse(func(n *spatial.Node[*Tile[P]]) bool {
		if n.Value == nil {
			return false
		}
		if n.Value.rec.State() != tile.Unloaded {
			c.residency[n.Depth()]++
		}
		return n.Value.observedDescendants
	})
}
