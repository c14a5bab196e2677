package quadtree

import (
	"math"

	"tilestream.ai/internal/geom"
	"tilestream.ai/internal/visibility"
)

// Observer decides, for the bounds of a node at a LOD level, whether the
// node should be resident.
type Observer interface {
	ShouldLoad(b geom.Box, level int) bool
	ShouldUnload(b geom.Box, level int) bool
	// IsSafe reports whether the node is close enough that showing its
	// children instead would not cause a visible transition.
	IsSafe(b geom.Box, level int) bool
}

// DistanceObserver loads the nodes within a margin of the visibility range
// of their level around a position.
type DistanceObserver struct {
	Position       geom.Vec3
	LoadingRange   float64
	UnloadingRange float64
	SafeRange      float64

	ranges visibility.Ranges
}

func NewDistanceObserver(ranges visibility.Ranges) *DistanceObserver {
	return &DistanceObserver{
		LoadingRange:   20,
		UnloadingRange: 30,
		ranges:         ranges,
	}
}

func (o *DistanceObserver) Ranges() visibility.Ranges {
	return o.ranges
}

func (o *DistanceObserver) ShouldLoad(b geom.Box, level int) bool {
	s := geom.Sphere{Center: o.Position, Radius: o.ranges.At(level) + o.LoadingRange}
	return s.IntersectsBox(b)
}

func (o *DistanceObserver) ShouldUnload(b geom.Box, level int) bool {
	s := geom.Sphere{Center: o.Position, Radius: o.ranges.At(level) + o.UnloadingRange}
	return !s.IntersectsBox(b)
}

func (o *DistanceObserver) IsSafe(b geom.Box, level int) bool {
	if level == 0 {
		return false
	}

	s := geom.Sphere{Center: o.Position, Radius: math.Max(0, o.ranges.At(level-1)+o.SafeRange)}
	return s.ContainsBox(b) == geom.Contains
}
