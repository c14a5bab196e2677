package geom

import "math"

// Containment classifies how one volume relates to another.
type Containment uint8

const (
	Disjoint Containment = iota
	Intersects
	Contains
)

func (c Containment) String() string {
	switch c {
	case Disjoint:
		return "disjoint"
	case Intersects:
		return "intersects"
	default:
		return "contains"
	}
}

// Rect is an axis aligned rectangle on the ground plane.
type Rect struct {
	X, Y          float64
	Width, Height float64
}

func (r Rect) Left() float64   { return r.X }
func (r Rect) Top() float64    { return r.Y }
func (r Rect) Right() float64  { return r.X + r.Width }
func (r Rect) Bottom() float64 { return r.Y + r.Height }

func (r Rect) Center() Vec2 {
	return Vec2{r.X + r.Width/2, r.Y + r.Height/2}
}

// Inflate grows the rectangle by d on every side.
func (r Rect) Inflate(d float64) Rect {
	return Rect{X: r.X - d, Y: r.Y - d, Width: r.Width + 2*d, Height: r.Height + 2*d}
}

// Contains reports whether p lies inside the rectangle. The right and bottom
// edges are exclusive.
func (r Rect) Contains(p Vec2) bool {
	return p.X >= r.Left() && p.X < r.Right() && p.Y >= r.Top() && p.Y < r.Bottom()
}

// Box is an axis aligned bounding box. Min.Y and Max.Y may be infinite for
// content without height information.
type Box struct {
	Min, Max Vec3
}

// BoxFromRect lifts a ground rectangle into a box spanning [minY, maxY].
func BoxFromRect(r Rect, minY, maxY float64) Box {
	return Box{
		Min: Vec3{r.Left(), minY, r.Top()},
		Max: Vec3{r.Right(), maxY, r.Bottom()},
	}
}

// Column returns a box over r with unbounded height.
func Column(r Rect) Box {
	return BoxFromRect(r, math.Inf(-1), math.Inf(1))
}

func (b Box) Center() Vec3 {
	return b.Min.Add(b.Max).Scale(0.5)
}

// ClosestPoint returns the point of the box nearest to p.
func (b Box) ClosestPoint(p Vec3) Vec3 {
	return Vec3{
		clamp(p.X, b.Min.X, b.Max.X),
		clamp(p.Y, b.Min.Y, b.Max.Y),
		clamp(p.Z, b.Min.Z, b.Max.Z),
	}
}

// DistanceSquared returns the squared distance from p to the box.
func (b Box) DistanceSquared(p Vec3) float64 {
	return b.ClosestPoint(p).Sub(p).LengthSquared()
}

type Sphere struct {
	Center Vec3
	Radius float64
}

func (s Sphere) IntersectsBox(b Box) bool {
	return b.DistanceSquared(s.Center) <= s.Radius*s.Radius
}

// ContainsBox reports whether the box lies entirely within the sphere.
// Boxes with infinite extents are never contained.
func (s Sphere) ContainsBox(b Box) Containment {
	if !s.IntersectsBox(b) {
		return Disjoint
	}

	far := Vec3{
		math.Max(math.Abs(s.Center.X-b.Min.X), math.Abs(b.Max.X-s.Center.X)),
		math.Max(math.Abs(s.Center.Y-b.Min.Y), math.Abs(b.Max.Y-s.Center.Y)),
		math.Max(math.Abs(s.Center.Z-b.Min.Z), math.Abs(b.Max.Z-s.Center.Z)),
	}
	if far.LengthSquared() <= s.Radius*s.Radius {
		return Contains
	}
	return Intersects
}
