package geom

import "math"

// Plane keeps the points p with Normal.Dot(p) + D >= 0 on its inner side.
type Plane struct {
	Normal Vec3
	D      float64
}

// PlaneFromPoint builds a plane through p facing along normal.
func PlaneFromPoint(normal, p Vec3) Plane {
	n := normal.Normalize()
	return Plane{Normal: n, D: -n.Dot(p)}
}

func (p Plane) Distance(v Vec3) float64 {
	return p.Normal.Dot(v) + p.D
}

// extreme returns the signed distance of the box corner furthest along
// (positive) or against (negative) the plane normal. Axes the normal does
// not touch are skipped so that unbounded boxes stay finite.
func (p Plane) extreme(b Box, positive bool) float64 {
	d := p.D
	axis := func(n, lo, hi float64) {
		if n == 0 {
			return
		}
		if (n > 0) == positive {
			d += n * hi
		} else {
			d += n * lo
		}
	}
	axis(p.Normal.X, b.Min.X, b.Max.X)
	axis(p.Normal.Y, b.Min.Y, b.Max.Y)
	axis(p.Normal.Z, b.Min.Z, b.Max.Z)
	return d
}

// Frustum is a convex volume bounded by inward facing planes.
type Frustum struct {
	Planes []Plane
}

// ContainsBox classifies the box against the frustum. The test is
// conservative: boxes near frustum corners may report Intersects.
func (f Frustum) ContainsBox(b Box) Containment {
	result := Contains
	for _, p := range f.Planes {
		if p.extreme(b, true) < 0 {
			return Disjoint
		}
		if p.extreme(b, false) < 0 {
			result = Intersects
		}
	}
	return result
}

// Perspective builds the view frustum of a camera at eye looking at target.
// fovY is the vertical field of view in radians. When the view direction is
// parallel to up, another world axis stands in for up.
func Perspective(eye, target, up Vec3, fovY, aspect, near, far float64) Frustum {
	forward := target.Sub(eye).Normalize()
	right := forward.Cross(up)
	for _, alt := range []Vec3{{0, 0, 1}, {1, 0, 0}} {
		if right.LengthSquared() > 1e-12 {
			break
		}
		right = forward.Cross(alt)
	}
	right = right.Normalize()
	camUp := right.Cross(forward)

	tanY := math.Tan(fovY / 2)
	tanX := tanY * aspect

	return Frustum{Planes: []Plane{
		PlaneFromPoint(forward, eye.Add(forward.Scale(near))),
		PlaneFromPoint(forward.Scale(-1), eye.Add(forward.Scale(far))),
		PlaneFromPoint(right.Add(forward.Scale(tanX)), eye),
		PlaneFromPoint(right.Scale(-1).Add(forward.Scale(tanX)), eye),
		PlaneFromPoint(camUp.Add(forward.Scale(tanY)), eye),
		PlaneFromPoint(camUp.Scale(-1).Add(forward.Scale(tanY)), eye),
	}}
}

// Orthographic returns the frustum whose volume is exactly the box.
func Orthographic(b Box) Frustum {
	return Frustum{Planes: []Plane{
		{Normal: Vec3{1, 0, 0}, D: -b.Min.X},
		{Normal: Vec3{-1, 0, 0}, D: b.Max.X},
		{Normal: Vec3{0, 1, 0}, D: -b.Min.Y},
		{Normal: Vec3{0, -1, 0}, D: b.Max.Y},
		{Normal: Vec3{0, 0, 1}, D: -b.Min.Z},
		{Normal: Vec3{0, 0, -1}, D: b.Max.Z},
	}}
}
