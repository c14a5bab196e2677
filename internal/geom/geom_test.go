package geom

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSphereBox(t *testing.T) {
	box := BoxFromRect(Rect{X: 0, Y: 0, Width: 10, Height: 10}, 0, 0)

	tests := []struct {
		name   string
		sphere Sphere
		want   Containment
	}{
		{
			name:   "far away",
			sphere: Sphere{Center: V3(100, 0, 100), Radius: 5},
			want:   Disjoint,
		},
		{
			name:   "touching an edge",
			sphere: Sphere{Center: V3(15, 0, 5), Radius: 5},
			want:   Intersects,
		},
		{
			name:   "enclosing",
			sphere: Sphere{Center: V3(5, 0, 5), Radius: 8},
			want:   Contains,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.want, test.sphere.ContainsBox(box))
			require.Equal(t, test.want != Disjoint, test.sphere.IntersectsBox(box))
		})
	}
}

func TestSphereUnboundedColumn(t *testing.T) {
	column := Column(Rect{X: 0, Y: 0, Width: 10, Height: 10})
	s := Sphere{Center: V3(5, 1000, 5), Radius: 1}

	require.True(t, s.IntersectsBox(column))
	require.Equal(t, Intersects, s.ContainsBox(column))
}

func TestFrustumOrthographic(t *testing.T) {
	f := Orthographic(Box{Min: V3(0, -10, 0), Max: V3(100, 10, 100)})

	require.Equal(t, Contains, f.ContainsBox(BoxFromRect(Rect{X: 10, Y: 10, Width: 5, Height: 5}, 0, 1)))
	require.Equal(t, Intersects, f.ContainsBox(BoxFromRect(Rect{X: 95, Y: 10, Width: 10, Height: 5}, 0, 1)))
	require.Equal(t, Disjoint, f.ContainsBox(BoxFromRect(Rect{X: 200, Y: 10, Width: 5, Height: 5}, 0, 1)))
}

func TestFrustumPerspective(t *testing.T) {
	f := Perspective(V3(0, 0, 0), V3(0, 0, 100), V3(0, 1, 0), math.Pi/2, 1, 1, 1000)

	ahead := Box{Min: V3(-1, -1, 50), Max: V3(1, 1, 52)}
	behind := Box{Min: V3(-1, -1, -52), Max: V3(1, 1, -50)}
	aside := Box{Min: V3(500, -1, 10), Max: V3(502, 1, 12)}

	require.Equal(t, Contains, f.ContainsBox(ahead))
	require.Equal(t, Disjoint, f.ContainsBox(behind))
	require.Equal(t, Disjoint, f.ContainsBox(aside))
}

func TestFrustumPerspectiveLookingDown(t *testing.T) {
	f := Perspective(V3(0, 100, 0), V3(0, 0, 0), V3(0, 1, 0), math.Pi/2, 1, 1, 1000)

	for _, p := range f.Planes {
		require.False(t, math.IsNaN(p.Normal.X) || math.IsNaN(p.Normal.Y) || math.IsNaN(p.Normal.Z) || math.IsNaN(p.D))
	}

	below := Box{Min: V3(-1, 0, -1), Max: V3(1, 2, 1)}
	aside := Box{Min: V3(500, 0, -5), Max: V3(510, 2, 5)}
	above := Box{Min: V3(-1, 150, -1), Max: V3(1, 152, 1)}

	require.Equal(t, Contains, f.ContainsBox(below))
	require.Equal(t, Disjoint, f.ContainsBox(aside))
	require.Equal(t, Disjoint, f.ContainsBox(above))
}

func TestFrustumUnboundedColumnStaysFinite(t *testing.T) {
	f := Perspective(V3(0, 50, 0), V3(0, 50, 100), V3(0, 1, 0), math.Pi/2, 1, 1, 1000)

	column := Column(Rect{X: -1, Y: 50, Width: 2, Height: 2})
	require.Equal(t, Intersects, f.ContainsBox(column))

	behind := Column(Rect{X: -1, Y: -50, Width: 2, Height: 2})
	require.Equal(t, Disjoint, f.ContainsBox(behind))
}

func TestRect(t *testing.T) {
	r := Rect{X: 0, Y: 0, Width: 4, Height: 4}
	require.True(t, r.Contains(Vec2{0, 0}))
	require.False(t, r.Contains(Vec2{4, 0}))
	require.Equal(t, Vec2{2, 2}, r.Center())
	require.Equal(t, Rect{X: -1, Y: -1, Width: 6, Height: 6}, r.Inflate(1))
}
