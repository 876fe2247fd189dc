package geom

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

func FloorDiv(a, b int) int {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

func Mod(a, b int) int {
	// b > 0
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// Circle is a 2-D circle in world units.
type Circle struct {
	Center mgl64.Vec2
	Radius float64
}

// Overlaps reports whether the two circles intersect or touch.
func (c Circle) Overlaps(o Circle) bool {
	r := c.Radius + o.Radius
	d := c.Center.Sub(o.Center)
	return d.Dot(d) <= r*r
}

func DistSq(a, b mgl64.Vec2) float64 {
	d := a.Sub(b)
	return d.Dot(d)
}

func Dist(a, b mgl64.Vec2) float64 {
	return math.Sqrt(DistSq(a, b))
}

// Frame converts between the three coordinate spaces used by the world data.
//
// Data units are what the map files are authored in (y grows down). World units
// are what the viewpoint and spawn intents use: y flipped and scaled. Graph units
// are world units divided by the scale, without a flip.
type Frame struct {
	Scale float64
}

func (f Frame) scale() float64 {
	if f.Scale <= 0 {
		return 1
	}
	return f.Scale
}

func (f Frame) DataToWorld(p mgl64.Vec2) mgl64.Vec2 {
	s := f.scale()
	return mgl64.Vec2{p.X() * s, -p.Y() * s}
}

func (f Frame) WorldToData(p mgl64.Vec2) mgl64.Vec2 {
	s := f.scale()
	return mgl64.Vec2{p.X() / s, -p.Y() / s}
}

func (f Frame) WorldToGraph(p mgl64.Vec2) mgl64.Vec2 {
	return p.Mul(1 / f.scale())
}

func (f Frame) GraphToWorld(p mgl64.Vec2) mgl64.Vec2 {
	return p.Mul(f.scale())
}

// Length scales a data-unit length into world units.
func (f Frame) Length(v float64) float64 {
	return v * f.scale()
}
