package obstacle

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"boracay.world/internal/sim/geom"
)

// Collidable is one live physics body as reported by the host: full extent
// (width, height) in world units and its world transform.
type Collidable struct {
	Extent    mgl64.Vec2
	Transform mgl64.Mat4
}

// Box is an oriented rectangle in graph units.
type Box struct {
	Center      mgl64.Vec2
	HalfExtents mgl64.Vec2
	Rotation    float64 // radians, counter-clockwise
	// Axes are the box's local x and y unit axes in graph space.
	Axes [2]mgl64.Vec2
}

func NewBox(center, halfExtents mgl64.Vec2, rotation float64) Box {
	c, s := math.Cos(rotation), math.Sin(rotation)
	return Box{
		Center:      center,
		HalfExtents: halfExtents,
		Rotation:    rotation,
		Axes:        [2]mgl64.Vec2{{c, s}, {-s, c}},
	}
}

// Collides treats p as an axis-aligned square of half size pointHalf in the
// box's local frame and reports overlap with the box.
func (b Box) Collides(p mgl64.Vec2, pointHalf float64) bool {
	d := p.Sub(b.Center)
	lx := d.Dot(b.Axes[0])
	ly := d.Dot(b.Axes[1])
	return math.Abs(lx) < b.HalfExtents.X()+pointHalf &&
		math.Abs(ly) < b.HalfExtents.Y()+pointHalf
}

// AnyCollides reports whether p hits any box in the snapshot.
func AnyCollides(boxes []Box, p mgl64.Vec2, pointHalf float64) bool {
	for i := range boxes {
		if boxes[i].Collides(p, pointHalf) {
			return true
		}
	}
	return false
}

// Snapshot converts collidables into boxes in the graph frame. The returned
// slice is freshly allocated; obstacles move, so snapshots are per tick.
func Snapshot(collidables []Collidable, frame geom.Frame) []Box {
	out := make([]Box, 0, len(collidables))
	for _, c := range collidables {
		m := c.Transform
		translation := mgl64.Vec2{m.At(0, 3), m.At(1, 3)}
		angle := math.Atan2(m.At(1, 0), m.At(0, 0))
		half := c.Extent.Mul(0.5)
		out = append(out, NewBox(
			frame.WorldToGraph(translation),
			frame.WorldToGraph(half),
			angle,
		))
	}
	return out
}
