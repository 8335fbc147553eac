package raytrace

import "math"

// Shape is a solid that can be intersected in its own local frame.
type Shape interface {
	// Intersect returns the smallest t in (tMin, tMax] and the outward unit
	// normal at that point, or ok=false.
	Intersect(r Ray, tMin, tMax float64) (t float64, normal Vec3, ok bool)
}

// Ball is a sphere centred at the local origin.
type Ball struct{ Radius float64 }

func (b Ball) Intersect(r Ray, tMin, tMax float64) (float64, Vec3, bool) {
	a := r.Dir.NormSquared()
	halfB := r.Origin.Dot(r.Dir)
	c := r.Origin.NormSquared() - b.Radius*b.Radius
	disc := halfB*halfB - a*c
	if disc < 0 || a == 0 {
		return 0, Vec3{}, false
	}
	sq := math.Sqrt(disc)
	t := (-halfB - sq) / a
	if t <= tMin || t > tMax {
		t = (-halfB + sq) / a
		if t <= tMin || t > tMax {
			return 0, Vec3{}, false
		}
	}
	return t, r.At(t).Mul(1 / b.Radius), true
}

// Cuboid is an axis-aligned box with the given half extents, centred at the local origin.
type Cuboid struct{ Half Vec3 }

func (c Cuboid) Intersect(r Ray, tMin, tMax float64) (float64, Vec3, bool) {
	o := [3]float64{r.Origin.X, r.Origin.Y, r.Origin.Z}
	d := [3]float64{r.Dir.X, r.Dir.Y, r.Dir.Z}
	h := [3]float64{c.Half.X, c.Half.Y, c.Half.Z}

	tNear, tFar := math.Inf(-1), math.Inf(1)
	nearAxis, farAxis := -1, -1
	var nearSign, farSign float64

	for i := 0; i < 3; i++ {
		if d[i] == 0 {
			if o[i] < -h[i] || o[i] > h[i] {
				return 0, Vec3{}, false
			}
			continue
		}
		t1 := (-h[i] - o[i]) / d[i]
		t2 := (h[i] - o[i]) / d[i]
		s1, s2 := -1.0, 1.0
		if t1 > t2 {
			t1, t2 = t2, t1
			s1, s2 = s2, s1
		}
		if t1 > tNear {
			tNear, nearAxis, nearSign = t1, i, s1
		}
		if t2 < tFar {
			tFar, farAxis, farSign = t2, i, s2
		}
		if tNear > tFar {
			return 0, Vec3{}, false
		}
	}

	t, axis, sign := tNear, nearAxis, nearSign
	if t <= tMin {
		t, axis, sign = tFar, farAxis, farSign
	}
	if t <= tMin || t > tMax || axis < 0 {
		return 0, Vec3{}, false
	}

	var n [3]float64
	n[axis] = sign
	return t, Vec3{n[0], n[1], n[2]}, true
}

// Placed positions a shape in the world with a rotation and translation.
type Placed struct {
	Shape       Shape
	Rotation    Mat3
	Translation Vec3
	Material    Material

	inverse Mat3
}

// Place builds a Placed, precomputing the inverse rotation.
func Place(shape Shape, translation Vec3, rotation Mat3, m Material) Placed {
	return Placed{
		Shape:       shape,
		Rotation:    rotation,
		Translation: translation,
		Material:    m,
		inverse:     rotation.Transpose(),
	}
}

func (p Placed) intersect(r Ray, tMin, tMax float64) (float64, Vec3, bool) {
	local := Ray{
		Origin: p.inverse.Apply(r.Origin.Sub(p.Translation)),
		Dir:    p.inverse.Apply(r.Dir),
	}
	t, n, ok := p.Shape.Intersect(local, tMin, tMax)
	if !ok {
		return 0, Vec3{}, false
	}
	return t, p.Rotation.Apply(n), true
}
