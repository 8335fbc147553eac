package raytrace

import "math/rand/v2"

// hitEpsilon keeps scattered rays from re-hitting the surface they leave.
const hitEpsilon = 1e-4

// Scene is an immutable set of placed objects. It is safe for concurrent use.
type Scene struct {
	maxDistance float64
	objects     []Placed
	background  func(Ray) Vec3
}

// SceneBuilder collects objects before building a Scene.
type SceneBuilder struct {
	maxDistance float64
	objects     []Placed
	background  func(Ray) Vec3
}

func NewSceneBuilder(maxDistance float64, background func(Ray) Vec3) *SceneBuilder {
	return &SceneBuilder{maxDistance: maxDistance, background: background}
}

func (b *SceneBuilder) Add(shape Shape, translation Vec3, rotation Mat3, m Material) *SceneBuilder {
	b.objects = append(b.objects, Place(shape, translation, rotation, m))
	return b
}

func (b *SceneBuilder) Build() *Scene {
	objs := make([]Placed, len(b.objects))
	copy(objs, b.objects)
	return &Scene{maxDistance: b.maxDistance, objects: objs, background: b.background}
}

// Len returns the number of objects.
func (s *Scene) Len() int { return len(s.objects) }

// CastRay traces r through at most depth bounces and returns the light it carries.
func (s *Scene) CastRay(r Ray, depth int, rng *rand.Rand) Vec3 {
	if depth <= 0 {
		return Vec3{}
	}

	hit := -1
	best := s.maxDistance
	var normal Vec3
	for i := range s.objects {
		t, n, ok := s.objects[i].intersect(r, hitEpsilon, best)
		if ok {
			hit, best, normal = i, t, n
		}
	}
	if hit < 0 {
		return s.background(r)
	}

	m := s.objects[hit].Material
	if m.Emissive {
		return m.Color.Mul(m.ColorStrength)
	}

	point := r.At(best)
	var lightIn Vec3
	switch m.Reflection {
	case Lambert:
		next := lambertianReflection(point, normal, rng)
		if f, ok := m.fuzz(rng); ok {
			next.Dir = next.Dir.Normalize().Add(f)
		}
		lightIn = s.CastRay(next, depth-1, rng)
	case Metal:
		next := mirrorReflection(r.Dir, point, normal)
		if f, ok := m.fuzz(rng); ok {
			next.Dir = next.Dir.Normalize().Add(f)
		}
		lightIn = s.CastRay(next, depth-1, rng)
	case Absorb:
	}

	return m.Color.Mul(m.ColorStrength * lightIn.Norm()).Add(lightIn.Mul(m.ReflectiveStrength))
}
