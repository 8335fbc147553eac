package raytrace

import (
	"math"
	"math/rand/v2"
)

// Reflection selects how a surface scatters the rays that hit it.
type Reflection int

const (
	// Lambert scatters in a cosine-weighted random direction around the normal.
	Lambert Reflection = iota
	// Metal mirrors the incoming ray.
	Metal
	// Absorb ends the path.
	Absorb
)

// Material describes a surface.
type Material struct {
	Reflection Reflection
	Color      Vec3
	// ColorStrength is how much incoming light is converted to Color.
	ColorStrength float64
	// ReflectiveStrength is how much incoming light is passed on unchanged.
	ReflectiveStrength float64
	// Fuzz, when positive, jitters scattered rays by up to Fuzz per axis.
	Fuzz float64
	// Emissive surfaces return ColorStrength*Color regardless of incoming light.
	Emissive bool
}

func NewMaterial(color Vec3, r Reflection, colorStrength, reflectiveStrength float64) Material {
	return Material{
		Reflection:         r,
		Color:              color,
		ColorStrength:      colorStrength,
		ReflectiveStrength: reflectiveStrength,
	}
}

func PerfectDiffuse(color Vec3) Material {
	return NewMaterial(color, Lambert, 1, 0)
}

func Diffuse(color Vec3, absorb float64) Material {
	return NewMaterial(color, Lambert, 1-absorb, 0)
}

func PerfectMirror() Material {
	return NewMaterial(Vec3{}, Metal, 0, 1)
}

func DarkMirror(absorb float64) Material {
	return MetalMaterial(Vec3{}, 0, 1-absorb)
}

func MetalMaterial(color Vec3, colorStrength, reflect float64) Material {
	return NewMaterial(color, Metal, colorStrength, reflect)
}

func LightSource(color Vec3) Material {
	m := NewMaterial(color, Absorb, 1, 0)
	m.Emissive = true
	return m
}

// WithFuzz returns a copy of m with the given fuzz.
func (m Material) WithFuzz(f float64) Material {
	m.Fuzz = f
	return m
}

func (m Material) fuzz(rng *rand.Rand) (Vec3, bool) {
	if m.Fuzz <= 0 {
		return Vec3{}, false
	}
	f := m.Fuzz
	return Vec3{
		rng.Float64()*2*f - f,
		rng.Float64()*2*f - f,
		rng.Float64()*2*f - f,
	}, true
}

func mirrorReflection(dir, point, normal Vec3) Ray {
	return Ray{Origin: point, Dir: dir.Sub(normal.Mul(2 * dir.Dot(normal)))}
}

func lambertianReflection(point, normal Vec3, rng *rand.Rand) Ray {
	a := rng.Float64() * 2 * math.Pi
	z := rng.Float64()*2 - 1
	r := math.Sqrt(1 - z*z)
	return Ray{Origin: point, Dir: normal.Add(Vec3{r * math.Cos(a), r * math.Sin(a), z})}
}
