package raytrace

import (
	"math"

	"tilefarm/internal/pkg/errors"
)

// SceneByName returns one of the built-in scenes ("cool" or "simple").
func SceneByName(name string) (*Scene, error) {
	switch name {
	case "", "cool":
		return CoolScene(), nil
	case "simple":
		return SimpleScene(), nil
	default:
		return nil, errors.ValidationField("scene", "unknown scene").WithField("scene", name)
	}
}

// CoolScene is a dusk landscape: a green floor sphere, a dark mirror ball
// with a red die underneath, four rings of small bronze balls and a moon.
func CoolScene() *Scene {
	const maxDistance = 1_000_000.0
	b := NewSceneBuilder(maxDistance, sky)
	id := Identity()
	depth := -5 * ViewportWidth

	floorCol := V(0.025, 0.4, 0.0325).Mul(1 / 1.5)
	b.Add(Ball{Radius: ViewportWidth * 100},
		V(0, ViewportWidth*-100.5-2.5, depth), id,
		Diffuse(floorCol, 0.75).WithFuzz(0.125))

	centerR := ViewportWidth
	centerH := 0.5
	b.Add(Ball{Radius: centerR},
		V(0, centerH+1.75*centerR, depth), id,
		DarkMirror(0.1))

	moonD := ViewportWidth * 500
	b.Add(Ball{Radius: ViewportWidth * 100},
		V(-1.5*moonD, 1.5*moonD, -2*moonD), id,
		LightSource(V(1, 1, 0.1)))

	dieRot := AxisAngle(V(math.Pi/4, 0, 0)).
		Mul(AxisAngle(V(0, 0, math.Pi/4))).
		Mul(AxisAngle(V(0, math.Pi/2, 0)))
	side := centerR * 0.3819
	b.Add(Cuboid{Half: V(side, side, side)},
		V(0, centerH-3, depth), dieRot,
		MetalMaterial(V(0.839, 0.25, 0.27), 0.95, 0.25))

	small := ViewportWidth / 4
	bronze := MetalMaterial(V(0.313, 0.196, 0.078), 1, 0.1).WithFuzz(0.05)
	for ring := 0; ring < 4; ring++ {
		r := centerR + 1 + 1.25*float64(ring)
		y := centerH - float64(ring)*1.25
		for i := 0; i < 8; i++ {
			alpha := math.Pi / 4 * (float64(i) + 0.5)
			b.Add(Ball{Radius: small},
				V(r*math.Cos(alpha), y, r*math.Sin(alpha)+depth), id,
				bronze)
		}
	}

	return b.Build()
}

// SimpleScene is a fuzzy metal ball resting on a green floor.
func SimpleScene() *Scene {
	b := NewSceneBuilder(100, simpleBackground)
	id := Identity()

	b.Add(Ball{Radius: ViewportWidth * 100},
		V(0, ViewportWidth*-100.5, -5*ViewportWidth), id,
		Diffuse(V(0.2, 0.8, 0.2), 0.5))
	b.Add(Ball{Radius: ViewportWidth},
		V(0, 0, -5*ViewportWidth), id,
		MetalMaterial(V(1, 1, 1), 0.05, 0.9).WithFuzz(0.5))

	return b.Build()
}

func sky(r Ray) Vec3 {
	dir := r.Dir.Normalize()

	sunPos := V(0.5, -0.15, -1).Normalize()
	sunDistance := dir.Sub(sunPos).NormSquared()
	sunCol := V(1.5, 0.273, 0)
	if sunDistance < 0.02 {
		return sunCol
	}

	horizon := V(0.5, 0.1, 0.05)
	skyCol := V(0.5, 0.5, 1.75)
	t := math.Min(math.Max(0.35-dir.Y, 0), 1)

	sunLight := sunCol.Mul(math.Pow(0.9, sunDistance*100))

	return skyCol.Mul(0.5 * (1 - t)).Add(horizon.Mul(t)).Add(sunLight)
}

func simpleBackground(r Ray) Vec3 {
	t := r.Dir.Normalize().Y
	return V(t, t, t)
}
