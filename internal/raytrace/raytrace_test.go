package raytrace

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilefarm/internal/job"
	"tilefarm/internal/pkg/errors"
)

func decodePNG(t *testing.T, b []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	return img
}

func TestBallIntersect(t *testing.T) {
	b := Ball{Radius: 1}

	tHit, n, ok := b.Intersect(Ray{Origin: V(0, 0, 5), Dir: V(0, 0, -1)}, hitEpsilon, 100)
	require.True(t, ok)
	assert.InDelta(t, 4, tHit, 1e-9)
	assert.InDelta(t, 1, n.Z, 1e-9)

	_, _, ok = b.Intersect(Ray{Origin: V(0, 3, 5), Dir: V(0, 0, -1)}, hitEpsilon, 100)
	assert.False(t, ok, "ray passes above the ball")

	_, _, ok = b.Intersect(Ray{Origin: V(0, 0, 5), Dir: V(0, 0, -1)}, hitEpsilon, 3)
	assert.False(t, ok, "hit is beyond max distance")

	tHit, n, ok = b.Intersect(Ray{Origin: V(0, 0, 0), Dir: V(1, 0, 0)}, hitEpsilon, 100)
	require.True(t, ok, "ray from inside hits the far side")
	assert.InDelta(t, 1, tHit, 1e-9)
	assert.InDelta(t, 1, n.X, 1e-9)
}

func TestCuboidIntersect(t *testing.T) {
	c := Cuboid{Half: V(1, 2, 3)}

	tests := []struct {
		name   string
		ray    Ray
		t      float64
		normal Vec3
	}{
		{"from +x", Ray{V(5, 0, 0), V(-1, 0, 0)}, 4, V(1, 0, 0)},
		{"from -y", Ray{V(0, -5, 0), V(0, 1, 0)}, 3, V(0, -1, 0)},
		{"from +z scaled dir", Ray{V(0, 0, 7), V(0, 0, -2)}, 2, V(0, 0, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tHit, n, ok := c.Intersect(tt.ray, hitEpsilon, 100)
			require.True(t, ok)
			assert.InDelta(t, tt.t, tHit, 1e-9)
			assert.Equal(t, tt.normal, n)
		})
	}

	_, _, ok := c.Intersect(Ray{V(5, 5, 0), V(-1, 0, 0)}, hitEpsilon, 100)
	assert.False(t, ok)
}

func TestPlacedRotation(t *testing.T) {
	// a quarter turn around z maps the box's long y axis onto x
	p := Place(Cuboid{Half: V(1, 3, 1)}, V(10, 0, 0), AxisAngle(V(0, 0, math.Pi/2)), PerfectDiffuse(V(1, 1, 1)))

	tHit, n, ok := p.intersect(Ray{Origin: V(0, 0, 0), Dir: V(1, 0, 0)}, hitEpsilon, 100)
	require.True(t, ok)
	assert.InDelta(t, 7, tHit, 1e-9)
	assert.InDelta(t, -1, n.X, 1e-9)
}

func TestAxisAngleIsOrthonormal(t *testing.T) {
	m := AxisAngle(V(0.3, -1.1, 0.7))
	prod := m.Mul(m.Transpose())
	id := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			assert.InDelta(t, id[i][j], prod[i][j], 1e-12)
		}
	}
}

func TestCastRay(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	white := func(Ray) Vec3 { return V(1, 1, 1) }

	t.Run("depth zero is black", func(t *testing.T) {
		s := NewSceneBuilder(100, white).Build()
		assert.Equal(t, Vec3{}, s.CastRay(Ray{Dir: V(0, 0, -1)}, 0, rng))
	})

	t.Run("miss returns background", func(t *testing.T) {
		s := NewSceneBuilder(100, white).Build()
		assert.Equal(t, V(1, 1, 1), s.CastRay(Ray{Dir: V(0, 0, -1)}, 3, rng))
	})

	t.Run("light source emits its colour", func(t *testing.T) {
		s := NewSceneBuilder(100, white).
			Add(Ball{Radius: 1}, V(0, 0, -5), Identity(), LightSource(V(1, 0.5, 0))).
			Build()
		assert.Equal(t, V(1, 0.5, 0), s.CastRay(Ray{Dir: V(0, 0, -1)}, 3, rng))
	})

	t.Run("absorbing surface is black", func(t *testing.T) {
		s := NewSceneBuilder(100, white).
			Add(Ball{Radius: 1}, V(0, 0, -5), Identity(), NewMaterial(V(1, 1, 1), Absorb, 1, 1)).
			Build()
		assert.Equal(t, Vec3{}, s.CastRay(Ray{Dir: V(0, 0, -1)}, 3, rng))
	})

	t.Run("perfect mirror reflects background", func(t *testing.T) {
		s := NewSceneBuilder(100, white).
			Add(Ball{Radius: 1}, V(0, 0, -5), Identity(), PerfectMirror()).
			Build()
		got := s.CastRay(Ray{Dir: V(0, 0, -1)}, 3, rng)
		assert.InDelta(t, 1, got.X, 1e-9)
	})

	t.Run("nearest hit wins", func(t *testing.T) {
		s := NewSceneBuilder(100, white).
			Add(Ball{Radius: 1}, V(0, 0, -10), Identity(), LightSource(V(0, 0, 1))).
			Add(Ball{Radius: 1}, V(0, 0, -5), Identity(), LightSource(V(1, 0, 0))).
			Build()
		assert.Equal(t, V(1, 0, 0), s.CastRay(Ray{Dir: V(0, 0, -1)}, 3, rng))
	})
}

func TestToU8(t *testing.T) {
	assert.Equal(t, uint8(0), toU8(-1))
	assert.Equal(t, uint8(0), toU8(math.NaN()))
	assert.Equal(t, uint8(255), toU8(1))
	assert.Equal(t, uint8(255), toU8(4))
	assert.Equal(t, uint8(127), toU8(0.25))
}

func TestTracerRender(t *testing.T) {
	tr := NewTracer(CoolScene(), 7)
	ctx := context.Background()

	jobs := []job.RenderJob{
		{X: 0, Y: 0, W: 16, H: 16, CameraW: 16, CameraH: 16, Samples: 1, Recursion: 1},
		{X: 0, Y: 0, W: 12, H: 7, CameraW: 96, CameraH: 54, Samples: 2, Recursion: 2},
		{X: 48, Y: 0, W: 6, H: 4, CameraW: 96, CameraH: 54, Samples: 2, Recursion: 2},
		{X: 150, Y: 157, W: 8, H: 6, CameraW: 240, CameraH: 180, Samples: 1, Recursion: 2},
	}
	for _, j := range jobs {
		t.Run(j.String(), func(t *testing.T) {
			out, err := tr.Render(ctx, j.Words())
			require.NoError(t, err)

			img := decodePNG(t, out)
			assert.Equal(t, int(j.W), img.Bounds().Dx())
			assert.Equal(t, int(j.H), img.Bounds().Dy())
		})
	}
}

func TestTracerDeterministic(t *testing.T) {
	j := job.RenderJob{X: 4, Y: 4, W: 8, H: 8, CameraW: 32, CameraH: 24, Samples: 4, Recursion: 4}

	a, err := NewTracer(SimpleScene(), 42).Render(context.Background(), j.Words())
	require.NoError(t, err)
	b, err := NewTracer(SimpleScene(), 42).Render(context.Background(), j.Words())
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestTracerErrors(t *testing.T) {
	tr := NewTracer(SimpleScene(), 1)

	_, err := tr.Render(context.Background(), []uint32{1, 2, 3})
	assert.True(t, errors.IsValidation(err))

	bad := job.RenderJob{W: 10, H: 10, CameraW: 5, CameraH: 5, Samples: 1}
	_, err = tr.Render(context.Background(), bad.Words())
	assert.True(t, errors.IsValidation(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok := job.RenderJob{W: 4, H: 4, CameraW: 4, CameraH: 4, Samples: 1, Recursion: 1}
	_, err = tr.Render(ctx, ok.Words())
	assert.True(t, errors.IsCode(err, errors.CodeCanceled))
}

func TestSceneByName(t *testing.T) {
	s, err := SceneByName("cool")
	require.NoError(t, err)
	assert.Equal(t, 4+32, s.Len())

	s, err = SceneByName("simple")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	_, err = SceneByName("teapot")
	assert.Error(t, err)
}
