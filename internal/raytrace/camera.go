package raytrace

import (
	"context"
	"image"
	"image/color"
	"math"
	"math/rand/v2"
)

const (
	ViewportS     = 0.5
	ViewportWidth = 4 * ViewportS
	FocalLength   = 1.0
)

// Camera looks down -Z from the origin through a viewport ViewportWidth wide.
type Camera struct {
	origin     Vec3
	lowerLeft  Vec3
	horizontal Vec3
	vertical   Vec3
	cameraW    int
	cameraH    int
	wSamples   int
	hSamples   int
	recursion  int
}

// NewCamera builds a camera for a cameraW x cameraH frame. samples is split
// into a floor(sqrt(samples)) wide sub-pixel grid.
func NewCamera(samples, recursion, cameraW, cameraH int) *Camera {
	origin := Vec3{}
	horizontal := V(ViewportWidth, 0, 0)
	vertical := V(0, ViewportWidth/float64(cameraW)*float64(cameraH), 0)
	lowerLeft := origin.
		Sub(horizontal.Mul(0.5)).
		Sub(vertical.Mul(0.5)).
		Sub(V(0, 0, FocalLength))

	wSamples := max(int(math.Sqrt(float64(samples))), 1)
	hSamples := max(samples/wSamples, 1)

	return &Camera{
		origin:     origin,
		lowerLeft:  lowerLeft,
		horizontal: horizontal,
		vertical:   vertical,
		cameraW:    cameraW,
		cameraH:    cameraH,
		wSamples:   wSamples,
		hSamples:   hSamples,
		recursion:  recursion,
	}
}

// ray goes through the viewport point (u, v), both in [0, 1].
func (c *Camera) ray(u, v float64) Ray {
	dir := c.lowerLeft.Add(c.horizontal.Mul(u)).Add(c.vertical.Mul(v)).Sub(c.origin)
	return Ray{Origin: c.origin, Dir: dir}
}

// RenderTile renders the w x h tile at (startX, startY), in top-down output
// coordinates. It checks ctx between rows.
func (c *Camera) RenderTile(ctx context.Context, scene *Scene, startX, startY, w, h int, rng *rand.Rand) (*image.NRGBA, error) {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	n := float64(c.wSamples * c.hSamples)

	for y := startY; y < startY+h; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// output y is top-down, camera y is bottom-up
		cameraY := c.cameraH - y - 1
		for x := startX; x < startX+w; x++ {
			var col Vec3
			for xs := 0; xs < c.wSamples; xs++ {
				for ys := 0; ys < c.hSamples; ys++ {
					xi := float64(x) + float64(xs)/float64(c.wSamples)
					yi := float64(cameraY) + float64(ys)/float64(c.hSamples)
					u := xi / float64(c.cameraW-1)
					v := yi / float64(c.cameraH-1)
					col = col.Add(scene.CastRay(c.ray(u, v), c.recursion, rng))
				}
			}
			img.SetNRGBA(x-startX, y-startY, toPixel(col.Mul(1/n)))
		}
	}
	return img, nil
}

func toPixel(v Vec3) color.NRGBA {
	return color.NRGBA{R: toU8(v.X), G: toU8(v.Y), B: toU8(v.Z), A: 255}
}

// toU8 applies gamma 2 and saturates.
func toU8(f float64) uint8 {
	if !(f > 0) {
		return 0
	}
	v := 255.999 * math.Sqrt(f)
	if v >= 255 {
		return 255
	}
	return uint8(v)
}
