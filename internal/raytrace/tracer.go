// Package raytrace is a small CPU path tracer that renders one tile of a
// scene into a PNG. It is the native render backend used when no compiled
// render module is configured.
package raytrace

import (
	"bytes"
	"context"
	"image/png"
	"math/rand/v2"

	"tilefarm/internal/job"
	"tilefarm/internal/pkg/errors"
)

// Tracer renders marshalled render jobs against a fixed scene.
type Tracer struct {
	scene *Scene
	seed  uint64
}

// NewTracer returns a Tracer for scene. Renders of the same job with the same
// seed produce identical PNGs.
func NewTracer(scene *Scene, seed uint64) *Tracer {
	return &Tracer{scene: scene, seed: seed}
}

// Render decodes words as a job.RenderJob and returns the tile as PNG bytes.
func (t *Tracer) Render(ctx context.Context, words []uint32) ([]byte, error) {
	const op = "raytrace.render"

	j, err := job.FromWords(words)
	if err != nil {
		return nil, errors.Wrap(err, op, "decode job")
	}
	if err := j.Validate(); err != nil {
		return nil, errors.Wrap(err, op, "invalid job")
	}

	cam := NewCamera(int(j.Samples), int(j.Recursion), int(j.CameraW), int(j.CameraH))
	img, err := cam.RenderTile(ctx, t.scene, int(j.X), int(j.Y), int(j.W), int(j.H), t.rng(words))
	if err != nil {
		return nil, errors.Wrap(err, op, "render interrupted")
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errors.Wrap(err, op, "encode png")
	}
	return buf.Bytes(), nil
}

func (t *Tracer) rng(words []uint32) *rand.Rand {
	var h uint64 = 14695981039346656037
	for _, w := range words {
		h ^= uint64(w)
		h *= 1099511628211
	}
	return rand.New(rand.NewPCG(t.seed, h))
}
