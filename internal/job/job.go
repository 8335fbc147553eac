// Package job defines the render job exchanged between the farm, its workers
// and remote render nodes, and how a frame is divided into tile jobs.
package job

import (
	"fmt"
	"strconv"
	"strings"

	"tilefarm/internal/pkg/errors"
)

// NumWords is the length of a marshalled RenderJob.
const NumWords = 8

// RenderJob renders the tile (X, Y, W, H) of a CameraW x CameraH frame.
type RenderJob struct {
	X         uint32 `json:"x"`
	Y         uint32 `json:"y"`
	W         uint32 `json:"w"`
	H         uint32 `json:"h"`
	CameraW   uint32 `json:"camera_w"`
	CameraH   uint32 `json:"camera_h"`
	Samples   uint32 `json:"samples"`
	Recursion uint32 `json:"recursion"`
}

// Words marshals the job in wire order.
func (j RenderJob) Words() []uint32 {
	return []uint32{j.X, j.Y, j.W, j.H, j.CameraW, j.CameraH, j.Samples, j.Recursion}
}

// FromWords is the inverse of Words.
func FromWords(words []uint32) (RenderJob, error) {
	if len(words) != NumWords {
		return RenderJob{}, errors.Validationf("render job needs %d words, got %d", NumWords, len(words)).
			WithField("words", len(words))
	}
	return RenderJob{
		X: words[0], Y: words[1], W: words[2], H: words[3],
		CameraW: words[4], CameraH: words[5],
		Samples: words[6], Recursion: words[7],
	}, nil
}

// Path renders the job as a URL path, e.g. "/0,0,120,90,960,720,4,8".
func (j RenderJob) Path() string {
	words := j.Words()
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = strconv.FormatUint(uint64(w), 10)
	}
	return "/" + strings.Join(parts, ",")
}

// ParsePath parses the output of Path. The leading slash is optional.
func ParsePath(p string) (RenderJob, error) {
	p = strings.TrimPrefix(strings.TrimSpace(p), "/")
	if p == "" {
		return RenderJob{}, errors.Validation("empty render job path")
	}

	parts := strings.Split(p, ",")
	words := make([]uint32, 0, len(parts))
	for i, s := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
		if err != nil {
			return RenderJob{}, errors.WrapWithCode(err, errors.CodeValidation, "job.parse_path",
				fmt.Sprintf("word %d is not a u32", i))
		}
		words = append(words, uint32(v))
	}
	return FromWords(words)
}

func (j RenderJob) String() string {
	return fmt.Sprintf("tile(%d,%d %dx%d of %dx%d, %d spp, %d bounces)",
		j.X, j.Y, j.W, j.H, j.CameraW, j.CameraH, j.Samples, j.Recursion)
}

// Validate checks that the tile is non-empty and lies inside the camera frame.
func (j RenderJob) Validate() error {
	switch {
	case j.W == 0 || j.H == 0:
		return errors.ValidationField("w", "tile must not be empty")
	case j.CameraW < 2 || j.CameraH < 2:
		return errors.ValidationField("camera_w", "camera must be at least 2x2")
	case j.Samples == 0:
		return errors.ValidationField("samples", "samples must be positive")
	case uint64(j.X)+uint64(j.W) > uint64(j.CameraW):
		return errors.ValidationField("x", "tile exceeds camera width")
	case uint64(j.Y)+uint64(j.H) > uint64(j.CameraH):
		return errors.ValidationField("y", "tile exceeds camera height")
	}
	return nil
}
