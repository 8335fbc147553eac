package job

import (
	"math"

	"tilefarm/internal/pkg/errors"
)

// MaxTiles caps the tile count of one frame.
const MaxTiles = 4096

// Settings describe a whole frame render.
type Settings struct {
	Width     uint32 `json:"width"`
	Height    uint32 `json:"height"`
	Samples   uint32 `json:"samples"`
	Recursion uint32 `json:"recursion"`
}

// DefaultSettings is 960x720 at 4 samples per pixel and 8 bounces.
func DefaultSettings() Settings {
	return Settings{Width: 960, Height: 720, Samples: 4, Recursion: 8}
}

func (s Settings) Validate() error {
	switch {
	case s.Width < 2 || s.Height < 2:
		return errors.ValidationField("width", "frame must be at least 2x2")
	case s.Samples == 0:
		return errors.ValidationField("samples", "samples must be positive")
	case s.Width > 16384 || s.Height > 16384:
		return errors.ValidationField("width", "frame larger than 16384 pixels per side")
	}
	return nil
}

// Frame returns the job covering the whole frame.
func (s Settings) Frame() RenderJob {
	return RenderJob{
		W: s.Width, H: s.Height,
		CameraW: s.Width, CameraH: s.Height,
		Samples: s.Samples, Recursion: s.Recursion,
	}
}

// Divide splits the frame into a grid of about n tiles, in row-major order.
//
// The grid has ceil(sqrt(n)) columns and ceil(n/cols) rows. The last column
// and row absorb the remainder so that the tiles cover every pixel exactly once.
func Divide(s Settings, n uint32) ([]RenderJob, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errors.ValidationField("tiles", "tile count must be positive")
	}
	if n > MaxTiles {
		return nil, errors.ValidationField("tiles", "too many tiles").
			WithField("tiles", n).
			WithField("max_tiles", MaxTiles)
	}

	cols := uint32(math.Ceil(math.Sqrt(float64(n))))
	rows := uint32(math.Ceil(float64(n) / float64(cols)))
	cols = min(cols, s.Width)
	rows = min(rows, s.Height)

	tileW := s.Width / cols
	tileH := s.Height / rows

	tiles := make([]RenderJob, 0, rows*cols)
	for row := uint32(0); row < rows; row++ {
		for col := uint32(0); col < cols; col++ {
			x, y := col*tileW, row*tileH
			w, h := tileW, tileH
			if col == cols-1 {
				w = s.Width - x
			}
			if row == rows-1 {
				h = s.Height - y
			}
			tiles = append(tiles, RenderJob{
				X: x, Y: y, W: w, H: h,
				CameraW: s.Width, CameraH: s.Height,
				Samples: s.Samples, Recursion: s.Recursion,
			})
		}
	}
	return tiles, nil
}
