package models

import (
	"strconv"
	"time"

	"tilefarm/internal/job"
)

// Frame and tile statuses.
const (
	StatusQueued  = "QUEUED"
	StatusRunning = "RUNNING"
	StatusDone    = "DONE"
	StatusFailed  = "FAILED"
)

// ValidStatus reports whether s is one of the statuses above.
func ValidStatus(s string) bool {
	switch s {
	case StatusQueued, StatusRunning, StatusDone, StatusFailed:
		return true
	}
	return false
}

type Frame struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Width      uint32     `json:"width"`
	Height     uint32     `json:"height"`
	Samples    uint32     `json:"samples"`
	Recursion  uint32     `json:"recursion"`
	Tiles      int        `json:"tiles"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ErrorText  *string    `json:"error_text,omitempty"`
}

// Settings returns the render settings the frame was created with.
func (f *Frame) Settings() job.Settings {
	return job.Settings{Width: f.Width, Height: f.Height, Samples: f.Samples, Recursion: f.Recursion}
}

type Tile struct {
	ID         string     `json:"id"`
	FrameID    string     `json:"frame_id"`
	Idx        int        `json:"idx"`
	X          uint32     `json:"x"`
	Y          uint32     `json:"y"`
	W          uint32     `json:"w"`
	H          uint32     `json:"h"`
	Status     string     `json:"status"`
	ObjectKey  *string    `json:"object_key,omitempty"`
	ErrorText  *string    `json:"error_text,omitempty"`
	DurationMs *int64     `json:"duration_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Job returns the render job for the tile within frame f.
func (t *Tile) Job(f *Frame) job.RenderJob {
	return job.RenderJob{
		X: t.X, Y: t.Y, W: t.W, H: t.H,
		CameraW: f.Width, CameraH: f.Height,
		Samples: f.Samples, Recursion: f.Recursion,
	}
}

// TileObjectKey is where a tile's PNG is stored.
func TileObjectKey(frameID string, idx int) string {
	return "frames/" + frameID + "/tiles/" + strconv.Itoa(idx) + ".png"
}
