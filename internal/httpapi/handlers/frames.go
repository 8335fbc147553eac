package handlers

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"tilefarm/internal/farm"
	"tilefarm/internal/httpkit"
	"tilefarm/internal/job"
	"tilefarm/internal/models"
	"tilefarm/internal/pkg/errors"
	"tilefarm/internal/worker/util"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type CreateFrameRequest struct {
	Width     uint32 `json:"width"`
	Height    uint32 `json:"height"`
	Samples   uint32 `json:"samples"`
	Recursion uint32 `json:"recursion"`
	Tiles     uint32 `json:"tiles"`
}

func (req CreateFrameRequest) settings(def job.Settings) job.Settings {
	s := job.Settings{Width: req.Width, Height: req.Height, Samples: req.Samples, Recursion: req.Recursion}
	if s.Width == 0 {
		s.Width = def.Width
	}
	if s.Height == 0 {
		s.Height = def.Height
	}
	if s.Samples == 0 {
		s.Samples = def.Samples
	}
	if s.Recursion == 0 {
		s.Recursion = def.Recursion
	}
	return s
}

type frameProgress struct {
	Done    int `json:"done"`
	Running int `json:"running"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

func progressOf(tiles []models.Tile) frameProgress {
	p := frameProgress{Total: len(tiles)}
	for _, t := range tiles {
		switch t.Status {
		case models.StatusDone:
			p.Done++
		case models.StatusRunning:
			p.Running++
		case models.StatusFailed:
			p.Failed++
		}
	}
	return p
}

func (h *Handler) frameRoutesEnabled() error {
	if h.store == nil || h.queue == nil || h.sp == nil {
		return errors.FailedPrecondition("frame storage is not configured on this server")
	}
	return nil
}

// PostFrame divides a frame into tiles, records them and queues every tile.
func (h *Handler) PostFrame(w http.ResponseWriter, r *http.Request) error {
	if err := h.frameRoutesEnabled(); err != nil {
		return err
	}
	ctx := r.Context()

	var req CreateFrameRequest
	if err := httpkit.DecodeJSON(w, r, &req); err != nil {
		return errors.WrapWithCode(err, errors.CodeValidation, "handlers.frames.create", "invalid json body")
	}
	s := req.settings(h.defaults)
	n := req.Tiles
	if n == 0 {
		n = h.tiles
	}
	if n > h.maxTiles {
		return errors.ValidationField("tiles", "too many tiles").
			WithField("tiles", n).
			WithField("max_tiles", h.maxTiles)
	}

	jobs, err := job.Divide(s, n)
	if err != nil {
		return err
	}

	f := &models.Frame{
		ID:        util.NewID("frm"),
		Status:    models.StatusQueued,
		Width:     s.Width,
		Height:    s.Height,
		Samples:   s.Samples,
		Recursion: s.Recursion,
		Tiles:     len(jobs),
	}
	tiles := make([]models.Tile, len(jobs))
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		tiles[i] = models.Tile{
			ID:      util.NewID("til"),
			FrameID: f.ID,
			Idx:     i,
			X:       j.X,
			Y:       j.Y,
			W:       j.W,
			H:       j.H,
			Status:  models.StatusQueued,
		}
		ids[i] = tiles[i].ID
	}

	if err := h.store.Create(ctx, f, tiles); err != nil {
		return err
	}
	if err := h.queue.Push(ctx, ids...); err != nil {
		// nothing was queued, so the frame would stay QUEUED forever
		if derr := h.store.Delete(context.WithoutCancel(ctx), f.ID); derr != nil {
			h.log.FromContext(ctx).Error("failed to drop unqueued frame",
				"frame_id", f.ID,
				"error", derr.Error(),
			)
		}
		return err
	}

	h.log.FromContext(ctx).Info("frame queued",
		"frame_id", f.ID,
		"tiles", len(tiles),
		"width", f.Width,
		"height", f.Height,
	)
	httpkit.WriteJSON(w, http.StatusCreated, map[string]any{"frame": f, "tiles": tiles})
	return nil
}

func (h *Handler) ListFrames(w http.ResponseWriter, r *http.Request) error {
	if err := h.frameRoutesEnabled(); err != nil {
		return err
	}

	status := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))
	if status != "" && !models.ValidStatus(status) {
		return errors.ValidationField("status", "unknown status").WithField("status", status)
	}
	limit := defaultListLimit
	if v, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("limit"))); err == nil && v > 0 && v <= maxListLimit {
		limit = v
	}

	frames, err := h.store.List(r.Context(), status, limit)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"frames": frames})
	return nil
}

func (h *Handler) GetFrame(w http.ResponseWriter, r *http.Request) error {
	if err := h.frameRoutesEnabled(); err != nil {
		return err
	}
	ctx := r.Context()

	f, err := h.store.Get(ctx, chi.URLParam(r, "frameId"))
	if err != nil {
		return err
	}
	tiles, err := h.store.Tiles(ctx, f.ID)
	if err != nil {
		return err
	}

	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"frame":    f,
		"tiles":    tiles,
		"progress": progressOf(tiles),
	})
	return nil
}

// StreamTile streams a rendered tile PNG.
func (h *Handler) StreamTile(w http.ResponseWriter, r *http.Request) error {
	if err := h.frameRoutesEnabled(); err != nil {
		return err
	}
	ctx := r.Context()
	frameID := chi.URLParam(r, "frameId")
	tileID := chi.URLParam(r, "tileId")

	tiles, err := h.store.Tiles(ctx, frameID)
	if err != nil {
		return err
	}
	var tile *models.Tile
	for i := range tiles {
		if tiles[i].ID == tileID {
			tile = &tiles[i]
			break
		}
	}
	if tile == nil {
		return errors.NotFound("tile", tileID).WithField("frame_id", frameID)
	}
	if tile.Status != models.StatusDone || tile.ObjectKey == nil {
		return errors.FailedPrecondition("tile is not rendered yet").
			WithField("tile_id", tileID).
			WithField("status", tile.Status)
	}

	rc, ct, size, err := h.sp.GetObject(ctx, *tile.ObjectKey)
	if err != nil {
		return err
	}
	defer rc.Close()

	if ct == "" {
		ct = "image/png"
	}
	w.Header().Set("Content-Type", ct)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	_, _ = io.Copy(w, rc)
	return nil
}

// FrameImage composes every tile of a finished frame into one PNG.
func (h *Handler) FrameImage(w http.ResponseWriter, r *http.Request) error {
	if err := h.frameRoutesEnabled(); err != nil {
		return err
	}
	ctx := r.Context()

	f, err := h.store.Get(ctx, chi.URLParam(r, "frameId"))
	if err != nil {
		return err
	}
	tiles, err := h.store.Tiles(ctx, f.ID)
	if err != nil {
		return err
	}
	if p := progressOf(tiles); p.Done != p.Total || p.Total == 0 {
		return errors.FailedPrecondition("frame has outstanding tiles").
			WithField("frame_id", f.ID).
			WithField("done", p.Done).
			WithField("total", p.Total)
	}

	jobs := make([]job.RenderJob, len(tiles))
	pngs := make([][]byte, len(tiles))
	for i := range tiles {
		jobs[i] = tiles[i].Job(f)
		if pngs[i], err = h.readObject(r, *tiles[i].ObjectKey); err != nil {
			return err
		}
	}

	img, err := farm.Compose(int(f.Width), int(f.Height), jobs, pngs)
	if err != nil {
		return err
	}
	out, err := farm.EncodePNG(img)
	if err != nil {
		return err
	}

	httpkit.WriteBytes(w, "image/png", out)
	return nil
}

func (h *Handler) readObject(r *http.Request, key string) ([]byte, error) {
	rc, _, _, err := h.sp.GetObject(r.Context(), key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrap(err, "handlers.frames.image", "read tile").WithField("object_key", key)
	}
	return b, nil
}
