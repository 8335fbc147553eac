package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"tilefarm/internal/httpkit"
	"tilefarm/internal/job"
	"tilefarm/internal/pkg/errors"
)

// Ping answers render node readiness checks.
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) error {
	if h.node == nil {
		return errors.Unavailable("render node")
	}
	httpkit.WriteBytes(w, "text/plain; charset=utf-8", []byte("pong"))
	return nil
}

// RenderTile renders the job encoded in the path, x,y,w,h,cw,ch,s,r, on the
// local worker.
func (h *Handler) RenderTile(w http.ResponseWriter, r *http.Request) error {
	if h.node == nil {
		return errors.Unavailable("render node")
	}
	j, err := job.ParsePath(chi.URLParam(r, "job"))
	if err != nil {
		return err
	}
	if err := j.Validate(); err != nil {
		return err
	}

	png, err := h.node.Render(r.Context(), j.Words())
	if err != nil {
		return err
	}

	httpkit.WriteBytes(w, "image/png", png)
	return nil
}
