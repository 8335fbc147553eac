package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tilefarm/internal/httpapi/handlers"
	"tilefarm/internal/httpkit"
	"tilefarm/internal/pkg/logger"
	"tilefarm/internal/pkg/middleware"
)

type Deps struct {
	Handlers       handlers.Deps
	CORSOrigins    []string
	RequestTimeout time.Duration
	Log            *logger.Logger
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	if d.Handlers.Log == nil {
		d.Handlers.Log = log
	}
	h := handlers.New(d.Handlers)
	wrap := func(fn middleware.ErrorHandlerFunc) http.HandlerFunc {
		return middleware.WrapHandler(log, fn)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Logging(log))

	// ---- API ----
	r.Group(func(api chi.Router) {
		api.Use(httpkit.CORS(httpkit.CORSOptions{
			AllowedOrigins: d.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAgeSeconds:  600,
		}))
		if d.RequestTimeout > 0 {
			api.Use(middleware.Timeout(d.RequestTimeout))
		}

		api.Get("/health", h.Health)

		api.Post("/frames", wrap(h.PostFrame))
		api.Get("/frames", wrap(h.ListFrames))
		api.Get("/frames/{frameId}", wrap(h.GetFrame))
		api.Get("/frames/{frameId}/image", wrap(h.FrameImage))
		api.Get("/frames/{frameId}/tiles/{tileId}/content", wrap(h.StreamTile))

		preflight(api, "/health", "/frames", "/frames/{frameId}", "/frames/{frameId}/image",
			"/frames/{frameId}/tiles/{tileId}/content")
	})

	// ---- RENDER NODE ----
	// Browser tabs and other farms call these from any origin.
	r.Group(func(node chi.Router) {
		node.Use(httpkit.CORS(httpkit.CORSOptions{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "OPTIONS"},
		}))

		node.Get("/ping", wrap(h.Ping))
		node.Get("/render/{job}", wrap(h.RenderTile))
		node.Get("/{job}", wrap(h.RenderTile))

		preflight(node, "/ping", "/render/{job}", "/{job}")
	})

	return r
}

// preflight registers OPTIONS routes so the group's CORS middleware can
// answer them.
func preflight(r chi.Router, patterns ...string) {
	noContent := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }
	for _, p := range patterns {
		r.Options(p, noContent)
	}
}
