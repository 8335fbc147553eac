package handlers

import (
	"context"

	"tilefarm/internal/job"
	"tilefarm/internal/models"
	"tilefarm/internal/pkg/logger"
	"tilefarm/internal/ports"
	"tilefarm/internal/worker"
)

// FrameStore persists frames and tiles. repositories.FrameRepository
// implements it.
type FrameStore interface {
	Create(ctx context.Context, f *models.Frame, tiles []models.Tile) error
	List(ctx context.Context, status string, limit int) ([]models.Frame, error)
	Get(ctx context.Context, id string) (*models.Frame, error)
	Tiles(ctx context.Context, frameID string) ([]models.Tile, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// TileQueue feeds tile ids to worker processes. queue.RedisQueue implements it.
type TileQueue interface {
	Push(ctx context.Context, ids ...string) error
	Ping(ctx context.Context) error
}

type Deps struct {
	// Store, Queue and SP back the /frames routes and may be nil on a
	// render-node-only server.
	Store FrameStore
	Queue TileQueue
	SP    ports.StorageProvider
	// Node renders tiles for the /ping and /{job} routes.
	Node *worker.Client
	// Tiles is the tile count used when a frame request does not give one.
	Tiles uint32
	// MaxTiles caps the tile count of one frame. Zero means job.MaxTiles.
	MaxTiles uint32
	// Defaults fill in zero fields of a frame request.
	Defaults job.Settings
	Log      *logger.Logger
}

type Handler struct {
	store    FrameStore
	queue    TileQueue
	sp       ports.StorageProvider
	node     *worker.Client
	tiles    uint32
	maxTiles uint32
	defaults job.Settings
	log      *logger.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	defaults := d.Defaults
	if defaults == (job.Settings{}) {
		defaults = job.DefaultSettings()
	}
	tiles := d.Tiles
	if tiles == 0 {
		tiles = 16
	}
	maxTiles := d.MaxTiles
	if maxTiles == 0 || maxTiles > job.MaxTiles {
		maxTiles = job.MaxTiles
	}
	return &Handler{
		store:    d.Store,
		queue:    d.Queue,
		sp:       d.SP,
		node:     d.Node,
		tiles:    tiles,
		maxTiles: maxTiles,
		defaults: defaults,
		log:      log.WithComponent("http"),
	}
}
