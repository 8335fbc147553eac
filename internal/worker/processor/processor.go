// Package processor renders one queued tile: it loads the records, runs the
// render, stores the PNG and records the outcome.
package processor

import (
	"context"
	"time"

	"tilefarm/internal/models"
	"tilefarm/internal/pkg/errors"
	"tilefarm/internal/pkg/logger"
	"tilefarm/internal/ports"
)

// TileStore is the slice of the frame repository the processor needs.
type TileStore interface {
	Get(ctx context.Context, frameID string) (*models.Frame, error)
	Tile(ctx context.Context, tileID string) (*models.Tile, error)
	MarkTileRunning(ctx context.Context, t *models.Tile) error
	MarkTileDone(ctx context.Context, t *models.Tile, objectKey string, durationMs int64) (frameDone bool, err error)
	MarkTileFailed(ctx context.Context, t *models.Tile, msg string) error
}

// Renderer turns the eight job words into a PNG. worker.Client satisfies it.
type Renderer interface {
	Render(ctx context.Context, payload []uint32) ([]byte, error)
}

type Deps struct {
	Store    TileStore
	Renderer Renderer
	SP       ports.StorageProvider
	Log      *logger.Logger
}

type Processor struct {
	store    TileStore
	renderer Renderer
	log      *logger.Logger

	output *OutputHandler
}

func New(d Deps) *Processor {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("processor")

	return &Processor{
		store:    d.Store,
		renderer: d.Renderer,
		log:      log,
		output:   NewOutputHandler(d.SP),
	}
}

// ProcessTile renders tileID. Tiles that are already DONE, or whose frame has
// failed, are skipped. Any other failure marks the tile and frame FAILED and
// is returned.
func (p *Processor) ProcessTile(ctx context.Context, tileID string) error {
	log := p.log.FromContext(ctx).WithJobID(tileID)

	// 1. Load the tile and its frame
	tile, err := p.store.Tile(ctx, tileID)
	if err != nil {
		return errors.Wrap(err, "processor.fetch", "failed to fetch tile")
	}
	if tile.Status == models.StatusDone {
		log.Info("tile already done, skipping")
		return nil
	}
	frame, err := p.store.Get(ctx, tile.FrameID)
	if err != nil {
		return p.failTile(ctx, tile, errors.Wrap(err, "processor.fetch", "failed to fetch frame"))
	}
	if frame.Status == models.StatusFailed {
		log.Info("frame already failed, skipping tile", "frame_id", frame.ID)
		return nil
	}

	j := tile.Job(frame)
	if err := j.Validate(); err != nil {
		return p.failTile(ctx, tile, errors.WrapWithCode(err, errors.CodeValidation, "processor.validate", "invalid tile"))
	}

	// 2. Mark as running
	if err := p.store.MarkTileRunning(ctx, tile); err != nil {
		return p.failTile(ctx, tile, errors.Wrap(err, "processor.status", "failed to mark tile as running"))
	}

	// 3. Render
	log.Debug("starting render", "tile", j.String())
	start := time.Now()
	png, err := p.renderer.Render(ctx, j.Words())
	if err != nil {
		return p.failTile(ctx, tile, errors.Wrap(err, "processor.render", "render failed"))
	}
	elapsed := time.Since(start)

	// 4. Store the PNG
	key, err := p.output.StoreTile(ctx, tile, png)
	if err != nil {
		return p.failTile(ctx, tile, errors.Wrap(err, "processor.output", "failed to store tile"))
	}

	// 5. Mark as done
	frameDone, err := p.store.MarkTileDone(ctx, tile, key, elapsed.Milliseconds())
	if err != nil {
		return p.failTile(ctx, tile, errors.Wrap(err, "processor.status", "failed to mark tile as done"))
	}
	log.Debug("tile stored", "object_key", key, "bytes", len(png), "render_ms", elapsed.Milliseconds())
	if frameDone {
		log.Info("frame completed", "frame_id", frame.ID, "tiles", frame.Tiles)
	}
	return nil
}

func (p *Processor) failTile(ctx context.Context, tile *models.Tile, cause error) error {
	log := p.log.FromContext(ctx).WithJobID(tile.ID)

	var tfErr *errors.Error
	if errors.As(cause, &tfErr) {
		log.Error("tile failed",
			"code", string(tfErr.Code),
			"op", tfErr.Op,
			"message", tfErr.Message,
			"frame_id", tile.FrameID,
		)
	} else {
		log.Error("tile failed", "error", cause.Error(), "frame_id", tile.FrameID)
	}

	// the failure is recorded even when the job context has already ended
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.store.MarkTileFailed(recordCtx, tile, cause.Error()); err != nil {
		log.Error("failed to record tile failure", "error", err.Error())
	}
	return cause
}
