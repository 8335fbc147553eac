package worker

import (
	"context"
	"time"

	"tilefarm/internal/pkg/errors"
	"tilefarm/internal/pkg/logger"
	"tilefarm/internal/worker/processor"
)

const (
	popTimeout   = 30 * time.Second
	popRetryWait = 1 * time.Second
)

type tileProcessor interface {
	ProcessTile(ctx context.Context, tileID string) error
}

// Run loads the render module, then renders queued tiles until ctx ends.
func Run(ctx context.Context, d Deps) error {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("worker")

	opts, err := OptionsFromConfig("queue", d.Worker, log)
	if err != nil {
		return err
	}
	w := New(LoaderFromConfig(d.Worker, log), opts)
	client := NewClient(w)
	w.Start(ctx)
	defer w.Close()

	if err := client.WaitReady(ctx); err != nil {
		return errors.Wrap(err, "worker.run", "render module failed to load")
	}
	log.Info("render module loaded", "module", d.Worker.ModulePath, "scene", d.Worker.Scene)

	p := processor.New(processor.Deps{
		Store:    d.Store,
		Renderer: client,
		SP:       d.SP,
		Log:      log,
	})

	return runLoop(ctx, d.Queue, p, log)
}

func runLoop(ctx context.Context, q TileQueue, p tileProcessor, log *logger.Logger) error {
	for {
		select {
		case <-ctx.Done():
			log.Info("worker context canceled, stopping")
			return ctx.Err()
		default:
		}

		tileID, err := q.Pop(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopping due to context cancellation")
				return ctx.Err()
			}

			log.Warn("queue pop error, retrying", "error", err.Error())
			select {
			case <-time.After(popRetryWait):
			case <-ctx.Done():
			}
			continue
		}

		if tileID == "" {
			continue
		}

		tileCtx := logger.ContextWithJobID(ctx, tileID)
		tileLog := log.WithJobID(tileID)

		tileLog.Info("processing tile")
		startTime := time.Now()

		if err := p.ProcessTile(tileCtx, tileID); err != nil {
			tileLog.Error("tile failed",
				"error", err.Error(),
				"duration_ms", time.Since(startTime).Milliseconds(),
			)
		} else {
			tileLog.Info("tile completed",
				"duration_ms", time.Since(startTime).Milliseconds(),
			)
		}
	}
}
