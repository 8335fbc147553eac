package worker

import (
	"context"
	"time"

	"tilefarm/internal/config"
	"tilefarm/internal/pkg/logger"
	"tilefarm/internal/ports"
	"tilefarm/internal/worker/processor"
)

// TileQueue hands out queued tile ids. queue.RedisQueue implements it.
type TileQueue interface {
	Pop(ctx context.Context, timeout time.Duration) (string, error)
}

// Deps wires the queue-fed worker process.
type Deps struct {
	Store  processor.TileStore
	Queue  TileQueue
	SP     ports.StorageProvider
	Worker config.WorkerConfig
	Log    *logger.Logger
}
