package worker

import (
	"context"
	"time"

	"tilefarm/internal/config"
	"tilefarm/internal/pkg/logger"
	"tilefarm/internal/raytrace"
	"tilefarm/internal/wasmhost"
)

// LoaderFromConfig loads the render module at cfg.ModulePath, or the native
// ray tracer for cfg.Scene when no module is configured.
func LoaderFromConfig(cfg config.WorkerConfig, log *logger.Logger) Loader {
	if cfg.ModulePath != "" {
		return func(ctx context.Context) (Renderer, error) {
			return wasmhost.Open(ctx, cfg.ModulePath, wasmhost.Config{
				MemoryLimitPages: cfg.MemoryLimitPages,
				Log:              log,
			})
		}
	}
	return func(context.Context) (Renderer, error) {
		scene, err := raytrace.SceneByName(cfg.Scene)
		if err != nil {
			return nil, err
		}
		return raytrace.NewTracer(scene, uint64(time.Now().UnixNano())), nil
	}
}

// OptionsFromConfig builds worker options for a worker called name.
func OptionsFromConfig(name string, cfg config.WorkerConfig, log *logger.Logger) (Options, error) {
	policy, err := ParsePolicy(cfg.Backpressure)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Name:       name,
		QueueSize:  cfg.QueueSize,
		Policy:     policy,
		JobTimeout: cfg.JobTimeout,
		Log:        log,
	}, nil
}
