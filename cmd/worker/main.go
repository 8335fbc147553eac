package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"tilefarm/internal/config"
	"tilefarm/internal/pkg/logger"
	"tilefarm/internal/pkg/shutdown"
	"tilefarm/internal/repositories"
	"tilefarm/internal/storage"
	"tilefarm/internal/worker"
	"tilefarm/internal/worker/queue"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tilefarm-worker",
	Short: "Render queued tiles",
	Long: `tilefarm-worker pops tile ids from the Redis queue, renders each tile
on an in-process render worker, stores the PNG and records the result in
Postgres.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a tilefarm.yaml config file")
	rootCmd.Flags().String("queue", "", "Redis list holding tile ids (default redis.queue)")
	rootCmd.Flags().String("module", "", "compiled render module (default worker.module_path)")
	rootCmd.Flags().String("scene", "", "built-in scene when no render module is set")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	cfg, err := config.Load(configPath, config.WithFlags(map[string]*pflag.Flag{
		"redis.queue":        f.Lookup("queue"),
		"worker.module_path": f.Lookup("module"),
		"worker.scene":       f.Lookup("scene"),
	}))
	if err != nil {
		return err
	}
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "tilefarm-worker",
	})
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}

	ctx := cmd.Context()
	shutdownMgr := shutdown.NewManager(log, 30*time.Second)

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	shutdownMgr.RegisterSimple("postgres", pool.Close)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	shutdownMgr.Register("redis", func(context.Context) error {
		return rdb.Close()
	})

	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	shutdownMgr.Register("worker", func(ctx context.Context) error {
		cancel()
		select {
		case <-stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	var runErr error
	go func() {
		log.Info("tilefarm worker started",
			"queue", cfg.Redis.Queue,
			"storage", sp.Provider(),
		)
		err := worker.Run(runCtx, worker.Deps{
			Store:  repositories.NewFrameRepository(pool),
			Queue:  queue.NewRedisQueue(rdb, cfg.Redis.Queue),
			SP:     sp,
			Worker: cfg.Worker,
			Log:    log,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
		close(stopped)
		if runErr != nil {
			log.Error("worker stopped", "error", runErr.Error())
			_ = shutdownMgr.Shutdown()
		}
	}()

	if err := shutdownMgr.Wait(); err != nil {
		return err
	}
	<-stopped
	return runErr
}
