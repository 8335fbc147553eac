package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"tilefarm/internal/config"
	"tilefarm/internal/httpapi"
	"tilefarm/internal/httpapi/handlers"
	"tilefarm/internal/job"
	"tilefarm/internal/pkg/logger"
	"tilefarm/internal/pkg/shutdown"
	"tilefarm/internal/repositories"
	"tilefarm/internal/storage"
	"tilefarm/internal/worker"
	"tilefarm/internal/worker/queue"
)

var (
	configPath string
	nodeOnly   bool
)

var rootCmd = &cobra.Command{
	Use:   "tilefarm-api",
	Short: "Serve the frame API and the render node routes",
	Long: `tilefarm-api serves /frames backed by Postgres, Redis and the storage
provider, plus the /ping and /render/{job} routes of a render node. With
--node-only only the render node routes are served.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a tilefarm.yaml config file")
	rootCmd.Flags().BoolVar(&nodeOnly, "node-only", false, "serve only the render node routes, without Postgres and Redis")
	rootCmd.Flags().StringP("port", "p", "", "HTTP port (default http.port)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath, config.WithFlags(map[string]*pflag.Flag{
		"http.port": cmd.Flags().Lookup("port"),
	}))
	if err != nil {
		return err
	}

	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "tilefarm-api",
		AddSource:   os.Getenv("LOG_SOURCE") == "true",
	})

	log.Info("starting tilefarm API",
		"version", "0.1.0",
		"node_only", nodeOnly,
	)

	ctx := cmd.Context()
	shutdownMgr := shutdown.NewManager(log, 30*time.Second)

	hd := handlers.Deps{
		Tiles:    cfg.Render.Tiles,
		MaxTiles: cfg.Render.MaxTiles,
		Defaults: job.Settings{
			Width:     cfg.Render.Width,
			Height:    cfg.Render.Height,
			Samples:   cfg.Render.Samples,
			Recursion: cfg.Render.Recursion,
		},
		Log: log,
	}

	if !nodeOnly {
		if err := cfg.RequireDatabase(); err != nil {
			log.LogFatal("missing required configuration", err)
		}

		// Connect to PostgreSQL
		log.Info("connecting to PostgreSQL")
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			log.LogFatal("failed to connect to PostgreSQL", err)
		}
		shutdownMgr.RegisterSimple("postgres", pool.Close)

		if err := pool.Ping(ctx); err != nil {
			log.LogFatal("failed to ping PostgreSQL", err)
		}
		repo := repositories.NewFrameRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			log.LogFatal("failed to create schema", err)
		}
		log.Info("PostgreSQL connected")

		// Connect to Redis
		log.Info("connecting to Redis")
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		shutdownMgr.Register("redis", func(context.Context) error {
			return rdb.Close()
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.LogFatal("failed to ping Redis", err)
		}
		log.Info("Redis connected", "queue", cfg.Redis.Queue)

		// Initialize storage provider
		sp, err := storage.NewProvider(ctx, cfg.Storage)
		if err != nil {
			log.LogFatal("failed to initialize storage provider", err)
		}
		log.Info("storage provider initialized", "provider", sp.Provider())

		hd.Store = repo
		hd.Queue = queue.NewRedisQueue(rdb, cfg.Redis.Queue)
		hd.SP = sp
	}

	// Local render worker behind the node routes
	opts, err := worker.OptionsFromConfig("node", cfg.Worker, log)
	if err != nil {
		log.LogFatal("invalid worker configuration", err)
	}
	w := worker.New(worker.LoaderFromConfig(cfg.Worker, log), opts)
	hd.Node = worker.NewClient(w)
	w.Start(ctx)
	shutdownMgr.Register("render-worker", func(context.Context) error {
		return w.Close()
	})

	router := httpapi.NewRouter(httpapi.Deps{
		Handlers:       hd,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		Log:            log,
	})

	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.HTTP.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.HTTP.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening",
			"addr", server.Addr,
			"port", cfg.HTTP.Port,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	if err := shutdownMgr.Wait(); err != nil {
		log.Error("shutdown finished with errors", "error", err.Error())
		return err
	}
	return nil
}
