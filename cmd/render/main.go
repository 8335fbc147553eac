// Command render renders one frame on local workers and remote render nodes
// and writes it as a PNG.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"tilefarm/internal/config"
	"tilefarm/internal/farm"
	"tilefarm/internal/job"
	"tilefarm/internal/pkg/logger"
	"tilefarm/internal/remote"
	"tilefarm/internal/worker"
)

func newRootCmd() *cobra.Command {
	var (
		configPath string
		out        string
	)

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render one frame into a PNG file",
		Long: `Render divides a frame into tiles and spreads them over local render
workers and any remote render nodes given with --node. Flags override the
config file and the environment.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "path to a tilefarm.yaml config file")
	f.StringVarP(&out, "out", "o", "frame.png", "output PNG path")
	f.IntP("workers", "w", 0, "local workers (default farm.local_workers)")
	f.StringArray("node", nil, "remote render node base URL (repeatable)")
	f.Uint32("tiles", 0, "tile count (default render.tiles)")
	f.Uint32("width", 0, "frame width (default render.width)")
	f.Uint32("height", 0, "frame height (default render.height)")
	f.Uint32("samples", 0, "samples per pixel (default render.samples)")
	f.Uint32("recursion", 0, "max bounces (default render.recursion)")
	f.String("scene", "", "built-in scene when no render module is set: cool or simple")
	f.String("module", "", "compiled render module (default worker.module_path)")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath, config.WithFlags(map[string]*pflag.Flag{
			"farm.local_workers": f.Lookup("workers"),
			"farm.remote_nodes":  f.Lookup("node"),
			"render.tiles":       f.Lookup("tiles"),
			"render.width":       f.Lookup("width"),
			"render.height":      f.Lookup("height"),
			"render.samples":     f.Lookup("samples"),
			"render.recursion":   f.Lookup("recursion"),
			"worker.scene":       f.Lookup("scene"),
			"worker.module_path": f.Lookup("module"),
		}))
		if err != nil {
			return err
		}
		log := logger.New(logger.Config{
			Level:       cfg.Log.Level,
			Format:      "text",
			Output:      cmd.ErrOrStderr(),
			ServiceName: "tilefarm-render",
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, out, cmd.ErrOrStderr(), log)
	}
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, out string, progressOut io.Writer, log *logger.Logger) error {
	s := job.Settings{
		Width:     cfg.Render.Width,
		Height:    cfg.Render.Height,
		Samples:   cfg.Render.Samples,
		Recursion: cfg.Render.Recursion,
	}
	tiles, err := job.Divide(s, cfg.Render.Tiles)
	if err != nil {
		return err
	}

	f := farm.New(farm.Options{
		QueueSize:  cfg.Worker.QueueSize,
		JobTimeout: cfg.Worker.JobTimeout,
		Log:        log,
	})
	defer f.Close()

	loader := worker.LoaderFromConfig(cfg.Worker, log)
	for i := 0; i < cfg.Farm.LocalWorkers; i++ {
		if err := f.AddLocal(ctx, fmt.Sprintf("local-%d", i+1), loader); err != nil {
			return err
		}
	}
	for _, base := range cfg.Farm.RemoteNodes {
		c := remote.NewClient(base, remote.Options{RPS: cfg.Farm.RemoteRPS, Burst: 1, Log: log})
		if err := f.AddRemote(ctx, c); err != nil {
			return err
		}
	}

	bar := progressbar.NewOptions(len(tiles),
		progressbar.OptionSetDescription(fmt.Sprintf("Rendering %dx%d", s.Width, s.Height)),
		progressbar.OptionSetWriter(progressOut),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	start := time.Now()
	img, err := f.Render(ctx, s, tiles, func(farm.Progress) {
		_ = bar.Add(1)
	})
	_ = bar.Finish()
	fmt.Fprintln(progressOut)
	if err != nil {
		return err
	}

	data, err := farm.EncodePNG(img)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return err
	}

	for _, st := range f.Stats() {
		log.Info("node stats",
			"node", st.Name,
			"tiles", st.Rendered,
			"last_ms", st.Last.Milliseconds(),
			"total_ms", st.Total.Milliseconds(),
		)
	}
	log.Info("frame written",
		"path", out,
		"tiles", len(tiles),
		"bytes", len(data),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
