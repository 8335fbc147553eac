// Command bundle builds the browser viewer from a build manifest.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"tilefarm/internal/bundle"
	"tilefarm/internal/pkg/logger"
)

var (
	manifestPath string
	srcDir       string
)

var rootCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Build the viewer bundle from a manifest",
	Long: `bundle reads a YAML build manifest, writes the bundled entry module
and copies the declared static files into the output directory. Every emitted
file is logged with its size and blake3 digest.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&manifestPath, "manifest", "m", "tilefarm.bundle.yaml", "build manifest")
	rootCmd.Flags().StringVar(&srcDir, "src", "", "source directory (default: the manifest's directory)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Format:      "text",
		Output:      cmd.ErrOrStderr(),
		ServiceName: "tilefarm-bundle",
	}).WithComponent("bundle")

	m, err := bundle.Load(manifestPath)
	if err != nil {
		return err
	}

	src := srcDir
	if src == "" {
		src = filepath.Dir(manifestPath)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rep, err := bundle.Build(ctx, m, src)
	if err != nil {
		return err
	}

	for _, f := range rep.Files {
		log.Info("emitted", "path", f.Path, "size", f.Size, "blake3", f.Digest)
	}
	log.Info("bundle built",
		"output", rep.OutputDir,
		"artifact", rep.Artifact,
		"modules", len(rep.Modules),
		"files", len(rep.Files),
		"duration_ms", rep.Duration.Milliseconds(),
	)
	return nil
}
