// Package farm spreads the tiles of a frame over local workers and remote
// render nodes and composes the results into one image.
package farm

import (
	"bytes"
	"context"
	"image"
	"image/draw"
	"image/png"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tilefarm/internal/job"
	"tilefarm/internal/pkg/errors"
	"tilefarm/internal/pkg/logger"
	"tilefarm/internal/remote"
	"tilefarm/internal/worker"
)

// MaxNodes caps the number of nodes in one farm.
const MaxNodes = 20

// Progress is reported after every finished tile.
type Progress struct {
	Done    int
	Total   int
	Node    string
	Tile    job.RenderJob
	Elapsed time.Duration
}

// NodeStats describes one node's work so far.
type NodeStats struct {
	Name     string        `json:"name"`
	State    string        `json:"state"`
	Busy     bool          `json:"busy"`
	Rendered int           `json:"rendered"`
	Last     time.Duration `json:"last_ns"`
	Total    time.Duration `json:"total_ns"`
}

type node struct {
	name   string
	w      *worker.Worker
	client *worker.Client

	busy     bool
	rendered int
	last     time.Duration
	total    time.Duration
}

type Options struct {
	// QueueSize and JobTimeout apply to the worker behind each node.
	QueueSize  int
	JobTimeout time.Duration
	Log        *logger.Logger
}

// Farm owns a set of render nodes. Render may run one frame at a time.
type Farm struct {
	opts Options
	log  *logger.Logger

	mu     sync.Mutex
	nodes  []*node
	cancel context.CancelFunc
}

func New(opts Options) *Farm {
	log := opts.Log
	if log == nil {
		log = logger.NewNop()
	}
	return &Farm{opts: opts, log: log.WithComponent("farm")}
}

// AddLocal starts a worker running loader and adds it as a node.
func (f *Farm) AddLocal(ctx context.Context, name string, loader worker.Loader) error {
	return f.add(ctx, name, loader)
}

// AddRemote adds a render node reached through c. The node becomes ready once
// it answers a ping.
func (f *Farm) AddRemote(ctx context.Context, c *remote.Client) error {
	return f.add(ctx, c.BaseURL(), func(ctx context.Context) (worker.Renderer, error) {
		if err := c.Ping(ctx); err != nil {
			return nil, err
		}
		return c, nil
	})
}

func (f *Farm) add(ctx context.Context, name string, loader worker.Loader) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.nodes) >= MaxNodes {
		return errors.ResourceExhausted("farm nodes", MaxNodes).WithField("node", name)
	}
	for _, n := range f.nodes {
		if n.name == name {
			return errors.Conflict("node already added").WithField("node", name)
		}
	}

	w := worker.New(loader, worker.Options{
		Name:       name,
		QueueSize:  f.opts.QueueSize,
		JobTimeout: f.opts.JobTimeout,
		Log:        f.log,
	})
	c := worker.NewClient(w)
	w.Start(ctx)

	f.nodes = append(f.nodes, &node{name: name, w: w, client: c})
	f.log.Info("node added", "node", name, "nodes", len(f.nodes))
	return nil
}

// Len returns the number of nodes.
func (f *Farm) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.nodes)
}

func (f *Farm) Stats() []NodeStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]NodeStats, 0, len(f.nodes))
	for _, n := range f.nodes {
		out = append(out, NodeStats{
			Name:     n.name,
			State:    n.w.State().String(),
			Busy:     n.busy,
			Rendered: n.rendered,
			Last:     n.last,
			Total:    n.total,
		})
	}
	return out
}

// Render renders every tile and composes them into a settings-sized image.
// Tiles are taken from a shared pool by whichever node is ready and idle, and
// idle nodes keep waiting on the pool until the frame is complete. A node whose
// worker becomes unavailable hands its tile back and leaves the frame; any
// other tile error fails the frame. When every node has left with tiles still
// outstanding, Render fails with UNAVAILABLE.
func (f *Farm) Render(ctx context.Context, s job.Settings, tiles []job.RenderJob, progress func(Progress)) (*image.NRGBA, error) {
	const op = "farm.render"

	if err := s.Validate(); err != nil {
		return nil, err
	}
	frame := s.Frame()
	for _, t := range tiles {
		if err := t.Validate(); err != nil {
			return nil, errors.Wrap(err, op, "invalid tile").WithField("tile", t.String())
		}
		if t.CameraW != frame.CameraW || t.CameraH != frame.CameraH {
			return nil, errors.ValidationField("tiles", "tile belongs to a different frame").WithField("tile", t.String())
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	f.mu.Lock()
	if f.cancel != nil {
		f.mu.Unlock()
		return nil, errors.Conflict("a frame is already rendering")
	}
	if len(f.nodes) == 0 {
		f.mu.Unlock()
		return nil, errors.FailedPrecondition("farm has no nodes")
	}
	f.cancel = cancel
	nodes := append([]*node(nil), f.nodes...)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.cancel = nil
		f.mu.Unlock()
	}()

	pool := make(chan job.RenderJob, len(tiles))
	for _, t := range tiles {
		pool <- t
	}

	img := image.NewNRGBA(image.Rect(0, 0, int(s.Width), int(s.Height)))
	var (
		composeMu sync.Mutex
		done      int
	)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	// nodeCtx ends once every tile is composed, releasing idle and loading nodes.
	nodeCtx, release := context.WithCancel(gctx)
	defer release()
	if len(tiles) == 0 {
		release()
	}

	for _, n := range nodes {
		g.Go(func() error {
			if err := n.client.WaitReady(nodeCtx); err != nil {
				if nodeCtx.Err() == nil {
					f.log.Warn("node not ready, skipping", "node", n.name, "error", err.Error())
				}
				return nil
			}
			for {
				var t job.RenderJob
				select {
				case <-nodeCtx.Done():
					return nil
				case t = <-pool:
				}

				f.setBusy(n, true)
				tileStart := time.Now()
				out, err := n.client.Render(nodeCtx, t.Words())
				elapsed := time.Since(tileStart)
				f.finish(n, err == nil, elapsed)

				if err != nil {
					if nodeCtx.Err() != nil {
						return nil
					}
					if errors.IsCode(err, errors.CodeUnavailable) {
						f.log.Warn("node lost, returning tile to pool", "node", n.name, "tile", t.String(), "error", err.Error())
						pool <- t
						return nil
					}
					return errors.Wrap(err, op, "render tile").WithFields(map[string]any{"node": n.name, "tile": t.String()})
				}

				composeMu.Lock()
				err = compose(img, t, out)
				if err == nil {
					done++
					if progress != nil {
						progress(Progress{Done: done, Total: len(tiles), Node: n.name, Tile: t, Elapsed: elapsed})
					}
					if done == len(tiles) {
						release()
					}
				}
				composeMu.Unlock()
				if err != nil {
					return errors.Wrap(err, op, "compose tile").WithField("node", n.name)
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, op, "frame stopped")
	}
	if done < len(tiles) {
		return nil, errors.Unavailable("render nodes").
			WithField("rendered", done).
			WithField("tiles", len(tiles))
	}

	f.log.Info("frame rendered",
		"tiles", len(tiles),
		"nodes", len(nodes),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return img, nil
}

// Stop interrupts the frame being rendered, if any. Render then returns a
// CANCELED error.
func (f *Farm) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
}

// Close stops every node's worker.
func (f *Farm) Close() error {
	f.mu.Lock()
	nodes := f.nodes
	f.nodes = nil
	f.mu.Unlock()

	for _, n := range nodes {
		_ = n.w.Close()
	}
	return nil
}

func (f *Farm) setBusy(n *node, busy bool) {
	f.mu.Lock()
	n.busy = busy
	f.mu.Unlock()
}

func (f *Farm) finish(n *node, ok bool, elapsed time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n.busy = false
	if !ok {
		return
	}
	n.rendered++
	n.last = elapsed
	n.total += elapsed
}

// compose decodes a tile PNG and draws it at the tile's offset.
func compose(dst draw.Image, t job.RenderJob, pngBytes []byte) error {
	src, err := png.Decode(bytes.NewReader(pngBytes))
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeInternal, "farm.compose", "decode tile png")
	}
	b := src.Bounds()
	if b.Dx() != int(t.W) || b.Dy() != int(t.H) {
		return errors.Internalf("tile is %dx%d, want %dx%d", b.Dx(), b.Dy(), t.W, t.H).WithField("tile", t.String())
	}
	r := image.Rect(int(t.X), int(t.Y), int(t.X+t.W), int(t.Y+t.H))
	draw.Draw(dst, r, src, b.Min, draw.Src)
	return nil
}

// Compose draws already rendered tiles into a w x h image.
func Compose(width, height int, tiles []job.RenderJob, pngs [][]byte) (*image.NRGBA, error) {
	if len(tiles) != len(pngs) {
		return nil, errors.Internalf("%d tiles but %d images", len(tiles), len(pngs))
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i, t := range tiles {
		if err := compose(img, t, pngs[i]); err != nil {
			return nil, err
		}
	}
	return img, nil
}

// EncodePNG encodes img.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errors.Wrap(err, "farm.encode", "encode png")
	}
	return buf.Bytes(), nil
}
