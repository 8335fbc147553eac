package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilefarm/internal/config"
	"tilefarm/internal/job"
	"tilefarm/internal/pkg/errors"
	"tilefarm/internal/pkg/logger"
)

// scriptedQueue returns its items in order, then blocks until ctx ends.
type scriptedQueue struct {
	mu    sync.Mutex
	items []any // string or error
}

func (q *scriptedQueue) Pop(ctx context.Context, _ time.Duration) (string, error) {
	q.mu.Lock()
	if len(q.items) > 0 {
		it := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		if err, ok := it.(error); ok {
			return "", err
		}
		return it.(string), nil
	}
	q.mu.Unlock()
	<-ctx.Done()
	return "", ctx.Err()
}

type recordingProcessor struct {
	mu   sync.Mutex
	seen []string
	done chan struct{}
	want int
}

func (p *recordingProcessor) ProcessTile(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, id)
	if len(p.seen) == p.want {
		close(p.done)
	}
	if id == "bad" {
		return errors.Validation("bad tile")
	}
	return nil
}

func TestRunLoop(t *testing.T) {
	q := &scriptedQueue{items: []any{"til_a", "", errors.Unavailable("redis"), "bad", "til_b"}}
	p := &recordingProcessor{done: make(chan struct{}), want: 3}

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- runLoop(ctx, q, p, logger.NewNop()) }()

	select {
	case <-p.done:
	case <-time.After(3 * time.Second):
		t.Fatal("tiles were not processed")
	}
	cancel()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("run loop did not stop")
	}
	assert.Equal(t, []string{"til_a", "bad", "til_b"}, p.seen)
}

func TestLoaderFromConfig(t *testing.T) {
	ctx := context.Background()

	r, err := LoaderFromConfig(config.WorkerConfig{Scene: "simple"}, logger.NewNop())(ctx)
	require.NoError(t, err)
	out, err := r.Render(ctx, job.RenderJob{W: 2, H: 2, CameraW: 4, CameraH: 4, Samples: 1, Recursion: 1}.Words())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, out[:4])

	_, err = LoaderFromConfig(config.WorkerConfig{Scene: "nope"}, logger.NewNop())(ctx)
	assert.True(t, errors.IsValidation(err))

	_, err = LoaderFromConfig(config.WorkerConfig{ModulePath: t.TempDir() + "/missing.wasm"}, logger.NewNop())(ctx)
	assert.True(t, errors.IsNotFound(err))
}

func TestOptionsFromConfig(t *testing.T) {
	opts, err := OptionsFromConfig("n1", config.WorkerConfig{QueueSize: 8, Backpressure: "reject", JobTimeout: time.Second}, nil)
	require.NoError(t, err)
	assert.Equal(t, Options{Name: "n1", QueueSize: 8, Policy: PolicyReject, JobTimeout: time.Second}, opts)

	_, err = OptionsFromConfig("n1", config.WorkerConfig{Backpressure: "drop"}, nil)
	assert.Error(t, err)
}
