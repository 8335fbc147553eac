package processor

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilefarm/internal/adapters/storage/localfs"
	"tilefarm/internal/models"
	"tilefarm/internal/pkg/errors"
	"tilefarm/internal/pkg/logger"
)

type fakeStore struct {
	mu     sync.Mutex
	frames map[string]*models.Frame
	tiles  map[string]*models.Tile
	failed map[string]string
}

func newFakeStore(f *models.Frame, tiles ...models.Tile) *fakeStore {
	s := &fakeStore{
		frames: map[string]*models.Frame{f.ID: f},
		tiles:  map[string]*models.Tile{},
		failed: map[string]string{},
	}
	for i := range tiles {
		s.tiles[tiles[i].ID] = &tiles[i]
	}
	return s
}

func (s *fakeStore) Get(_ context.Context, id string) (*models.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.frames[id]
	if !ok {
		return nil, errors.NotFound("frame", id)
	}
	cp := *f
	return &cp, nil
}

func (s *fakeStore) Tile(_ context.Context, id string) (*models.Tile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tiles[id]
	if !ok {
		return nil, errors.NotFound("tile", id)
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) MarkTileRunning(_ context.Context, t *models.Tile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiles[t.ID].Status = models.StatusRunning
	if f := s.frames[t.FrameID]; f.Status == models.StatusQueued {
		f.Status = models.StatusRunning
	}
	return nil
}

func (s *fakeStore) MarkTileDone(_ context.Context, t *models.Tile, key string, ms int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.tiles[t.ID]
	st.Status = models.StatusDone
	st.ObjectKey = &key
	st.DurationMs = &ms
	for _, other := range s.tiles {
		if other.FrameID == t.FrameID && other.Status != models.StatusDone {
			return false, nil
		}
	}
	s.frames[t.FrameID].Status = models.StatusDone
	return true, nil
}

func (s *fakeStore) MarkTileFailed(_ context.Context, t *models.Tile, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiles[t.ID].Status = models.StatusFailed
	s.frames[t.FrameID].Status = models.StatusFailed
	s.failed[t.ID] = msg
	return nil
}

type fakeRenderer struct {
	err   error
	calls [][]uint32
}

func (r *fakeRenderer) Render(_ context.Context, payload []uint32) ([]byte, error) {
	r.calls = append(r.calls, payload)
	if r.err != nil {
		return nil, r.err
	}
	return []byte("png:tile"), nil
}

func fixture() (*models.Frame, []models.Tile) {
	f := &models.Frame{ID: "frm_1", Status: models.StatusQueued, Width: 8, Height: 4, Samples: 1, Recursion: 2, Tiles: 2}
	tiles := []models.Tile{
		{ID: "til_0", FrameID: "frm_1", Idx: 0, X: 0, Y: 0, W: 4, H: 4, Status: models.StatusQueued},
		{ID: "til_1", FrameID: "frm_1", Idx: 1, X: 4, Y: 0, W: 4, H: 4, Status: models.StatusQueued},
	}
	return f, tiles
}

func newProcessor(t *testing.T, store TileStore, r Renderer) (*Processor, *localfs.LocalFS) {
	t.Helper()
	sp := localfs.New(t.TempDir())
	return New(Deps{Store: store, Renderer: r, SP: sp, Log: logger.NewNop()}), sp
}

func TestProcessTile(t *testing.T) {
	f, tiles := fixture()
	store := newFakeStore(f, tiles...)
	r := &fakeRenderer{}
	p, sp := newProcessor(t, store, r)
	ctx := context.Background()

	require.NoError(t, p.ProcessTile(ctx, "til_1"))

	require.Len(t, r.calls, 1)
	assert.Equal(t, []uint32{4, 0, 4, 4, 8, 4, 1, 2}, r.calls[0])

	got, _ := store.Tile(ctx, "til_1")
	assert.Equal(t, models.StatusDone, got.Status)
	require.NotNil(t, got.ObjectKey)
	assert.Equal(t, "frames/frm_1/tiles/1.png", *got.ObjectKey)

	rc, ct, _, err := sp.GetObject(ctx, *got.ObjectKey)
	require.NoError(t, err)
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	assert.Equal(t, "image/png", ct)
	assert.Contains(t, string(body), "png:")

	frame, _ := store.Get(ctx, "frm_1")
	assert.Equal(t, models.StatusRunning, frame.Status)

	require.NoError(t, p.ProcessTile(ctx, "til_0"))
	frame, _ = store.Get(ctx, "frm_1")
	assert.Equal(t, models.StatusDone, frame.Status)

	// redelivered ids are not rendered again
	require.NoError(t, p.ProcessTile(ctx, "til_0"))
	assert.Len(t, r.calls, 2)
}

func TestProcessTileRenderFailure(t *testing.T) {
	f, tiles := fixture()
	store := newFakeStore(f, tiles...)
	p, _ := newProcessor(t, store, &fakeRenderer{err: errors.Validation("module rejected job")})

	err := p.ProcessTile(context.Background(), "til_0")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	got, _ := store.Tile(context.Background(), "til_0")
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, store.failed["til_0"], "module rejected job")

	frame, _ := store.Get(context.Background(), "frm_1")
	assert.Equal(t, models.StatusFailed, frame.Status)

	// the sibling tile is skipped once the frame has failed
	r := &fakeRenderer{}
	p2, _ := newProcessor(t, store, r)
	require.NoError(t, p2.ProcessTile(context.Background(), "til_1"))
	assert.Empty(t, r.calls)
}

func TestProcessTileErrors(t *testing.T) {
	f, tiles := fixture()
	store := newFakeStore(f, tiles...)
	p, _ := newProcessor(t, store, &fakeRenderer{})

	err := p.ProcessTile(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))

	f2, bad := fixture()
	bad[0].W = 100
	store2 := newFakeStore(f2, bad...)
	p2, _ := newProcessor(t, store2, &fakeRenderer{})
	err = p2.ProcessTile(context.Background(), "til_0")
	assert.True(t, errors.IsValidation(err))
	assert.Contains(t, store2.failed, "til_0")
}
