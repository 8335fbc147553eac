package repositories

import (
	"context"
	_ "embed"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tilefarm/internal/models"
	"tilefarm/internal/pkg/errors"
)

//go:embed schema.sql
var schema string

// MaxErrorText bounds the error text stored on failed frames and tiles.
const MaxErrorText = 2000

type FrameRepository struct {
	db *pgxpool.Pool
}

func NewFrameRepository(db *pgxpool.Pool) *FrameRepository {
	return &FrameRepository{db: db}
}

// EnsureSchema creates the frames and tiles tables if they are missing.
func (r *FrameRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "repositories.schema", "create schema")
	}
	return nil
}

// Create inserts the frame and its tiles in one transaction. CreatedAt is
// filled in on f and every tile.
func (r *FrameRepository) Create(ctx context.Context, f *models.Frame, tiles []models.Tile) error {
	const op = "repositories.frame.create"

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, op, "begin")
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO frames (id, status, width, height, samples, recursion, tiles)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at
	`, f.ID, f.Status, f.Width, f.Height, f.Samples, f.Recursion, f.Tiles).Scan(&f.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Conflict("frame already exists").WithField("frame_id", f.ID)
		}
		return errors.Wrap(err, op, "insert frame")
	}

	batch := &pgx.Batch{}
	for i := range tiles {
		t := &tiles[i]
		batch.Queue(`
			INSERT INTO tiles (id, frame_id, idx, x, y, w, h, status)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			RETURNING created_at
		`, t.ID, t.FrameID, t.Idx, t.X, t.Y, t.W, t.H, t.Status).QueryRow(func(row pgx.Row) error {
			return row.Scan(&t.CreatedAt)
		})
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, op, "insert tiles")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, op, "commit")
	}
	return nil
}

const frameColumns = `id, status, width, height, samples, recursion, tiles, created_at, started_at, finished_at, error_text`

func scanFrame(row pgx.Row, f *models.Frame) error {
	return row.Scan(&f.ID, &f.Status, &f.Width, &f.Height, &f.Samples, &f.Recursion, &f.Tiles,
		&f.CreatedAt, &f.StartedAt, &f.FinishedAt, &f.ErrorText)
}

// List returns the newest frames first, optionally filtered by status.
func (r *FrameRepository) List(ctx context.Context, status string, limit int) ([]models.Frame, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+frameColumns+`
		FROM frames
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		if isUndefinedTable(err) {
			return []models.Frame{}, nil
		}
		return nil, errors.Wrap(err, "repositories.frame.list", "query frames")
	}
	defer rows.Close()

	out := []models.Frame{}
	for rows.Next() {
		var f models.Frame
		if err := scanFrame(rows, &f); err != nil {
			return nil, errors.Wrap(err, "repositories.frame.list", "scan frame")
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *FrameRepository) Get(ctx context.Context, id string) (*models.Frame, error) {
	var f models.Frame
	err := scanFrame(r.db.QueryRow(ctx, `SELECT `+frameColumns+` FROM frames WHERE id=$1`, id), &f)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound("frame", id)
		}
		return nil, errors.Wrap(err, "repositories.frame.get", "query frame")
	}
	return &f, nil
}

// Delete removes a frame and, through the foreign key, its tiles.
func (r *FrameRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM frames WHERE id=$1`, id)
	if err != nil {
		return errors.Wrap(err, "repositories.frame.delete", "delete frame")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("frame", id)
	}
	return nil
}

const tileColumns = `id, frame_id, idx, x, y, w, h, status, object_key, error_text, duration_ms, created_at, started_at, finished_at`

func scanTile(row pgx.Row, t *models.Tile) error {
	return row.Scan(&t.ID, &t.FrameID, &t.Idx, &t.X, &t.Y, &t.W, &t.H, &t.Status,
		&t.ObjectKey, &t.ErrorText, &t.DurationMs, &t.CreatedAt, &t.StartedAt, &t.FinishedAt)
}

// Tiles returns a frame's tiles in index order.
func (r *FrameRepository) Tiles(ctx context.Context, frameID string) ([]models.Tile, error) {
	rows, err := r.db.Query(ctx, `SELECT `+tileColumns+` FROM tiles WHERE frame_id=$1 ORDER BY idx`, frameID)
	if err != nil {
		return nil, errors.Wrap(err, "repositories.tile.list", "query tiles")
	}
	defer rows.Close()

	out := []models.Tile{}
	for rows.Next() {
		var t models.Tile
		if err := scanTile(rows, &t); err != nil {
			return nil, errors.Wrap(err, "repositories.tile.list", "scan tile")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *FrameRepository) Tile(ctx context.Context, id string) (*models.Tile, error) {
	var t models.Tile
	err := scanTile(r.db.QueryRow(ctx, `SELECT `+tileColumns+` FROM tiles WHERE id=$1`, id), &t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound("tile", id)
		}
		return nil, errors.Wrap(err, "repositories.tile.get", "query tile")
	}
	return &t, nil
}

// MarkTileRunning moves the tile to RUNNING, and its frame too if the frame
// was still QUEUED.
func (r *FrameRepository) MarkTileRunning(ctx context.Context, t *models.Tile) error {
	const op = "repositories.tile.running"

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, op, "begin")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE tiles SET status='RUNNING', started_at=NOW(), finished_at=NULL, error_text=NULL WHERE id=$1`,
		t.ID,
	); err != nil {
		return errors.Wrap(err, op, "update tile")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE frames SET status='RUNNING', started_at=NOW() WHERE id=$1 AND status='QUEUED'`,
		t.FrameID,
	); err != nil {
		return errors.Wrap(err, op, "update frame")
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, op, "commit")
	}
	return nil
}

// MarkTileDone records the stored tile. When it was the frame's last
// outstanding tile the frame is marked DONE and frameDone is true.
func (r *FrameRepository) MarkTileDone(ctx context.Context, t *models.Tile, objectKey string, durationMs int64) (frameDone bool, err error) {
	const op = "repositories.tile.done"

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, errors.Wrap(err, op, "begin")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE tiles SET status='DONE', finished_at=NOW(), object_key=$2, duration_ms=$3 WHERE id=$1`,
		t.ID, objectKey, durationMs,
	); err != nil {
		return false, errors.Wrap(err, op, "update tile")
	}

	// lock the frame row so two workers finishing together agree on the last tile
	var status string
	if err := tx.QueryRow(ctx, `SELECT status FROM frames WHERE id=$1 FOR UPDATE`, t.FrameID).Scan(&status); err != nil {
		return false, errors.Wrap(err, op, "lock frame")
	}

	var outstanding int
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM tiles WHERE frame_id=$1 AND status <> 'DONE'`,
		t.FrameID,
	).Scan(&outstanding); err != nil {
		return false, errors.Wrap(err, op, "count tiles")
	}

	if outstanding == 0 && status != models.StatusFailed {
		if _, err := tx.Exec(ctx,
			`UPDATE frames SET status='DONE', finished_at=NOW() WHERE id=$1`,
			t.FrameID,
		); err != nil {
			return false, errors.Wrap(err, op, "update frame")
		}
		frameDone = true
	}

	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, op, "commit")
	}
	return frameDone, nil
}

// MarkTileFailed fails the tile and its frame.
func (r *FrameRepository) MarkTileFailed(ctx context.Context, t *models.Tile, msg string) error {
	const op = "repositories.tile.failed"
	msg = TruncateError(msg)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, op, "begin")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE tiles SET status='FAILED', finished_at=NOW(), error_text=$2 WHERE id=$1`,
		t.ID, msg,
	); err != nil {
		return errors.Wrap(err, op, "update tile")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE frames SET status='FAILED', finished_at=NOW(), error_text=$2 WHERE id=$1 AND status <> 'FAILED'`,
		t.FrameID, msg,
	); err != nil {
		return errors.Wrap(err, op, "update frame")
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, op, "commit")
	}
	return nil
}

// Ping checks the database connection.
func (r *FrameRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// TruncateError cuts msg to MaxErrorText bytes without splitting a UTF-8 rune.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorText {
		return msg
	}
	cut := MaxErrorText
	for cut > 0 && msg[cut]&0xC0 == 0x80 {
		cut--
	}
	return msg[:cut]
}
