package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/anomalywatch/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrRunNotFound is returned when a run id does not exist.
var ErrRunNotFound = errors.New("scan run not found")

// Store manages the PostgreSQL connection for scan results.
type Store struct {
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS videos (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			indexed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS scan_runs (
			id UUID PRIMARY KEY,
			video_id TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
			model TEXT NOT NULL,
			threshold DOUBLE PRECISION NOT NULL,
			kernel_size INT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ,
			frames_total INT NOT NULL DEFAULT 0,
			frames_scored INT NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS frame_scores (
			run_id UUID NOT NULL REFERENCES scan_runs(id) ON DELETE CASCADE,
			frame_index INT NOT NULL,
			time_sec DOUBLE PRECISION NOT NULL,
			max_heat DOUBLE PRECISION NOT NULL,
			mean_diff DOUBLE PRECISION NOT NULL,
			anomalous_cells INT NOT NULL,
			anomalous BOOLEAN NOT NULL,
			PRIMARY KEY (run_id, frame_index)
		);
		CREATE TABLE IF NOT EXISTS anomaly_intervals (
			id BIGSERIAL PRIMARY KEY,
			run_id UUID NOT NULL REFERENCES scan_runs(id) ON DELETE CASCADE,
			start_frame INT NOT NULL,
			end_frame INT NOT NULL,
			start_time DOUBLE PRECISION NOT NULL,
			end_time DOUBLE PRECISION NOT NULL,
			frame_count INT NOT NULL,
			peak_heat DOUBLE PRECISION NOT NULL,
			peak_frame INT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS anomaly_intervals_run_id_idx ON anomaly_intervals (run_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// EnsureVideo registers the video in the database. If it exists, it updates the timestamp.
func (s *Store) EnsureVideo(ctx context.Context, videoID, path string) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO videos (id, path, indexed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET indexed_at = NOW(), path = EXCLUDED.path
	`, videoID, path)
	return err
}

// CreateRun opens a new scan run and returns its id.
func (s *Store) CreateRun(ctx context.Context, videoID, model string, threshold float64, kernelSize int) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO scan_runs (id, video_id, model, threshold, kernel_size)
		VALUES ($1, $2, $3, $4, $5)
	`, id, videoID, model, threshold, kernelSize)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// FinishRun stamps the run as complete with its frame counters.
func (s *Store) FinishRun(ctx context.Context, runID uuid.UUID, framesTotal, framesScored int) error {
	tag, err := s.conn.Exec(ctx, `
		UPDATE scan_runs SET finished_at = NOW(), frames_total = $2, frames_scored = $3
		WHERE id = $1
	`, runID, framesTotal, framesScored)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// InsertFrameScores writes a batch of per-frame scores in one round trip.
func (s *Store) InsertFrameScores(ctx context.Context, runID uuid.UUID, scores []types.FrameScore) error {
	if len(scores) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, sc := range scores {
		batch.Queue(`
			INSERT INTO frame_scores (run_id, frame_index, time_sec, max_heat, mean_diff, anomalous_cells, anomalous)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (run_id, frame_index) DO NOTHING
		`, runID, sc.Index, sc.Time, sc.MaxHeat, sc.MeanDiff, sc.AnomalousCells, sc.Anomalous)
	}
	return s.conn.SendBatch(ctx, batch).Close()
}

// InsertInterval saves a merged anomaly interval.
func (s *Store) InsertInterval(ctx context.Context, runID uuid.UUID, iv types.Interval) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO anomaly_intervals (run_id, start_frame, end_frame, start_time, end_time, frame_count, peak_heat, peak_frame)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, runID, iv.StartFrame, iv.EndFrame, iv.Start, iv.End, iv.Frames, iv.PeakHeat, iv.PeakFrame)
	return err
}

// ListRuns returns all scan runs, newest first, with their interval counts.
func (s *Store) ListRuns(ctx context.Context) ([]types.Run, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT r.id, r.video_id, v.path, r.model, r.threshold, r.kernel_size,
		       r.started_at, r.finished_at, r.frames_total, r.frames_scored,
		       (SELECT COUNT(*) FROM anomaly_intervals a WHERE a.run_id = r.id)
		FROM scan_runs r JOIN videos v ON v.id = r.video_id
		ORDER BY r.started_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []types.Run
	for rows.Next() {
		var r types.Run
		var finished *time.Time
		if err := rows.Scan(&r.ID, &r.VideoID, &r.Path, &r.Model, &r.Threshold, &r.KernelSize,
			&r.StartedAt, &finished, &r.FramesTotal, &r.FramesScored, &r.Intervals); err != nil {
			return nil, err
		}
		r.FinishedAt = finished
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRunIntervals returns the intervals of one run in time order.
func (s *Store) GetRunIntervals(ctx context.Context, runID uuid.UUID) ([]types.Interval, error) {
	var exists bool
	if err := s.conn.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM scan_runs WHERE id = $1)", runID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrRunNotFound
	}

	rows, err := s.conn.Query(ctx, `
		SELECT start_frame, end_frame, start_time, end_time, frame_count, peak_heat, peak_frame
		FROM anomaly_intervals WHERE run_id = $1
		ORDER BY start_time
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Interval
	for rows.Next() {
		var iv types.Interval
		if err := rows.Scan(&iv.StartFrame, &iv.EndFrame, &iv.Start, &iv.End, &iv.Frames, &iv.PeakHeat, &iv.PeakFrame); err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS anomaly_intervals CASCADE;
		DROP TABLE IF EXISTS frame_scores CASCADE;
		DROP TABLE IF EXISTS scan_runs CASCADE;
		DROP TABLE IF EXISTS videos CASCADE;
	`)
	return err
}
