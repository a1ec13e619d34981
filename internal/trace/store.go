package trace

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/sarnowski/msfailab/internal/common/ident"
	"github.com/sarnowski/msfailab/internal/common/logger"
)

// Store is the sqlite-backed sink.
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger
}

var _ Sink = (*Store)(nil)

// NewStore opens (or creates) the trace database at path.
func NewStore(path string, log *logger.Logger) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace database: %w", err)
	}
	s := &Store{
		db:     db,
		logger: log.WithFields(zap.String("component", "trace-store")),
	}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to close trace database after schema error: %w", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize trace schema: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS command_trace (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		track_id INTEGER NOT NULL,
		container_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		command TEXT NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL DEFAULT '',
		exit_code INTEGER,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_command_trace_track ON command_trace(track_id, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordCommand implements Sink.
func (s *Store) RecordCommand(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_trace
			(track_id, container_id, kind, command, output, prompt, exit_code, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TrackID, e.ContainerID, e.Kind, e.Command, e.Output, e.Prompt, e.ExitCode, e.StartedAt, e.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to record command trace: %w", err)
	}
	return nil
}

// CommandsForTrack returns the most recent commands of a track, newest
// first.
func (s *Store) CommandsForTrack(ctx context.Context, trackID ident.TrackID, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []Entry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, track_id, container_id, kind, command, output, prompt, exit_code, started_at, finished_at
		FROM command_trace
		WHERE track_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?`,
		trackID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query command trace: %w", err)
	}
	return entries, nil
}
