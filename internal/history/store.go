// Package history persists finished dictations in a local SQLite file.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/vimo-ai/VhisperNative/internal/config"
	"github.com/vimo-ai/VhisperNative/internal/domain"
)

const defaultRecentLimit = 20

// Store is a SQLite-backed transcription log.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the history database at cfg.Path, creating the file
// and parent directories on first use.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	s := &Store{
		db:    db,
		cfg:   cfg,
		log:   log.With(slog.String("component", "history")),
		clock: time.Now,
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS transcriptions (
    id TEXT PRIMARY KEY,
    raw_text TEXT NOT NULL,
    final_text TEXT NOT NULL,
    asr_provider TEXT NOT NULL,
    llm_provider TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcriptions_created ON transcriptions(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Append records one finished dictation and trims the log to the
// configured size.
func (s *Store) Append(ctx context.Context, tr domain.Transcription) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.CreatedAt == 0 {
		tr.CreatedAt = s.clock().Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcriptions(id, raw_text, final_text, asr_provider, llm_provider, duration_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.RawText, tr.FinalText, tr.ASRProvider, tr.LLMProvider, tr.DurationMS, tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append transcription: %w", err)
	}
	if err := s.prune(ctx); err != nil {
		s.log.Warn("history prune failed", slog.String("error", err.Error()))
	}
	return nil
}

// Recent returns up to limit transcriptions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]domain.Transcription, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, raw_text, final_text, asr_provider, llm_provider, duration_ms, created_at
		 FROM transcriptions ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transcription
	for rows.Next() {
		var tr domain.Transcription
		if err := rows.Scan(&tr.ID, &tr.RawText, &tr.FinalText, &tr.ASRProvider,
			&tr.LLMProvider, &tr.DurationMS, &tr.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *Store) prune(ctx context.Context) error {
	if s.cfg.MaxEntries <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM transcriptions WHERE id IN (
		    SELECT id FROM transcriptions ORDER BY created_at DESC, rowid DESC LIMIT -1 OFFSET ?
		 )`, s.cfg.MaxEntries)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
