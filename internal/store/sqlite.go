package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yunhe-labs/tourguide/internal/domain"
	"github.com/yunhe-labs/tourguide/internal/persona"
	"github.com/yunhe-labs/tourguide/internal/shared"
)

const (
	busyRetries   = 3
	busyBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes writers to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for concurrent readers.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		identity TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		saved_at TEXT NOT NULL,
		transcript_json TEXT NOT NULL,
		asked_json TEXT NOT NULL,
		selected_category TEXT,
		persona TEXT
	);

	CREATE TABLE IF NOT EXISTS feedback (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL,
		identity TEXT,
		question TEXT NOT NULL,
		answer TEXT NOT NULL,
		persona TEXT NOT NULL,
		rating TEXT NOT NULL,
		free_text TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_identity ON feedback(identity);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveSession upserts the snapshot keyed by identity.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *domain.PersistedSession) error {
	transcript, err := json.Marshal(nonNilMessages(session.Transcript))
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	asked, err := json.Marshal(nonNilStrings(session.AskedQuestions))
	if err != nil {
		return fmt.Errorf("encode asked questions: %w", err)
	}

	query := `
	INSERT INTO sessions (identity, role, saved_at, transcript_json, asked_json, selected_category, persona)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(identity) DO UPDATE SET
		role = excluded.role,
		saved_at = excluded.saved_at,
		transcript_json = excluded.transcript_json,
		asked_json = excluded.asked_json,
		selected_category = excluded.selected_category,
		persona = excluded.persona`

	s.mu.Lock()
	defer s.mu.Unlock()
	err = shared.RetryOnBusy(ctx, busyRetries, busyBaseDelay, "save session", func() error {
		_, execErr := s.db.ExecContext(ctx, query,
			session.Identity, session.Role, session.Timestamp.UTC().Format(time.RFC3339Nano),
			string(transcript), string(asked), session.SelectedCategory, string(session.Persona),
		)
		return execErr
	})
	return shared.IOError("upsert session", err)
}

// LoadSession returns the snapshot for identity or nil.
func (s *SQLiteStore) LoadSession(ctx context.Context, identity string) (*domain.PersistedSession, error) {
	query := `
		SELECT identity, role, saved_at, transcript_json, asked_json, selected_category, persona
		FROM sessions WHERE identity = ?`

	var (
		out                    domain.PersistedSession
		savedAt                string
		transcript, asked      string
		category, personaField sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, identity).Scan(
		&out.Identity, &out.Role, &savedAt, &transcript, &asked, &category, &personaField,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, shared.IOError("scan session row", err)
	}

	if out.Timestamp, err = time.Parse(time.RFC3339Nano, savedAt); err != nil {
		return nil, shared.IOError("parse saved_at", err)
	}
	if err := json.Unmarshal([]byte(transcript), &out.Transcript); err != nil {
		return nil, shared.IOError("decode transcript", err)
	}
	if err := json.Unmarshal([]byte(asked), &out.AskedQuestions); err != nil {
		return nil, shared.IOError("decode asked questions", err)
	}
	out.SelectedCategory = category.String
	out.Persona = persona.ID(personaField.String)
	return &out, nil
}

// AppendFeedback inserts a feedback record. Records are never updated.
func (s *SQLiteStore) AppendFeedback(ctx context.Context, record *domain.FeedbackRecord) error {
	query := `
	INSERT INTO feedback (id, created_at, identity, question, answer, persona, rating, free_text)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	s.mu.Lock()
	defer s.mu.Unlock()
	err := shared.RetryOnBusy(ctx, busyRetries, busyBaseDelay, "append feedback", func() error {
		_, execErr := s.db.ExecContext(ctx, query,
			record.ID, record.Timestamp.UTC().Format(time.RFC3339Nano), record.Identity,
			record.Question, record.Answer, string(record.Persona), string(record.Rating), record.FreeText,
		)
		return execErr
	})
	return shared.IOError("insert feedback", err)
}

// ListFeedback returns all feedback in insertion order.
func (s *SQLiteStore) ListFeedback(ctx context.Context) ([]domain.FeedbackRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, identity, question, answer, persona, rating, free_text
		FROM feedback ORDER BY seq`)
	if err != nil {
		return nil, shared.IOError("query feedback", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close feedback rows", "error", closeErr)
		}
	}()

	var out []domain.FeedbackRecord
	for rows.Next() {
		var (
			rec                      domain.FeedbackRecord
			createdAt                string
			identity, freeText       sql.NullString
			personaField, ratingText string
		)
		if err := rows.Scan(&rec.ID, &createdAt, &identity, &rec.Question, &rec.Answer,
			&personaField, &ratingText, &freeText); err != nil {
			return nil, shared.IOError("scan feedback row", err)
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, shared.IOError("parse created_at", err)
		}
		rec.Identity = identity.String
		rec.FreeText = freeText.String
		rec.Persona = persona.ID(personaField)
		rec.Rating = domain.Rating(ratingText)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.IOError("iterate feedback", err)
	}
	return out, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func nonNilMessages(m []domain.Message) []domain.Message {
	if m == nil {
		return []domain.Message{}
	}
	return m
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
