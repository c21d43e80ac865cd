package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"

	"github.com/yunhe-labs/tourguide/internal/domain"
	"github.com/yunhe-labs/tourguide/internal/shared"
)

const (
	sessionsFile = "sessions.json"
	feedbackFile = "feedback.ndjson"
	lockRetry    = 25 * time.Millisecond
)

// JSONFileStore implements Repository over flat files: a JSON array of
// session snapshots and an NDJSON feedback log. Every session write is a
// whole-collection read-modify-write done under an advisory file lock and
// published with an atomic rename, so concurrent writers (in this or other
// processes) cannot lose updates and a crash never leaves a torn file.
type JSONFileStore struct {
	dir          string
	mu           sync.Mutex
	sessionsLock *flock.Flock
	feedbackLock *flock.Flock
}

// NewJSONFile creates a flat-file repository rooted at dir.
func NewJSONFile(dir string) (*JSONFileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &JSONFileStore{
		dir:          dir,
		sessionsLock: flock.New(filepath.Join(dir, sessionsFile+".lock")),
		feedbackLock: flock.New(filepath.Join(dir, feedbackFile+".lock")),
	}, nil
}

func (s *JSONFileStore) withLock(ctx context.Context, l *flock.Flock, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := l.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", l.Path(), err)
	}
	if !ok {
		return fmt.Errorf("acquire %s: lock not obtained", l.Path())
	}
	defer func() { _ = l.Unlock() }()
	return fn()
}

func (s *JSONFileStore) readSessions() ([]domain.PersistedSession, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, sessionsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var sessions []domain.PersistedSession
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("decode %s: %w", sessionsFile, err)
	}
	return sessions, nil
}

// SaveSession replaces the record for session.Identity in place, or appends
// it when none exists.
func (s *JSONFileStore) SaveSession(ctx context.Context, session *domain.PersistedSession) error {
	err := s.withLock(ctx, s.sessionsLock, func() error {
		sessions, err := s.readSessions()
		if err != nil {
			return err
		}

		snapshot := *session
		snapshot.Transcript = nonNilMessages(snapshot.Transcript)
		snapshot.AskedQuestions = nonNilStrings(snapshot.AskedQuestions)

		replaced := false
		for i := range sessions {
			if sessions[i].Identity == session.Identity {
				sessions[i] = snapshot
				replaced = true
				break
			}
		}
		if !replaced {
			sessions = append(sessions, snapshot)
		}

		data, err := json.MarshalIndent(sessions, "", "  ")
		if err != nil {
			return fmt.Errorf("encode sessions: %w", err)
		}
		return renameio.WriteFile(filepath.Join(s.dir, sessionsFile), data, 0o600)
	})
	return shared.IOError("save session", err)
}

// LoadSession returns the record for identity or nil.
func (s *JSONFileStore) LoadSession(ctx context.Context, identity string) (*domain.PersistedSession, error) {
	var found *domain.PersistedSession
	err := s.withLock(ctx, s.sessionsLock, func() error {
		sessions, err := s.readSessions()
		if err != nil {
			return err
		}
		for i := range sessions {
			if sessions[i].Identity == identity {
				rec := sessions[i]
				found = &rec
			}
		}
		return nil
	})
	if err != nil {
		return nil, shared.IOError("load session", err)
	}
	return found, nil
}

// AppendFeedback appends one JSON line to the feedback log.
func (s *JSONFileStore) AppendFeedback(ctx context.Context, record *domain.FeedbackRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode feedback: %w", err)
	}
	line = append(line, '\n')

	err = s.withLock(ctx, s.feedbackLock, func() error {
		f, err := os.OpenFile(filepath.Join(s.dir, feedbackFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return err
		}
		if _, err := f.Write(line); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	})
	return shared.IOError("append feedback", err)
}

// ListFeedback reads the feedback log in write order.
func (s *JSONFileStore) ListFeedback(ctx context.Context) ([]domain.FeedbackRecord, error) {
	var out []domain.FeedbackRecord
	err := s.withLock(ctx, s.feedbackLock, func() error {
		f, err := os.Open(filepath.Join(s.dir, feedbackFile))
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var rec domain.FeedbackRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return fmt.Errorf("decode feedback line: %w", err)
			}
			out = append(out, rec)
		}
		return scanner.Err()
	})
	if err != nil {
		return nil, shared.IOError("list feedback", err)
	}
	return out, nil
}

// Ping checks that the data directory is writable.
func (s *JSONFileStore) Ping(_ context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.dir)
	}
	return nil
}

// Close releases the file locks.
func (s *JSONFileStore) Close() error {
	return errors.Join(s.sessionsLock.Close(), s.feedbackLock.Close())
}
