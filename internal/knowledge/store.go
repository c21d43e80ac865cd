// Package knowledge holds the read-only question/answer-context table.
package knowledge

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/yunhe-labs/tourguide/internal/domain"
)

// NoMatchContext is returned by Lookup when no question matches exactly.
const NoMatchContext = "在本地知识库中未找到与您输入完全匹配的问题。请根据我的已有知识进行回答。"

// Store is an immutable in-memory knowledge table. It is safe for concurrent
// readers without locking.
type Store struct {
	entries    []domain.KnowledgeEntry
	byQuestion map[string]int
	categories []string
}

// New builds a Store from entries. Categories are trimmed; rows without a
// question are skipped. The first row wins when questions repeat.
func New(entries []domain.KnowledgeEntry) *Store {
	s := &Store{byQuestion: make(map[string]int, len(entries))}
	seen := make(map[string]struct{})
	for _, e := range entries {
		e.Category = strings.TrimSpace(e.Category)
		if strings.TrimSpace(e.Question) == "" {
			continue
		}
		key := strings.ToLower(e.Question)
		if _, dup := s.byQuestion[key]; !dup {
			s.byQuestion[key] = len(s.entries)
		}
		s.entries = append(s.entries, e)
		if e.Category != "" {
			if _, ok := seen[e.Category]; !ok {
				seen[e.Category] = struct{}{}
				s.categories = append(s.categories, e.Category)
			}
		}
	}
	slices.Sort(s.categories)
	return s
}

// LoadOrEmpty loads path and degrades to an empty Store when the source is
// absent or malformed.
func LoadOrEmpty(path string) *Store {
	s, err := Load(path)
	if err != nil {
		slog.Warn("Knowledge base unavailable, continuing with empty set", "path", path, "error", err)
		return New(nil)
	}
	slog.Info("Knowledge base loaded", "path", path, "entries", s.Len(), "categories", len(s.categories))
	return s
}

// Lookup returns the context for question using a case-insensitive exact
// match, or NoMatchContext.
func (s *Store) Lookup(question string) string {
	if i, ok := s.byQuestion[strings.ToLower(question)]; ok {
		return s.entries[i].Context
	}
	return NoMatchContext
}

// Len returns the number of loaded entries.
func (s *Store) Len() int {
	return len(s.entries)
}

// Categories returns the sorted unique categories.
func (s *Store) Categories() []string {
	return slices.Clone(s.categories)
}

// HasCategory reports whether category exists.
func (s *Store) HasCategory(category string) bool {
	_, ok := slices.BinarySearch(s.categories, category)
	return ok
}

// Questions returns the questions of category in source order.
// An empty category returns every question.
func (s *Store) Questions(category string) []string {
	var out []string
	for _, e := range s.entries {
		if category == "" || e.Category == category {
			out = append(out, e.Question)
		}
	}
	return out
}
