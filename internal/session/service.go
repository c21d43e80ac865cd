package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yunhe-labs/tourguide/internal/completion"
	"github.com/yunhe-labs/tourguide/internal/domain"
	"github.com/yunhe-labs/tourguide/internal/identity"
	"github.com/yunhe-labs/tourguide/internal/persona"
	"github.com/yunhe-labs/tourguide/internal/recommend"
	"github.com/yunhe-labs/tourguide/internal/shared"
	"github.com/yunhe-labs/tourguide/internal/store"
)

const defaultRole = "visitor"

// Knowledge is the read-only knowledge base a Service answers from.
type Knowledge interface {
	Lookup(question string) string
	Questions(category string) []string
	HasCategory(category string) bool
	Len() int
}

// Suggester ranks or samples follow-up questions.
type Suggester interface {
	Recommend(query string, candidates []string, exclude map[string]struct{}, topN int) []recommend.Suggestion
	Sample(candidates []string, exclude map[string]struct{}, n int) []string
}

// Config tunes a Service.
type Config struct {
	DefaultPersona  persona.ID
	SuggestionCount int
}

// View is the refreshed state a UI renders after every action.
type View struct {
	Token            string                 `json:"token"`
	Identity         string                 `json:"identity,omitempty"`
	Role             string                 `json:"role,omitempty"`
	Persona          persona.ID             `json:"persona"`
	Phase            Phase                  `json:"phase"`
	Category         string                 `json:"category,omitempty"`
	Transcript       []domain.Message       `json:"transcript"`
	Asked            []string               `json:"asked"`
	Suggestions      []recommend.Suggestion `json:"suggestions"`
	Exhausted        bool                   `json:"exhausted"`
	KnowledgeEntries int                    `json:"knowledge_entries"`
	Warnings         []string               `json:"warnings,omitempty"`
}

// Service applies user intents to live sessions. Each token is processed by
// at most one request at a time.
type Service struct {
	kb    Knowledge
	rec   Suggester
	llm   completion.Streamer
	repo  store.Repository
	live  LiveStore
	cfg   Config
	locks sync.Map
	now   func() time.Time
}

// NewService creates a Service.
func NewService(kb Knowledge, rec Suggester, llm completion.Streamer, repo store.Repository, live LiveStore, cfg Config) *Service {
	if _, err := persona.Lookup(cfg.DefaultPersona); err != nil {
		cfg.DefaultPersona = persona.YunXiaoAn
	}
	if cfg.SuggestionCount <= 0 {
		cfg.SuggestionCount = 3
	}
	return &Service{
		kb:   kb,
		rec:  rec,
		llm:  llm,
		repo: repo,
		live: live,
		cfg:  cfg,
		now:  time.Now,
	}
}

// lock acquires the per-token mutex without waiting.
func (s *Service) lock(token string) (func(), error) {
	v, _ := s.locks.LoadOrStore(token, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, ErrTurnInProgress
	}
	return mu.Unlock, nil
}

func (s *Service) load(ctx context.Context, token string) (State, error) {
	if token == "" {
		return State{}, shared.NewValidationError("token", "session token is required")
	}
	st, ok, err := s.live.Get(ctx, token)
	if err != nil {
		return State{}, fmt.Errorf("load live session: %w", err)
	}
	if !ok {
		return NewState(token, s.cfg.DefaultPersona), nil
	}
	return st, nil
}

// loadLocked loads token for a caller holding its lock. Holding the lock
// means no turn is running here, so a busy state is an orphan and is settled.
func (s *Service) loadLocked(ctx context.Context, token string) (State, error) {
	st, err := s.load(ctx, token)
	if err != nil || !st.Busy() {
		return st, err
	}
	slog.Warn("Settling orphaned turn", "session", token, "phase", st.Phase)
	return st.Abandon(completion.Apology), nil
}

func (s *Service) put(ctx context.Context, st State) (State, error) {
	out, err := s.live.Put(ctx, st)
	if err != nil {
		return st, fmt.Errorf("store live session: %w", err)
	}
	return out, nil
}

// mutate runs fn under the token lock and stores the result.
func (s *Service) mutate(ctx context.Context, token string, fn func(State) (State, []string, error)) (View, error) {
	unlock, err := s.lock(token)
	if err != nil {
		return View{}, err
	}
	defer unlock()

	st, err := s.loadLocked(ctx, token)
	if err != nil {
		return View{}, err
	}
	next, warnings, err := fn(st)
	if err != nil {
		return View{}, err
	}
	next, err = s.put(ctx, next)
	if err != nil {
		return View{}, err
	}
	v := s.view(next)
	v.Warnings = append(v.Warnings, warnings...)
	return v, nil
}

// View returns the current state of token without changing it.
func (s *Service) View(ctx context.Context, token string) (View, error) {
	st, err := s.load(ctx, token)
	if err != nil {
		return View{}, err
	}
	return s.view(st), nil
}

// SelectCategory switches to category, discarding the transcript.
func (s *Service) SelectCategory(ctx context.Context, token, category string) (View, error) {
	category = strings.TrimSpace(category)
	if !s.kb.HasCategory(category) {
		return View{}, shared.NewValidationError("category", "unknown category "+category)
	}
	return s.mutate(ctx, token, func(st State) (State, []string, error) {
		next, err := st.SelectCategory(category)
		return next, nil, err
	})
}

// LeaveCategory returns to the category list keeping the transcript.
func (s *Service) LeaveCategory(ctx context.Context, token string) (View, error) {
	return s.mutate(ctx, token, func(st State) (State, []string, error) {
		next, err := st.LeaveCategory()
		return next, nil, err
	})
}

// SelectPersona changes the voice of subsequent answers.
func (s *Service) SelectPersona(ctx context.Context, token, raw string) (View, error) {
	id, err := persona.Parse(raw)
	if err != nil {
		return View{}, err
	}
	return s.mutate(ctx, token, func(st State) (State, []string, error) {
		next, err := st.SetPersona(id)
		return next, nil, err
	})
}

// Ask runs one full turn for question: the user message is appended, the
// completion is streamed to onFragment and appended as the assistant
// message, and the session is saved when an identity is bound. The
// completion is always consumed to the end, even if ctx is cancelled.
func (s *Service) Ask(ctx context.Context, token, question string, onFragment func(string)) (View, error) {
	question = strings.TrimSpace(question)
	unlock, err := s.lock(token)
	if err != nil {
		return View{}, err
	}
	defer unlock()

	st, err := s.loadLocked(ctx, token)
	if err != nil {
		return View{}, err
	}
	st, err = st.SubmitQuestion(question)
	if err != nil {
		return View{}, err
	}
	st, err = st.BeginCompletion()
	if err != nil {
		return View{}, err
	}

	// The turn owns its remaining work; a disconnecting client must not
	// leave the session stuck in AwaitingCompletion.
	turnCtx := context.WithoutCancel(ctx)
	if st, err = s.put(turnCtx, st); err != nil {
		return View{}, err
	}

	kbContext := s.kb.Lookup(question)
	answer := completion.Collect(s.stream(turnCtx, question, kbContext, st.Persona), onFragment)

	st, err = st.CompleteResponse(answer)
	if err != nil {
		return View{}, err
	}

	var warnings []string
	if st.Bound() {
		if w := s.save(turnCtx, st); w != "" {
			warnings = append(warnings, w)
		}
	}
	// The answer is complete; a live-store failure now only costs freshness.
	if stored, err := s.put(turnCtx, st); err != nil {
		slog.Warn("Completed turn not stored", "session", token, "error", err)
		warnings = append(warnings, "session state not stored: "+err.Error())
	} else {
		st = stored
	}

	v := s.view(st)
	v.Warnings = append(v.Warnings, warnings...)
	return v, nil
}

func (s *Service) stream(ctx context.Context, question, kbContext string, id persona.ID) iter.Seq[string] {
	if s.llm == nil {
		return func(yield func(string) bool) { yield(completion.Apology) }
	}
	return s.llm.Stream(ctx, question, kbContext, id)
}

// Rate attaches rating to the assistant message at index and appends a
// feedback record once the rating is stored. A second rating of the same
// message returns ErrAlreadyRated and changes nothing.
func (s *Service) Rate(ctx context.Context, token string, index int, rating domain.Rating, comment string) (View, error) {
	unlock, err := s.lock(token)
	if err != nil {
		return View{}, err
	}
	defer unlock()

	st, err := s.loadLocked(ctx, token)
	if err != nil {
		return View{}, err
	}
	next, err := st.Rate(index, rating)
	if err != nil {
		return View{}, err
	}
	if next, err = s.put(ctx, next); err != nil {
		return View{}, err
	}

	var warnings []string
	msg := next.Transcript[index]
	rec := &domain.FeedbackRecord{
		ID:        uuid.NewString(),
		Timestamp: s.now().UTC(),
		Identity:  next.Identity,
		Question:  next.QuestionFor(index),
		Answer:    msg.Content,
		Persona:   msg.Persona,
		Rating:    rating,
		FreeText:  strings.TrimSpace(comment),
	}
	if err := s.repo.AppendFeedback(ctx, rec); err != nil {
		slog.Warn("Feedback not recorded", "session", token, "error", err)
		warnings = append(warnings, "feedback not recorded: "+err.Error())
	}
	if next.Bound() {
		if w := s.save(ctx, next); w != "" {
			warnings = append(warnings, w)
		}
	}

	v := s.view(next)
	v.Warnings = append(v.Warnings, warnings...)
	return v, nil
}

// Clear discards the conversation, saving it first when an identity is bound.
func (s *Service) Clear(ctx context.Context, token string) (View, error) {
	return s.mutate(ctx, token, func(st State) (State, []string, error) {
		var warnings []string
		if st.Bound() {
			if w := s.save(ctx, st); w != "" {
				warnings = append(warnings, w)
			}
		}
		return st.Clear(), warnings, nil
	})
}

// Login binds identity to the session and resumes its saved conversation,
// if any. A previously bound identity is saved before switching.
func (s *Service) Login(ctx context.Context, token, rawIdentity, role string) (View, error) {
	id, err := identity.Validate(rawIdentity)
	if err != nil {
		return View{}, err
	}
	role = strings.TrimSpace(role)
	if role == "" {
		role = defaultRole
	}

	return s.mutate(ctx, token, func(st State) (State, []string, error) {
		var warnings []string
		if st.Bound() && st.Identity != id {
			if w := s.save(ctx, st); w != "" {
				warnings = append(warnings, w)
			}
			st = st.Clear()
		}

		rec, err := s.repo.LoadSession(ctx, id)
		if err != nil {
			slog.Warn("Saved session not loaded", "user_id", id, "error", err)
			warnings = append(warnings, "saved session not loaded: "+err.Error())
		}
		next := st.clone()
		if rec != nil {
			next = next.Resume(rec)
		}
		next.Identity = id
		next.Role = role
		slog.Info("Session bound", "session", st.Token, "user_id", id, "resumed", rec != nil)
		return next, warnings, nil
	})
}

// Logout saves the bound conversation and resets the session.
func (s *Service) Logout(ctx context.Context, token string) (View, error) {
	return s.mutate(ctx, token, func(st State) (State, []string, error) {
		var warnings []string
		if st.Bound() {
			if w := s.save(ctx, st); w != "" {
				warnings = append(warnings, w)
			}
		}
		next := NewState(st.Token, st.Persona)
		next.Version = st.Version
		return next, warnings, nil
	})
}

// Evict saves and drops every live session idle since before cutoff and
// returns the evicted tokens. Sessions with a turn in progress are skipped.
func (s *Service) Evict(ctx context.Context, cutoff time.Time) ([]string, error) {
	idle, err := s.live.IdleSince(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list idle sessions: %w", err)
	}

	var evicted []string
	for _, candidate := range idle {
		token := candidate.Token
		unlock, err := s.lock(token)
		if err != nil {
			continue
		}
		// Re-read under the lock: a turn may have finished since the listing.
		st, ok, err := s.live.Get(ctx, token)
		if err != nil || !ok || !st.UpdatedAt.Before(cutoff) {
			unlock()
			continue
		}
		if st.Bound() {
			_ = s.save(ctx, st)
		}
		if err := s.live.Delete(ctx, token); err != nil {
			slog.Warn("Idle session not evicted", "session", token, "error", err)
			unlock()
			continue
		}
		unlock()
		s.locks.Delete(token)
		evicted = append(evicted, token)
	}
	return evicted, nil
}

// save persists st and returns a warning on failure.
func (s *Service) save(ctx context.Context, st State) string {
	if err := s.repo.SaveSession(ctx, st.Snapshot(s.now())); err != nil {
		slog.Warn("Session not saved", "session", st.Token, "user_id", st.Identity, "error", err)
		return "session not saved: " + err.Error()
	}
	return ""
}

func (s *Service) view(st State) View {
	v := View{
		Token:            st.Token,
		Identity:         st.Identity,
		Role:             st.Role,
		Persona:          st.Persona,
		Phase:            st.Phase,
		Category:         st.Category,
		Transcript:       st.Transcript,
		Asked:            st.Asked,
		Suggestions:      []recommend.Suggestion{},
		KnowledgeEntries: s.kb.Len(),
	}
	if v.Transcript == nil {
		v.Transcript = []domain.Message{}
	}
	if v.Asked == nil {
		v.Asked = []string{}
	}
	if s.kb.Len() == 0 {
		v.Warnings = append(v.Warnings, "knowledge base is empty")
	}
	if st.Category == "" || s.rec == nil {
		return v
	}

	candidates := s.kb.Questions(st.Category)
	exclude := st.AskedSet()
	remaining := 0
	for _, q := range candidates {
		if _, ok := exclude[q]; !ok {
			remaining++
		}
	}
	if remaining == 0 {
		v.Exhausted = len(candidates) > 0
		return v
	}

	query := lastQuestion(st)
	if query == "" {
		for _, q := range s.rec.Sample(candidates, exclude, s.cfg.SuggestionCount) {
			v.Suggestions = append(v.Suggestions, recommend.Suggestion{Question: q})
		}
		return v
	}
	if ranked := s.rec.Recommend(query, candidates, exclude, s.cfg.SuggestionCount); len(ranked) > 0 {
		v.Suggestions = ranked
	}
	return v
}

func lastQuestion(st State) string {
	if len(st.Asked) == 0 {
		return ""
	}
	for i := len(st.Transcript) - 1; i >= 0; i-- {
		if st.Transcript[i].Role == domain.RoleUser {
			return st.Transcript[i].Content
		}
	}
	return st.Asked[len(st.Asked)-1]
}

// IsConflict reports whether err means the verb is not legal right now.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrTurnInProgress) ||
		errors.Is(err, ErrAlreadyRated) ||
		errors.Is(err, ErrVersionConflict)
}
