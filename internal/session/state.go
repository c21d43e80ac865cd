// Package session owns the live conversation: the State value and its
// transitions, the live-state store, and the Service that runs one turn
// through lookup, completion, recommendation and persistence.
package session

import (
	"errors"
	"slices"
	"strconv"
	"time"

	"github.com/yunhe-labs/tourguide/internal/domain"
	"github.com/yunhe-labs/tourguide/internal/persona"
	"github.com/yunhe-labs/tourguide/internal/shared"
)

// Phase is the position of a session in its lifecycle.
type Phase string

const (
	PhaseNoCategory         Phase = "no_category"
	PhaseCategorySelected   Phase = "category_selected"
	PhaseQuestionPending    Phase = "question_pending"
	PhaseAwaitingCompletion Phase = "awaiting_completion"
	PhaseIdle               Phase = "idle"
)

var (
	// ErrInvalidTransition is returned when a verb is not legal in the current phase.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrAlreadyRated is returned when a message already carries a rating.
	ErrAlreadyRated = errors.New("message already rated")
	// ErrTurnInProgress is returned when another request holds the session.
	ErrTurnInProgress = errors.New("turn already in progress")
)

// State is the live conversation of one session token. Transitions never
// mutate the receiver; they return a new value.
type State struct {
	Token      string           `json:"token"`
	Identity   string           `json:"identity,omitempty"`
	Role       string           `json:"role,omitempty"`
	Persona    persona.ID       `json:"persona"`
	Phase      Phase            `json:"phase"`
	Category   string           `json:"category,omitempty"`
	Pending    string           `json:"pending,omitempty"`
	Transcript []domain.Message `json:"transcript"`
	Asked      []string         `json:"asked"`
	Version    int64            `json:"version"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// NewState returns a fresh NoCategory session.
func NewState(token string, p persona.ID) State {
	return State{
		Token:      token,
		Persona:    p,
		Phase:      PhaseNoCategory,
		Transcript: []domain.Message{},
		Asked:      []string{},
	}
}

func (s State) clone() State {
	out := s
	out.Transcript = slices.Clone(s.Transcript)
	out.Asked = slices.Clone(s.Asked)
	for i, m := range out.Transcript {
		if m.Rating != nil {
			r := *m.Rating
			out.Transcript[i].Rating = &r
		}
	}
	if out.Transcript == nil {
		out.Transcript = []domain.Message{}
	}
	if out.Asked == nil {
		out.Asked = []string{}
	}
	return out
}

// Bound reports whether an identity is attached.
func (s State) Bound() bool {
	return s.Identity != ""
}

// HasAsked reports whether q was already asked in this topic.
func (s State) HasAsked(q string) bool {
	return slices.Contains(s.Asked, q)
}

// AskedSet returns the asked questions as a set.
func (s State) AskedSet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.Asked))
	for _, q := range s.Asked {
		set[q] = struct{}{}
	}
	return set
}

// Busy reports whether a turn is between submission and completion.
func (s State) Busy() bool {
	return s.Phase == PhaseQuestionPending || s.Phase == PhaseAwaitingCompletion
}

// SelectCategory switches topic. The transcript and asked questions are
// always discarded on a topic switch.
func (s State) SelectCategory(category string) (State, error) {
	if category == "" {
		return s, shared.NewValidationError("category", "category is required")
	}
	if s.Busy() {
		return s, ErrInvalidTransition
	}
	out := s.clone()
	out.Category = category
	out.Pending = ""
	out.Transcript = []domain.Message{}
	out.Asked = []string{}
	out.Phase = PhaseCategorySelected
	return out, nil
}

// LeaveCategory returns to NoCategory keeping the transcript.
func (s State) LeaveCategory() (State, error) {
	if s.Busy() {
		return s, ErrInvalidTransition
	}
	out := s.clone()
	out.Category = ""
	out.Phase = PhaseNoCategory
	return out, nil
}

// SetPersona changes the voice used for subsequent answers.
func (s State) SetPersona(id persona.ID) (State, error) {
	if _, err := persona.Lookup(id); err != nil {
		return s, err
	}
	out := s.clone()
	out.Persona = id
	return out, nil
}

// SubmitQuestion enqueues q. Legal only from CategorySelected or Idle.
func (s State) SubmitQuestion(q string) (State, error) {
	if q == "" {
		return s, shared.NewValidationError("question", "question is required")
	}
	if s.Phase != PhaseCategorySelected && s.Phase != PhaseIdle {
		return s, ErrInvalidTransition
	}
	out := s.clone()
	out.Pending = q
	out.Phase = PhaseQuestionPending
	return out, nil
}

// BeginCompletion consumes the pending question: it appends the user
// message, records the question as asked and moves to AwaitingCompletion.
func (s State) BeginCompletion() (State, error) {
	if s.Phase != PhaseQuestionPending || s.Pending == "" {
		return s, ErrInvalidTransition
	}
	out := s.clone()
	q := out.Pending
	out.Pending = ""
	out.Transcript = append(out.Transcript, domain.Message{
		Role:    domain.RoleUser,
		Content: q,
		Persona: out.Persona,
	})
	if !out.HasAsked(q) {
		out.Asked = append(out.Asked, q)
	}
	out.Phase = PhaseAwaitingCompletion
	return out, nil
}

// CompleteResponse appends the assembled assistant message and returns to Idle.
func (s State) CompleteResponse(content string) (State, error) {
	if s.Phase != PhaseAwaitingCompletion {
		return s, ErrInvalidTransition
	}
	out := s.clone()
	out.Transcript = append(out.Transcript, domain.Message{
		Role:    domain.RoleAssistant,
		Content: content,
		Persona: out.Persona,
	})
	out.Phase = PhaseIdle
	return out, nil
}

// Abandon settles a turn left behind by a failed or crashed request: a
// pending question is dropped and a missing answer is filled with answer.
// Other phases are returned unchanged.
func (s State) Abandon(answer string) State {
	switch s.Phase {
	case PhaseAwaitingCompletion:
		out, _ := s.CompleteResponse(answer)
		return out
	case PhaseQuestionPending:
		out := s.clone()
		out.Pending = ""
		out.Phase = PhaseCategorySelected
		if len(out.Transcript) > 0 {
			out.Phase = PhaseIdle
		}
		return out
	default:
		return s
	}
}

// Rate attaches rating to the assistant message at index. A message is
// rated at most once; later attempts return ErrAlreadyRated and leave the
// state unchanged.
func (s State) Rate(index int, rating domain.Rating) (State, error) {
	if index < 0 || index >= len(s.Transcript) {
		return s, shared.NewValidationError("index", "no message at index "+strconv.Itoa(index))
	}
	msg := s.Transcript[index]
	if msg.Role != domain.RoleAssistant {
		return s, shared.NewValidationError("index", "only assistant messages can be rated")
	}
	if msg.Rated() {
		return s, ErrAlreadyRated
	}
	out := s.clone()
	r := rating
	out.Transcript[index].Rating = &r
	return out, nil
}

// QuestionFor returns the user message that preceded the assistant message at index.
func (s State) QuestionFor(index int) string {
	for i := index - 1; i >= 0; i-- {
		if s.Transcript[i].Role == domain.RoleUser {
			return s.Transcript[i].Content
		}
	}
	return ""
}

// Clear resets to NoCategory, keeping the persona and identity binding.
func (s State) Clear() State {
	out := s.clone()
	out.Category = ""
	out.Pending = ""
	out.Transcript = []domain.Message{}
	out.Asked = []string{}
	out.Phase = PhaseNoCategory
	return out
}

// Snapshot builds the durable record for the bound identity.
func (s State) Snapshot(now time.Time) *domain.PersistedSession {
	c := s.clone()
	return &domain.PersistedSession{
		Identity:         s.Identity,
		Role:             s.Role,
		Timestamp:        now.UTC(),
		Transcript:       c.Transcript,
		AskedQuestions:   c.Asked,
		SelectedCategory: s.Category,
		Persona:          s.Persona,
	}
}

// Resume replaces the conversation with a persisted snapshot.
func (s State) Resume(rec *domain.PersistedSession) State {
	out := s.clone()
	out.Identity = rec.Identity
	if rec.Role != "" {
		out.Role = rec.Role
	}
	out.Transcript = slices.Clone(rec.Transcript)
	out.Asked = slices.Clone(rec.AskedQuestions)
	out = out.clone()
	if _, err := persona.Lookup(rec.Persona); err == nil {
		out.Persona = rec.Persona
	}
	out.Category = rec.SelectedCategory
	out.Pending = ""
	switch {
	case out.Category == "":
		out.Phase = PhaseNoCategory
	case len(out.Transcript) > 0:
		out.Phase = PhaseIdle
	default:
		out.Phase = PhaseCategorySelected
	}
	return out
}
