package domain

import (
	"time"

	"github.com/yunhe-labs/tourguide/internal/persona"
)

// PersistedSession is the durable snapshot stored per identity.
type PersistedSession struct {
	Identity         string     `json:"identity"`
	Role             string     `json:"role"`
	Timestamp        time.Time  `json:"timestamp"`
	Transcript       []Message  `json:"transcript"`
	AskedQuestions   []string   `json:"asked_questions"`
	SelectedCategory string     `json:"selected_category,omitempty"`
	Persona          persona.ID `json:"persona,omitempty"`
}

// FeedbackRecord is one append-only rating entry.
type FeedbackRecord struct {
	ID        string     `json:"id"`
	Timestamp time.Time  `json:"timestamp"`
	Identity  string     `json:"identity,omitempty"`
	Question  string     `json:"question"`
	Answer    string     `json:"answer"`
	Persona   persona.ID `json:"persona"`
	Rating    Rating     `json:"rating"`
	FreeText  string     `json:"free_text,omitempty"`
}
