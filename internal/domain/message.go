package domain

import (
	"strings"

	"github.com/yunhe-labs/tourguide/internal/persona"
	"github.com/yunhe-labs/tourguide/internal/shared"
)

// Role is the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Rating is the post-hoc verdict on an assistant message.
type Rating string

const (
	RatingGood Rating = "good"
	RatingBad  Rating = "bad"
)

// ParseRating validates a raw rating value.
func ParseRating(raw string) (Rating, error) {
	switch Rating(strings.ToLower(strings.TrimSpace(raw))) {
	case RatingGood:
		return RatingGood, nil
	case RatingBad:
		return RatingBad, nil
	default:
		return "", shared.NewValidationError("rating", "rating must be good or bad")
	}
}

// Message is one transcript entry.
type Message struct {
	Role    Role       `json:"role"`
	Content string     `json:"content"`
	Persona persona.ID `json:"persona"`
	Rating  *Rating    `json:"rating,omitempty"`
}

// Rated reports whether a rating has been attached.
func (m Message) Rated() bool {
	return m.Rating != nil
}
