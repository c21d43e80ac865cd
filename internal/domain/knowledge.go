// Package domain contains core domain types for the tour guide.
package domain

// KnowledgeEntry is one question/answer-context row of the knowledge base.
type KnowledgeEntry struct {
	Category string `json:"category"`
	Question string `json:"question"`
	Context  string `json:"context"`
}
