// Package persona defines the closed set of guide personas and their prompt templates.
package persona

import (
	"strings"

	"github.com/yunhe-labs/tourguide/internal/shared"
)

// ID identifies a persona.
type ID string

const (
	// YunXiaoAn is the witty history senior.
	YunXiaoAn ID = "yunxiaoan"
	// HuaiBoShi is the precise knowledge officer.
	HuaiBoShi ID = "huaiboshi"
	// AHuai is the down-to-earth local friend.
	AHuai ID = "ahuai"
)

// Persona is a response voice with its display metadata and prompt template.
type Persona struct {
	ID          ID     `json:"id"`
	Name        string `json:"name"`
	Icon        string `json:"icon"`
	Description string `json:"description"`
	Template    string `json:"-"`
}

var catalog = []Persona{
	{
		ID:          YunXiaoAn,
		Name:        "运小安",
		Icon:        "📜",
		Description: "风趣幽默的历史系学长",
		Template:    "作为“运小安”，一位风趣幽默的历史系学长，请基于以下知识：【{context}】，生动有趣地回答问题：【{question}】",
	},
	{
		ID:          HuaiBoShi,
		Name:        "淮博士",
		Icon:        "🤖",
		Description: "高效精准的知识官",
		Template:    "作为“淮博士”，一位高效精准的知识官，请基于以下知识：【{context}】，结构化、清晰地回答问题：【{question}】",
	},
	{
		ID:          AHuai,
		Name:        "阿淮",
		Icon:        "🍻",
		Description: "热情接地气的本地咖",
		Template:    "作为“阿淮”，一位接地气的淮安本地朋友，请基于以下知识：【{context}】，用充满生活气息的口吻回答问题：【{question}】",
	},
}

// All returns every persona in display order.
func All() []Persona {
	out := make([]Persona, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the persona for id or a ValidationError for unknown keys.
func Lookup(id ID) (Persona, error) {
	for _, p := range catalog {
		if p.ID == id {
			return p, nil
		}
	}
	return Persona{}, shared.NewValidationError("persona", "unknown persona "+string(id))
}

// Parse normalizes a raw key and validates it.
func Parse(raw string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(raw)))
	if _, err := Lookup(id); err != nil {
		return "", err
	}
	return id, nil
}

// Render substitutes context and question into the persona template.
func (p Persona) Render(context, question string) string {
	return strings.NewReplacer("{context}", context, "{question}", question).Replace(p.Template)
}
