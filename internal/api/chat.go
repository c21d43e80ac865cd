package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yunhe-labs/tourguide/internal/domain"
	"github.com/yunhe-labs/tourguide/internal/identity"
	"github.com/yunhe-labs/tourguide/internal/persona"
	"github.com/yunhe-labs/tourguide/internal/session"
)

// RegisterRoutes registers the chat session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/personas", h.ListPersonas)
	r.Get("/api/categories", h.ListCategories)
	r.Get("/api/session", h.GetSession)
	r.Post("/api/session/persona", h.SelectPersona)
	r.Post("/api/session/category", h.SelectCategory)
	r.Post("/api/session/leave", h.LeaveCategory)
	r.Post("/api/session/question", h.Ask)
	r.Post("/api/session/rate", h.Rate)
	r.Post("/api/session/clear", h.Clear)
	r.Post("/api/session/login", h.Login)
	r.Post("/api/session/logout", h.Logout)
}

// ListPersonas returns the selectable personas.
func (h *Handler) ListPersonas(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{"personas": persona.All()})
}

// ListCategories returns the knowledge base categories.
func (h *Handler) ListCategories(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{
		"categories":        h.catalog.Categories(),
		"knowledge_entries": h.catalog.Len(),
	}
	if h.catalog.Len() == 0 {
		resp["warning"] = "knowledge base is empty"
	}
	JSON(w, http.StatusOK, resp)
}

// GetSession returns the current state view.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.View(r.Context(), identity.TokenFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, view)
}

type personaRequest struct {
	Persona string `json:"persona"`
}

// SelectPersona changes the answering persona.
func (h *Handler) SelectPersona(w http.ResponseWriter, r *http.Request) {
	var req personaRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	h.respond(w)(h.svc.SelectPersona(r.Context(), identity.TokenFromContext(r.Context()), req.Persona))
}

type categoryRequest struct {
	Category string `json:"category"`
}

// SelectCategory switches topic.
func (h *Handler) SelectCategory(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	h.respond(w)(h.svc.SelectCategory(r.Context(), identity.TokenFromContext(r.Context()), req.Category))
}

// LeaveCategory returns to the category list.
func (h *Handler) LeaveCategory(w http.ResponseWriter, r *http.Request) {
	h.respond(w)(h.svc.LeaveCategory(r.Context(), identity.TokenFromContext(r.Context())))
}

type questionRequest struct {
	Question string `json:"question"`
}

type fragmentEvent struct {
	Text string `json:"text"`
}

type warningEvent struct {
	Message string `json:"message"`
}

// Ask streams the answer to a question as server-sent events: one
// "fragment" event per fragment, "warning" events for non-fatal problems and
// a final "done" event carrying the refreshed state view. Errors raised
// before the first fragment are plain JSON responses.
func (h *Handler) Ask(w http.ResponseWriter, r *http.Request) {
	token := identity.TokenFromContext(r.Context())

	if h.limiter != nil && !h.limiter.Allow(identity.IPFromRequest(r)) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req questionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	started := false
	writeFailed := false
	send := func(event string, v interface{}) {
		if writeFailed {
			return
		}
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		data, err := json.Marshal(v)
		if err != nil {
			slog.Warn("failed to marshal SSE payload", "event", event, "error", err)
			return
		}
		if err := writeSSE(w, event, string(data)); err != nil {
			// Keep consuming the turn; the transcript still needs the answer.
			slog.Warn("failed to write SSE event", "event", event, "session", token, "error", err)
			writeFailed = true
			return
		}
		flusher.Flush()
	}

	slog.Info("Question received", "session", token, "question_length", len(req.Question))

	view, err := h.svc.Ask(r.Context(), token, req.Question, func(frag string) {
		send("fragment", fragmentEvent{Text: frag})
	})
	if err != nil {
		if !started {
			writeError(w, err)
			return
		}
		slog.Error("Turn failed after streaming began", "session", token, "error", err)
		send("error", map[string]string{"error": err.Error()})
		return
	}

	for _, warning := range view.Warnings {
		send("warning", warningEvent{Message: warning})
	}
	send("done", view)
}

type rateRequest struct {
	Index   *int   `json:"index"`
	Rating  string `json:"rating"`
	Comment string `json:"comment"`
}

// Rate rates an assistant message once.
func (h *Handler) Rate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Index == nil {
		Error(w, http.StatusBadRequest, "index: index is required")
		return
	}
	rating, err := domain.ParseRating(req.Rating)
	if err != nil {
		writeError(w, err)
		return
	}
	h.respond(w)(h.svc.Rate(r.Context(), identity.TokenFromContext(r.Context()), *req.Index, rating, req.Comment))
}

// Clear discards the conversation.
func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	h.respond(w)(h.svc.Clear(r.Context(), identity.TokenFromContext(r.Context())))
}

type loginRequest struct {
	Identity string `json:"identity"`
	Role     string `json:"role"`
}

// Login binds an identity and resumes its saved conversation. Credentials
// are checked upstream of this service.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	h.respond(w)(h.svc.Login(r.Context(), identity.TokenFromContext(r.Context()), req.Identity, req.Role))
}

// Logout saves and unbinds the identity.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.respond(w)(h.svc.Logout(r.Context(), identity.TokenFromContext(r.Context())))
}

func (h *Handler) respond(w http.ResponseWriter) func(session.View, error) {
	return func(view session.View, err error) {
		if err != nil {
			writeError(w, err)
			return
		}
		JSON(w, http.StatusOK, view)
	}
}
