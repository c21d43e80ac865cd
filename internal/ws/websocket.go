package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/yunhe-labs/tourguide/internal/api"
	"github.com/yunhe-labs/tourguide/internal/domain"
	"github.com/yunhe-labs/tourguide/internal/identity"
	"github.com/yunhe-labs/tourguide/internal/session"
	"github.com/yunhe-labs/tourguide/internal/shared"
)

const (
	readLimit    = 64 * 1024
	writeTimeout = 10 * time.Second
)

// clientFrame is a user intent sent over the socket.
type clientFrame struct {
	Type     string `json:"type"`
	Category string `json:"category,omitempty"`
	Question string `json:"question,omitempty"`
	Persona  string `json:"persona,omitempty"`
	Index    *int   `json:"index,omitempty"`
	Rating   string `json:"rating,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

// serverFrame is pushed to the client.
type serverFrame struct {
	Type    string        `json:"type"`
	Text    string        `json:"text,omitempty"`
	Message string        `json:"message,omitempty"`
	Error   string        `json:"error,omitempty"`
	Status  int           `json:"status,omitempty"`
	State   *session.View `json:"state,omitempty"`
}

// Handler serves chat sessions over WebSocket. Every client frame maps to
// one session operation; the refreshed state is pushed back after each.
type Handler struct {
	svc           *session.Service
	cm            *ConnManager
	limiter       *api.RateLimiter
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a WebSocket chat handler.
func NewHandler(svc *session.Service, cm *ConnManager, limiter *api.RateLimiter, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		svc:           svc,
		cm:            cm,
		limiter:       limiter,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := identity.TokenFromContext(r.Context())
	ip := identity.IPFromRequest(r)
	slog.Info("WebSocket connection request", "session", token, "ip", ip)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session", token)
		return
	}
	defer func() {
		if closeErr := conn.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session", token)
		}
	}()
	conn.SetReadLimit(readLimit)

	connID := uuid.NewString()
	h.cm.Register(token, connID, conn)
	defer h.cm.Unregister(token, connID, conn)

	ctx := r.Context()
	view, err := h.svc.View(ctx, token)
	if err != nil {
		h.writeError(conn, err)
		return
	}
	if err := h.writeFrame(conn, serverFrame{Type: "state", State: &view}); err != nil {
		slog.Debug("Failed to send initial state", "error", err)
		return
	}

	h.readLoop(ctx, conn, token, connID, ip)
	slog.Info("Chat connection ended", "session", token)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, token, connID, ip string) {
	for {
		_, message, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed by client", "session", token)
			} else {
				slog.Warn("WebSocket read error", "error", err, "session", token)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			h.writeError(conn, shared.NewValidationError("frame", "invalid JSON frame"))
			continue
		}

		if frame.Type == "ping" {
			if err := h.writeFrame(conn, serverFrame{Type: "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
			continue
		}

		view, err := h.dispatch(ctx, conn, token, ip, frame)
		if err != nil {
			h.writeError(conn, err)
			continue
		}
		for _, warning := range view.Warnings {
			if err := h.writeFrame(conn, serverFrame{Type: "warning", Message: warning}); err != nil {
				slog.Debug("Failed to send warning", "error", err)
			}
		}
		if err := h.writeFrame(conn, serverFrame{Type: "state", State: &view}); err != nil {
			slog.Debug("Failed to send state", "error", err)
			return
		}

		view.Warnings = nil
		bctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		h.cm.Broadcast(bctx, token, connID, serverFrame{Type: "state", State: &view})
		cancel()
	}
}

func (h *Handler) dispatch(ctx context.Context, conn *websocket.Conn, token, ip string, frame clientFrame) (session.View, error) {
	switch frame.Type {
	case "select_category":
		return h.svc.SelectCategory(ctx, token, frame.Category)
	case "leave_category":
		return h.svc.LeaveCategory(ctx, token)
	case "select_persona":
		return h.svc.SelectPersona(ctx, token, frame.Persona)
	case "submit_question":
		if h.limiter != nil && !h.limiter.Allow(ip) {
			return session.View{}, errRateLimited
		}
		return h.svc.Ask(ctx, token, frame.Question, func(frag string) {
			if err := h.writeFrame(conn, serverFrame{Type: "fragment", Text: frag}); err != nil {
				slog.Debug("Failed to send fragment", "session", token, "error", err)
			}
		})
	case "rate":
		if frame.Index == nil {
			return session.View{}, shared.NewValidationError("index", "index is required")
		}
		rating, err := domain.ParseRating(frame.Rating)
		if err != nil {
			return session.View{}, err
		}
		return h.svc.Rate(ctx, token, *frame.Index, rating, frame.Comment)
	case "clear":
		return h.svc.Clear(ctx, token)
	default:
		return session.View{}, shared.NewValidationError("type", "unknown frame type "+frame.Type)
	}
}

var errRateLimited = errors.New("rate limit exceeded")

func (h *Handler) writeError(conn *websocket.Conn, err error) {
	frame := serverFrame{Type: "error", Error: err.Error()}
	switch {
	case errors.Is(err, errRateLimited):
		frame.Status = http.StatusTooManyRequests
	default:
		frame.Status = api.StatusFor(err)
		if frame.Status == http.StatusInternalServerError {
			slog.Error("Chat frame failed", "error", err)
			frame.Error = "internal error"
		}
	}
	if werr := h.writeFrame(conn, frame); werr != nil {
		slog.Debug("Failed to send error frame", "error", werr)
	}
}

func (h *Handler) writeFrame(conn *websocket.Conn, frame serverFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
