package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/yunhe-labs/tourguide/internal/session"
	"github.com/yunhe-labs/tourguide/internal/shared"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{shared.NewValidationError("rating", "bad"), http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", session.ErrInvalidTransition), http.StatusConflict},
		{session.ErrTurnInProgress, http.StatusConflict},
		{session.ErrAlreadyRated, http.StatusConflict},
		{shared.IOError("save", errors.New("disk full")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWriteErrorHidesInternalErrors(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	writeError(w, errors.New("secret detail"))

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "internal error" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()

	rl := &RateLimiter{requests: make(map[string][]time.Time), limit: 2, window: time.Minute}
	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("a") {
		t.Fatal("third request should be limited")
	}
	if !rl.Allow("b") {
		t.Fatal("other keys are independent")
	}

	rl.evict(time.Now().Add(time.Second))
	if len(rl.requests) != 0 {
		t.Errorf("evict left %d keys", len(rl.requests))
	}
}
