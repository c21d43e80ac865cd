package identity

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/yunhe-labs/tourguide/internal/shared"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "alice", want: "alice"},
		{raw: "  bob.smith@example.com ", want: "bob.smith@example.com"},
		{raw: "user_01-x", want: "user_01-x"},
		{raw: "", wantErr: true},
		{raw: "has space", wantErr: true},
		{raw: "张三", wantErr: true},
		{raw: strings.Repeat("a", 65), wantErr: true},
	}
	for _, tt := range tests {
		got, err := Validate(tt.raw)
		if tt.wantErr {
			if !errors.Is(err, shared.ErrValidation) {
				t.Errorf("Validate(%q) error = %v, want ErrValidation", tt.raw, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("Validate(%q) = %q, %v; want %q", tt.raw, got, err, tt.want)
		}
	}
}

func serve(t *testing.T, req *http.Request) (string, *httptest.ResponseRecorder) {
	t.Helper()
	var seen string
	h := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TokenFromContext(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return seen, rec
}

func TestMiddlewareMintsToken(t *testing.T) {
	t.Parallel()

	token, rec := serve(t, httptest.NewRequest(http.MethodGet, "/", nil))
	if _, err := uuid.Parse(token); err != nil {
		t.Fatalf("token %q is not a uuid", token)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != SessionCookieName || cookies[0].Value != token {
		t.Fatalf("unexpected cookies %+v", cookies)
	}
	if rec.Header().Get(SessionHeaderName) != token {
		t.Errorf("header token = %q", rec.Header().Get(SessionHeaderName))
	}
}

func TestMiddlewareReusesCookieAndPrefersHeader(t *testing.T) {
	t.Parallel()

	cookieToken := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: cookieToken})
	if got, _ := serve(t, req); got != cookieToken {
		t.Fatalf("token = %q, want cookie token", got)
	}

	headerToken := uuid.NewString()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: cookieToken})
	req.Header.Set(SessionHeaderName, headerToken)
	if got, _ := serve(t, req); got != headerToken {
		t.Fatalf("token = %q, want header token", got)
	}
}

func TestMiddlewareRejectsMalformedToken(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "not-a-token"})
	got, _ := serve(t, req)
	if got == "not-a-token" {
		t.Fatal("malformed cookie token was accepted")
	}
	if _, err := uuid.Parse(got); err != nil {
		t.Fatalf("expected fresh uuid, got %q", got)
	}
}
