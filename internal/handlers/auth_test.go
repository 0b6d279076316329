package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/userhub/apiserver/types"
)

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)

	user := env.register(t, "alice@example.com", "Alice Example", "supersecret", false)
	if user.ID == uuid.Nil {
		t.Fatal("expected user ID to be set")
	}
	if !user.IsActive {
		t.Fatal("expected new user to be active")
	}
	if user.IsSuperuser {
		t.Fatal("expected new user not to be a superuser")
	}

	token := env.login(t, "alice@example.com", "supersecret")

	rec := env.doJSON(t, http.MethodGet, "/api/v1/users/me", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("me: status %d, body %s", rec.Code, rec.Body.String())
	}
	var me types.User
	if err := json.Unmarshal(rec.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.ID != user.ID {
		t.Fatalf("me returned %s, want %s", me.ID, user.ID)
	}
	if strings.Contains(rec.Body.String(), "password") {
		t.Fatalf("response leaks password material: %s", rec.Body.String())
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice@example.com", "Alice Example", "supersecret", false)

	rec := env.doJSON(t, http.MethodPost, "/api/v1/users/", "", map[string]any{
		"email":     "alice@example.com",
		"full_name": "Alice Again",
		"password":  "othersecret",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("duplicate register: status %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "email already registered") {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"bad email", map[string]any{"email": "not-an-email", "full_name": "X Y", "password": "supersecret"}},
		{"missing full name", map[string]any{"email": "a@b.com", "full_name": "  ", "password": "supersecret"}},
		{"short password", map[string]any{"email": "a@b.com", "full_name": "X Y", "password": "short"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.doJSON(t, http.MethodPost, "/api/v1/users/", "", tc.body)
			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status %d, want 422, body %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestLoginFailures(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice@example.com", "Alice Example", "supersecret", false)

	doLogin := func(email, password string) *httptest.ResponseRecorder {
		form := url.Values{}
		form.Set("username", email)
		form.Set("password", password)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/users/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		return rec
	}

	if rec := doLogin("alice@example.com", "wrongpassword"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: status %d, want 401", rec.Code)
	}
	if rec := doLogin("nobody@example.com", "supersecret"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown user: status %d, want 401", rec.Code)
	}
	if rec := doLogin("", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty credentials: status %d, want 400", rec.Code)
	}
}

func TestLoginInactiveUser(t *testing.T) {
	env := newTestEnv(t)

	rec := env.doJSON(t, http.MethodPost, "/api/v1/users/", "", map[string]any{
		"email":     "ghost@example.com",
		"full_name": "Ghost User",
		"password":  "supersecret",
		"is_active": false,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: status %d", rec.Code)
	}

	form := url.Values{}
	form.Set("username", "ghost@example.com")
	form.Set("password", "supersecret")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/users/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	loginRec := httptest.NewRecorder()
	env.router.ServeHTTP(loginRec, req)
	if loginRec.Code != http.StatusUnauthorized {
		t.Fatalf("inactive login: status %d, want 401", loginRec.Code)
	}
}

func TestRequireAuthRejectsBadTokens(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t, "alice@example.com", "Alice Example", "supersecret", false)

	if rec := env.doJSON(t, http.MethodGet, "/api/v1/users/me", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d, want 401", rec.Code)
	}
	if rec := env.doJSON(t, http.MethodGet, "/api/v1/users/me", "garbage", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status %d, want 401", rec.Code)
	}

	forged, err := issueToken(user.ID, []byte("wrong-secret"), time.Minute)
	if err != nil {
		t.Fatalf("issue forged token: %v", err)
	}
	if rec := env.doJSON(t, http.MethodGet, "/api/v1/users/me", forged, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged token: status %d, want 401", rec.Code)
	}

	orphan, err := issueToken(uuid.New(), []byte(testSecret), time.Minute)
	if err != nil {
		t.Fatalf("issue orphan token: %v", err)
	}
	if rec := env.doJSON(t, http.MethodGet, "/api/v1/users/me", orphan, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("orphan token: status %d, want 404", rec.Code)
	}

	expired, err := issueToken(user.ID, []byte(testSecret), -time.Minute)
	if err != nil {
		t.Fatalf("issue expired token: %v", err)
	}
	if rec := env.doJSON(t, http.MethodGet, "/api/v1/users/me", expired, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired token: status %d, want 401", rec.Code)
	}
}

func TestInvalidatedTokenRejected(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t, "alice@example.com", "Alice Example", "supersecret", false)
	token := env.login(t, "alice@example.com", "supersecret")

	if rec := env.doJSON(t, http.MethodGet, "/api/v1/users/me", token, nil); rec.Code != http.StatusOK {
		t.Fatalf("fresh token: status %d, want 200", rec.Code)
	}

	if err := env.invalidator.Invalidate(t.Context(), user.ID, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	rec := env.doJSON(t, http.MethodGet, "/api/v1/users/me", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("invalidated token: status %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "token has been invalidated") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestBearerToken(t *testing.T) {
	newRequest := func(header string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		return req
	}

	if _, err := bearerToken(newRequest("")); err == nil {
		t.Fatal("expected error for missing header")
	}
	if _, err := bearerToken(newRequest("Basic abc")); err == nil {
		t.Fatal("expected error for non-bearer scheme")
	}
	if _, err := bearerToken(newRequest("Bearer ")); err == nil {
		t.Fatal("expected error for empty token")
	}
	token, err := bearerToken(newRequest("bearer abc123"))
	if err != nil {
		t.Fatalf("case-insensitive scheme: %v", err)
	}
	if token != "abc123" {
		t.Fatalf("got token %q", token)
	}
}

func TestIssueAndParseToken(t *testing.T) {
	userID := uuid.New()
	token, err := issueToken(userID, []byte(testSecret), time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	parsedID, issuedAt, err := parseToken(token, []byte(testSecret))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsedID != userID {
		t.Fatalf("subject %s, want %s", parsedID, userID)
	}
	if time.Since(issuedAt) > time.Minute {
		t.Fatalf("unexpected issued-at %s", issuedAt)
	}

	if _, _, err := parseToken(token, []byte("other-secret")); err == nil {
		t.Fatal("expected error for wrong secret")
	}
}
