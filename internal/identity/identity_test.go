package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBearerToken(t *testing.T) {
	if got := BearerToken("Bearer abc123"); got != "abc123" {
		t.Errorf("Expected abc123, got %q", got)
	}
	if got := BearerToken("Basic abc123"); got != "" {
		t.Errorf("Expected empty token for non-bearer scheme, got %q", got)
	}
	if got := BearerToken(""); got != "" {
		t.Errorf("Expected empty token for empty header, got %q", got)
	}
}

func TestKeyMatches(t *testing.T) {
	keys := []string{"key-one", "key-two"}

	if !KeyMatches("key-one", keys) {
		t.Error("Expected key-one to match")
	}
	if !KeyMatches("key-two", keys) {
		t.Error("Expected key-two to match")
	}
	if KeyMatches("key-three", keys) {
		t.Error("Expected key-three not to match")
	}
	if KeyMatches("", keys) {
		t.Error("Expected empty token not to match")
	}
	if KeyMatches("key-one", nil) {
		t.Error("Expected no match against empty key set")
	}
}

func echoRole(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(RoleFromContext(r.Context())))
	})
}

func TestMiddlewareRequiresKey(t *testing.T) {
	handler := Middleware(RoleAgent, []string{"secret"})(echoRole(t))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 without key, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 with wrong key, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 with valid key, got %d", w.Code)
	}
	if w.Body.String() != string(RoleAgent) {
		t.Errorf("Expected role agent in context, got %q", w.Body.String())
	}
}

func TestMiddlewareQueryParamFallback(t *testing.T) {
	handler := Middleware(RoleDashboard, []string{"secret"})(echoRole(t))

	req := httptest.NewRequest(http.MethodGet, "/ws/feed?api_key=secret", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 with query key, got %d", w.Code)
	}
}

func TestMiddlewareDevMode(t *testing.T) {
	handler := Middleware(RoleDashboard, nil)(echoRole(t))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 with auth disabled, got %d", w.Code)
	}
	if w.Body.String() != string(RoleDashboard) {
		t.Errorf("Expected role dashboard in context, got %q", w.Body.String())
	}
}
