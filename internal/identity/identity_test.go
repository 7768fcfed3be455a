package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func serveWithIdentity(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, string, string) {
	t.Helper()
	var userID, sessionID string
	h := Middleware(true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		userID = UserIDFromContext(r.Context())
		sessionID = SessionIDFromContext(r.Context())
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr, userID, sessionID
}

func TestMiddlewareIssuesAnonymousID(t *testing.T) {
	rr, userID, sessionID := serveWithIdentity(t, httptest.NewRequest(http.MethodGet, "/api/session", nil))

	if !isValidAnonID(userID) {
		t.Fatalf("Expected generated anonymous ID, got %q", userID)
	}
	if sessionID != DefaultSessionIDValue {
		t.Errorf("Expected default session ID, got %q", sessionID)
	}

	cookies := rr.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName || cookies[0].Value != userID {
		t.Fatalf("Expected identity cookie, got %+v", cookies)
	}
	if !cookies[0].HttpOnly {
		t.Error("Expected HttpOnly cookie")
	}
}

func TestMiddlewareReusesCookieAndHeader(t *testing.T) {
	const existing = "anon_0123456789abcdef0123456789abcdef"
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: existing})
	req.Header.Set(SessionHeaderName, "tab-42")

	_, userID, sessionID := serveWithIdentity(t, req)
	if userID != existing {
		t.Errorf("Expected cookie identity to be reused, got %q", userID)
	}
	if sessionID != "tab-42" {
		t.Errorf("Expected header session ID, got %q", sessionID)
	}
}

func TestMiddlewareRejectsForgedValues(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/chat?session_id=bad%20id%2F..", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "anon_not-hex"})

	_, userID, sessionID := serveWithIdentity(t, req)
	if userID == "anon_not-hex" || !isValidAnonID(userID) {
		t.Errorf("Expected a fresh identity, got %q", userID)
	}
	if sessionID != DefaultSessionIDValue {
		t.Errorf("Expected invalid session ID to fall back, got %q", sessionID)
	}
}

func TestSessionIDFromQuery(t *testing.T) {
	_, _, sessionID := serveWithIdentity(t, httptest.NewRequest(http.MethodGet, "/ws/chat?session_id=tab-7", nil))
	if sessionID != "tab-7" {
		t.Errorf("Expected query session ID, got %q", sessionID)
	}
}

func TestWithIdentity(t *testing.T) {
	ctx := WithIdentity(context.Background(), "anon_x", "")
	if UserIDFromContext(ctx) != "anon_x" {
		t.Error("Expected user ID in context")
	}
	if SessionIDFromContext(ctx) != DefaultSessionIDValue {
		t.Error("Expected default session ID")
	}
	if UsernameFromContext(ctx) != "anon-user" {
		t.Errorf("Unexpected username %q", UsernameFromContext(ctx))
	}
}

func TestIPFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	if got := IPFromRequest(req); got != "10.1.2.3" {
		t.Errorf("IPFromRequest = %q", got)
	}
}
