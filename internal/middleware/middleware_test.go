package middleware

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pliu/chatbridge/internal/models"
)

type fakeAuth map[string]*models.User

func (f fakeAuth) Authenticate(_ context.Context, token string) (*models.User, error) {
	if token == "broken" {
		return nil, errors.New("db down")
	}
	return f[token], nil
}

func TestAuthMiddleware(t *testing.T) {
	auth := fakeAuth{"good-token": {ID: "user-123", Phone: "+6281234567890"}}

	// Mock next handler
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := UserFrom(r.Context())
		if user == nil {
			t.Error("Expected user in context")
			return
		}
		if user.ID != "user-123" {
			t.Errorf("Expected user-123, got %v", user.ID)
		}
		if TokenFrom(r.Context()) != "good-token" {
			t.Errorf("Token not in context")
		}
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name           string
		header         string
		cookie         string
		expectedStatus int
	}{
		{name: "Valid Bearer", header: "Bearer good-token", expectedStatus: http.StatusOK},
		{name: "Valid Cookie", cookie: "good-token", expectedStatus: http.StatusOK},
		{name: "Unknown Token", header: "Bearer forged", expectedStatus: http.StatusUnauthorized},
		{name: "Wrong Scheme", header: "Basic good-token", expectedStatus: http.StatusUnauthorized},
		{name: "Missing", expectedStatus: http.StatusUnauthorized},
		{name: "Store Error", header: "Bearer broken", expectedStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: SessionCookie, Value: tt.cookie})
			}
			rr := httptest.NewRecorder()

			AuthMiddleware(auth)(nextHandler).ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v",
					rr.Code, tt.expectedStatus)
			}
		})
	}
}

func TestAdminMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	tests := []struct {
		name     string
		token    string
		header   string
		expected int
	}{
		{"Correct", "s3cret", "s3cret", http.StatusOK},
		{"Wrong", "s3cret", "guess", http.StatusForbidden},
		{"Missing", "s3cret", "", http.StatusForbidden},
		{"Disabled", "", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin/approvals", nil)
			if tt.header != "" {
				req.Header.Set("X-Admin-Token", tt.header)
			}
			rr := httptest.NewRecorder()
			AdminMiddleware(tt.token)(ok).ServeHTTP(rr, req)
			if rr.Code != tt.expected {
				t.Errorf("got %v want %v", rr.Code, tt.expected)
			}
		})
	}
}

func TestLoggingMiddleware(t *testing.T) {
	// Mock next handler that returns 404
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest("GET", "/", nil)
	rr := httptest.NewRecorder()

	LoggingMiddleware(nextHandler).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("handler returned wrong status code: got %v want %v",
			rr.Code, http.StatusNotFound)
	}
}

// MockHijacker implements http.Hijacker for testing
type MockHijacker struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (m *MockHijacker) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	m.hijacked = true
	return nil, nil, nil
}

func TestLoggingMiddleware_Hijack(t *testing.T) {
	// Mock next handler that tries to hijack
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hijacker, ok := w.(http.Hijacker)
		if !ok {
			t.Error("ResponseWriter does not implement http.Hijacker")
			return
		}
		if _, _, err := hijacker.Hijack(); err != nil {
			t.Errorf("Hijack failed: %v", err)
		}
	})

	req := httptest.NewRequest("GET", "/", nil)
	// The middleware wraps the writer it is given, so that writer must be
	// a Hijacker for the upgrade to work.
	mockWriter := &MockHijacker{ResponseRecorder: httptest.NewRecorder()}

	LoggingMiddleware(nextHandler).ServeHTTP(mockWriter, req)
	if !mockWriter.hijacked {
		t.Error("Hijack was not passed through")
	}

	// A writer without Hijack reports an error instead of panicking.
	LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := w.(http.Hijacker).Hijack(); err == nil {
			t.Error("Expected hijack error")
		}
	})).ServeHTTP(httptest.NewRecorder(), req)
}
