package tableserver

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAuthMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name      string
		apiKey    string
		header    string
		wantCode  int
		challenge bool
	}{
		{"valid token", "k", "Bearer k", http.StatusNoContent, false},
		{"scheme is case-insensitive", "k", "bearer k", http.StatusNoContent, false},
		{"wrong token", "k", "Bearer x", http.StatusUnauthorized, true},
		{"other scheme", "k", "Basic k", http.StatusUnauthorized, true},
		{"missing header", "k", "", http.StatusUnauthorized, true},
		{"auth disabled", "", "", http.StatusNoContent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/tables/todo", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			AuthMiddleware(tt.apiKey)(ok).ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			got := w.Header().Get("WWW-Authenticate")
			if tt.challenge && got != authChallenge {
				t.Errorf("WWW-Authenticate = %q, want %q", got, authChallenge)
			}
			if !tt.challenge && got != "" {
				t.Errorf("unexpected WWW-Authenticate %q", got)
			}
		})
	}
}

func TestLoggingMiddleware_RecordsRouteAndTable(t *testing.T) {
	// Given: The default logger writes JSON into a buffer
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	_, h := newTestServer(t, "")
	router := NewRouter(h)

	// When: A table is queried
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/tables/todo", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	// Then: The request line names the route pattern and the table
	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, `"action":"request"`) {
			line = l
		}
	}
	if !strings.Contains(line, `"route":"/api/v1/tables/{table}"`) || !strings.Contains(line, `"table":"todo"`) {
		t.Errorf("request log = %s", line)
	}
}

func TestRecoveryMiddleware_PassesAbortHandlerOn(t *testing.T) {
	h := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if got := recover(); got != http.ErrAbortHandler {
			t.Errorf("recovered %v, want http.ErrAbortHandler", got)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	t.Error("ServeHTTP returned normally")
}
