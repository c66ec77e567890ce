package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/tablesync/internal/query"
	"github.com/hyperengineering/tablesync/internal/types"
)

// recordedRequest captures what the fake service received.
type recordedRequest struct {
	Method  string
	Path    string
	RawQS   string
	Auth    string
	IfMatch string
	Body    map[string]any
}

func newFakeService(t *testing.T, status int, response string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var seen []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{
			Method:  r.Method,
			Path:    r.URL.EscapedPath(),
			RawQS:   r.URL.RawQuery,
			Auth:    r.Header.Get("Authorization"),
			IfMatch: r.Header.Get("If-Match"),
		}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			json.Unmarshal(data, &rec.Body)
		}
		seen = append(seen, rec)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestInsert_PostsItemWithoutSystemProperties(t *testing.T) {
	// Given: A service that echoes a created item
	srv, seen := newFakeService(t, http.StatusCreated,
		`{"id":"abc","text":"hi","__version":"v1","__updatedAt":"2024-01-01T00:00:00.000Z"}`)
	svc := NewHTTPTableService(srv.URL+"/", "secret")

	// When: An item carrying a stale system property is inserted
	got, err := svc.Insert(context.Background(), "todo", types.Record{"id": "abc", "text": "hi", "__version": "old"})

	// Then: The request is a bearer-authenticated POST without system properties
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	req := (*seen)[0]
	if req.Method != http.MethodPost || req.Path != "/api/v1/tables/todo" {
		t.Errorf("request = %s %s", req.Method, req.Path)
	}
	if req.Auth != "Bearer secret" {
		t.Errorf("Authorization = %q", req.Auth)
	}
	if _, ok := req.Body["__version"]; ok {
		t.Error("system property sent to the service")
	}
	if got.Version() != "v1" {
		t.Errorf("returned version = %q, want v1", got.Version())
	}
}

func TestUpdate_SendsIfMatch(t *testing.T) {
	srv, seen := newFakeService(t, http.StatusOK, `{"id":"a b","__version":"v2"}`)
	svc := NewHTTPTableService(srv.URL, "")

	_, err := svc.Update(context.Background(), "todo", types.Record{"id": "a b", "__version": "v1"})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	req := (*seen)[0]
	if req.Method != http.MethodPatch || req.Path != "/api/v1/tables/todo/a%20b" {
		t.Errorf("request = %s %s", req.Method, req.Path)
	}
	if req.IfMatch != `"v1"` {
		t.Errorf("If-Match = %q", req.IfMatch)
	}
	if req.Auth != "" {
		t.Errorf("Authorization sent without api key: %q", req.Auth)
	}
}

func TestUpdate_RequiresID(t *testing.T) {
	svc := NewHTTPTableService("http://unused", "")
	if _, err := svc.Update(context.Background(), "todo", types.Record{"text": "x"}); err == nil {
		t.Error("Update() without id should fail")
	}
}

func TestDelete_AcceptsNoContent(t *testing.T) {
	srv, seen := newFakeService(t, http.StatusNoContent, "")
	svc := NewHTTPTableService(srv.URL, "k")

	if err := svc.Delete(context.Background(), "todo", types.Record{"id": "x"}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if (*seen)[0].Method != http.MethodDelete || (*seen)[0].IfMatch != "" {
		t.Errorf("request = %+v", (*seen)[0])
	}
}

func TestRead_EncodesQueryAndDecodesArray(t *testing.T) {
	srv, seen := newFakeService(t, http.StatusOK, `[{"id":"a","n":1},{"id":"b","n":2}]`)
	svc := NewHTTPTableService(srv.URL, "")

	q := query.New("todo").Where(query.Gt("n", 0)).OrderByAsc("n").WithTop(50)
	q.IncludeDeleted = true

	got, err := svc.Read(context.Background(), q)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(got.Items) != 2 || got.TotalCount != -1 {
		t.Errorf("Read() = %+v", got)
	}
	wantQS := "$filter=n%20gt%20%280%29&$orderby=n%20asc&$skip=0&$top=50&__includeDeleted=true"
	if (*seen)[0].RawQS != wantQS {
		t.Errorf("query string = %q, want %q", (*seen)[0].RawQS, wantQS)
	}
}

func TestRead_DecodesCountEnvelope(t *testing.T) {
	srv, _ := newFakeService(t, http.StatusOK, `{"results":[{"id":"a"}],"count":7}`)
	svc := NewHTTPTableService(srv.URL, "")

	q := query.New("todo")
	q.IncludeTotalCount = true
	got, err := svc.Read(context.Background(), q)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(got.Items) != 1 || got.TotalCount != 7 {
		t.Errorf("Read() = %+v", got)
	}
}

func TestErrors_ServiceErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantAuth   bool
		wantConfl  bool
		wantMsg    string
		wantItemID string
	}{
		{
			name:     "unauthorized",
			status:   http.StatusUnauthorized,
			body:     `{"type":"about:blank","title":"Unauthorized","status":401,"detail":"bad key"}`,
			wantAuth: true,
			wantMsg:  "bad key",
		},
		{
			name:       "precondition failed with problem item",
			status:     http.StatusPreconditionFailed,
			body:       `{"title":"Precondition Failed","status":412,"detail":"version mismatch","item":{"id":"a","__version":"v9"}}`,
			wantConfl:  true,
			wantMsg:    "version mismatch",
			wantItemID: "a",
		},
		{
			name:       "conflict with bare item",
			status:     http.StatusConflict,
			body:       `{"id":"a","text":"server"}`,
			wantConfl:  true,
			wantItemID: "a",
		},
		{
			name:    "plain text",
			status:  http.StatusInternalServerError,
			body:    `boom`,
			wantMsg: "boom",
		},
		{
			name:    "error member",
			status:  http.StatusBadRequest,
			body:    `{"error":"bad field"}`,
			wantMsg: "bad field",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newFakeService(t, tt.status, tt.body)
			svc := NewHTTPTableService(srv.URL, "")

			_, err := svc.Insert(context.Background(), "todo", types.Record{"id": "a"})

			var se *ServiceError
			if !errors.As(err, &se) {
				t.Fatalf("error = %T %v, want *ServiceError", err, err)
			}
			if se.StatusCode != tt.status {
				t.Errorf("StatusCode = %d", se.StatusCode)
			}
			if se.IsAuth() != tt.wantAuth || IsAuthError(err) != tt.wantAuth {
				t.Errorf("IsAuth() = %v, want %v", se.IsAuth(), tt.wantAuth)
			}
			if se.IsConflict() != tt.wantConfl {
				t.Errorf("IsConflict() = %v, want %v", se.IsConflict(), tt.wantConfl)
			}
			if se.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", se.Message, tt.wantMsg)
			}
			if se.Item.ID() != tt.wantItemID {
				t.Errorf("Item id = %q, want %q", se.Item.ID(), tt.wantItemID)
			}
			if IsNetworkError(err) {
				t.Error("service error classified as network error")
			}
		})
	}
}

func TestErrors_NetworkFailure(t *testing.T) {
	// Given: A server that is already closed
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	svc := NewHTTPTableService(url, "")

	// When: Any request is made
	_, err := svc.Read(context.Background(), query.New("todo"))

	// Then: The failure is a network error
	if !IsNetworkError(err) {
		t.Fatalf("error = %v, want network error", err)
	}
	if IsAuthError(err) {
		t.Error("network error classified as auth")
	}
}

func TestErrors_TimeoutIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	svc := NewHTTPTableService(srv.URL, "", WithTimeout(50*time.Millisecond))

	err := svc.Delete(context.Background(), "todo", types.Record{"id": "a"})
	if !IsNetworkError(err) {
		t.Fatalf("error = %v, want network error", err)
	}
}

func TestPing(t *testing.T) {
	srv, seen := newFakeService(t, http.StatusOK, `{"status":"healthy"}`)
	svc := NewHTTPTableService(srv.URL, "")
	if err := svc.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if !strings.HasSuffix((*seen)[0].Path, "/api/v1/health") {
		t.Errorf("path = %q", (*seen)[0].Path)
	}
}

// countingTransport counts round trips made through it.
type countingTransport struct {
	calls int
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.calls++
	return http.DefaultTransport.RoundTrip(r)
}

func TestWithHTTPClient_UsesInjectedClient(t *testing.T) {
	srv, _ := newFakeService(t, http.StatusOK, `[]`)
	transport := &countingTransport{}
	svc := NewHTTPTableService(srv.URL, "", WithHTTPClient(&http.Client{Transport: transport}))

	if _, err := svc.Read(context.Background(), query.New("todo")); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if transport.calls != 1 {
		t.Errorf("transport calls = %d, want 1", transport.calls)
	}
}
