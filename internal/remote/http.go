package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/tablesync/internal/query"
	"github.com/hyperengineering/tablesync/internal/types"
)

// TablesPath is the route prefix under which the table service exposes
// its tables.
const TablesPath = "/api/v1/tables"

// DefaultTimeout bounds a single request when no client is supplied.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 1 << 20

// HTTPTableService is a TableService speaking JSON over HTTP.
type HTTPTableService struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ TableService = (*HTTPTableService)(nil)

// Option configures an HTTPTableService.
type Option func(*HTTPTableService)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *HTTPTableService) { s.client = c }
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) Option {
	return func(s *HTTPTableService) { s.client.Timeout = d }
}

// NewHTTPTableService returns a client for the service rooted at baseURL.
// A non-empty apiKey is sent as a bearer token.
func NewHTTPTableService(baseURL, apiKey string, opts ...Option) *HTTPTableService {
	s := &HTTPTableService{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks that the service is reachable.
func (s *HTTPTableService) Ping(ctx context.Context) error {
	resp, err := s.do(ctx, http.MethodGet, s.baseURL+"/api/v1/health", nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return serviceError(resp)
	}
	return nil
}

// Insert posts item to the table.
func (s *HTTPTableService) Insert(ctx context.Context, table string, item types.Record) (types.Record, error) {
	resp, err := s.do(ctx, http.MethodPost, s.tableURL(table, ""), item.WithoutSystemProperties(), "")
	if err != nil {
		return nil, err
	}
	return decodeItem(resp)
}

// Update patches the item with item's id.
func (s *HTTPTableService) Update(ctx context.Context, table string, item types.Record) (types.Record, error) {
	id := item.ID()
	if id == "" {
		return nil, fmt.Errorf("update %s: item has no id", table)
	}
	resp, err := s.do(ctx, http.MethodPatch, s.tableURL(table, id), item.WithoutSystemProperties(), item.Version())
	if err != nil {
		return nil, err
	}
	return decodeItem(resp)
}

// Delete removes the item with item's id.
func (s *HTTPTableService) Delete(ctx context.Context, table string, item types.Record) error {
	id := item.ID()
	if id == "" {
		return fmt.Errorf("delete %s: item has no id", table)
	}
	resp, err := s.do(ctx, http.MethodDelete, s.tableURL(table, id), nil, item.Version())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return serviceError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Read issues q as a GET with the OData query string.
func (s *HTTPTableService) Read(ctx context.Context, q query.Query) (*ReadResult, error) {
	u := s.tableURL(q.Table, "")
	if qs := q.Encode(); qs != "" {
		u += "?" + qs
	}
	resp, err := s.do(ctx, http.MethodGet, u, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, serviceError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Method: http.MethodGet, URL: u, Err: err}
	}
	return decodeReadResult(body)
}

func (s *HTTPTableService) tableURL(table, id string) string {
	u := s.baseURL + TablesPath + "/" + url.PathEscape(table)
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

// do sends an authenticated request. Transport failures are returned as
// *NetworkError; the caller owns the response body otherwise.
func (s *HTTPTableService) do(ctx context.Context, method, u string, body any, ifMatch string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	if ifMatch != "" {
		req.Header.Set("If-Match", strconv.Quote(ifMatch))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Method: method, URL: u, Err: err}
	}
	return resp, nil
}

func decodeItem(resp *http.Response) (types.Record, error) {
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, serviceError(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Method: resp.Request.Method, URL: resp.Request.URL.String(), Err: err}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	return types.DecodeRecord(body)
}

// decodeReadResult accepts either a bare JSON array or the
// {"results": [...], "count": n} envelope used with $inlinecount.
func decodeReadResult(body []byte) (*ReadResult, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		items, err := types.DecodeRecords(trimmed)
		if err != nil {
			return nil, err
		}
		return &ReadResult{Items: items, TotalCount: -1}, nil
	}

	var envelope struct {
		Results json.RawMessage `json:"results"`
		Count   *int64          `json:"count"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("decode read result: %w", err)
	}
	result := &ReadResult{Items: []types.Record{}, TotalCount: -1}
	if len(envelope.Results) > 0 {
		items, err := types.DecodeRecords(envelope.Results)
		if err != nil {
			return nil, err
		}
		if items != nil {
			result.Items = items
		}
	}
	if envelope.Count != nil {
		result.TotalCount = *envelope.Count
	}
	return result, nil
}

// serviceError builds a *ServiceError from an error response. Problem
// documents contribute their detail and an optional "item" member; any
// other JSON object is treated as the server's copy of the item.
func serviceError(resp *http.Response) error {
	se := &ServiceError{StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return se
	}

	obj, err := types.DecodeRecord(trimmed)
	if err != nil {
		se.Message = string(trimmed)
		return se
	}

	if _, isProblem := obj["title"]; isProblem {
		if detail, _ := obj["detail"].(string); detail != "" {
			se.Message = detail
		} else {
			se.Message, _ = obj["title"].(string)
		}
		if item, ok := obj["item"].(map[string]any); ok {
			se.Item = types.Record(item)
		}
		return se
	}

	if obj.ID() != "" {
		se.Item = obj
		return se
	}
	if msg, _ := obj["error"].(string); msg != "" {
		se.Message = msg
	}
	return se
}
