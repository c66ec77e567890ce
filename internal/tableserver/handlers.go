// Package tableserver serves tables over HTTP with the wire shape the sync
// engine expects: OData-style queries, system properties, soft delete and
// optimistic concurrency through If-Match.
package tableserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hyperengineering/tablesync/internal/query"
	"github.com/hyperengineering/tablesync/internal/store"
	"github.com/hyperengineering/tablesync/internal/types"
	"github.com/oklog/ulid/v2"
)

const (
	// DefaultTop applies when a query does not limit its results.
	DefaultTop = 50
	// MaxTop caps the rows returned by one query.
	MaxTop = 1000

	maxBodyBytes = 1 << 20
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)

// tableCounter is implemented by stores that can report per-table counts.
type tableCounter interface {
	TableCounts(ctx context.Context) (map[string]int64, error)
}

// Handler implements the table endpoints.
type Handler struct {
	store   store.Store
	apiKey  string
	version string
	now     func() time.Time
}

// NewHandler creates a Handler serving the tables in s.
func NewHandler(s store.Store, apiKey, version string) *Handler {
	return &Handler{
		store:   s,
		apiKey:  apiKey,
		version: version,
		now:     time.Now,
	}
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status  string           `json:"status"`
	Version string           `json:"version"`
	Tables  map[string]int64 `json:"tables,omitempty"`
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Version: h.version}
	if tc, ok := h.store.(tableCounter); ok {
		counts, err := tc.TableCounts(r.Context())
		if err != nil {
			WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		resp.Tables = counts
	}
	writeJSON(w, http.StatusOK, resp)
}

// Query handles GET /api/v1/tables/{table}
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	table, ok := tableParam(w, r)
	if !ok {
		return
	}

	q, err := query.ParseValues(table, r.URL.Query())
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if q.Top <= 0 {
		q.Top = DefaultTop
	}
	if q.Top > MaxTop {
		q.Top = MaxTop
	}

	items, err := h.store.Read(r.Context(), q)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	for i, item := range items {
		items[i] = withSystemProperties(item, q.SystemProperties)
	}

	if !q.IncludeTotalCount {
		writeJSON(w, http.StatusOK, items)
		return
	}
	count, err := h.store.Count(r.Context(), q)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": items, "count": count})
}

// Get handles GET /api/v1/tables/{table}/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	table, ok := tableParam(w, r)
	if !ok {
		return
	}
	item, err := h.store.Lookup(r.Context(), table, chi.URLParam(r, "id"))
	if err == nil && item.Deleted() {
		err = store.ErrNotFound
	}
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// Insert handles POST /api/v1/tables/{table}
func (h *Handler) Insert(w http.ResponseWriter, r *http.Request) {
	table, ok := tableParam(w, r)
	if !ok {
		return
	}
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}
	if body.HasNonStringID() {
		WriteProblem(w, r, http.StatusBadRequest, "id must be a string")
		return
	}

	item := body.WithoutSystemProperties()
	if item.ID() == "" {
		item[types.FieldID] = ulid.Make().String()
	}

	err := h.store.InTx(r.Context(), func(tx store.Store) error {
		existing, err := tx.Lookup(r.Context(), table, item.ID())
		if err == nil {
			return &writeError{status: http.StatusConflict, detail: "An item with this id already exists", item: existing}
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		now := h.now()
		item[types.FieldCreatedAt] = types.FormatTime(now)
		h.stamp(item, now, false)
		return tx.Upsert(r.Context(), table, item)
	})
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Debug("item inserted", "component", "tableserver", "action", "insert", "table", table)
	writeJSON(w, http.StatusCreated, item)
}

// Update handles PATCH /api/v1/tables/{table}/{id}
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	table, ok := tableParam(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}
	if body.HasNonStringID() || (body.ID() != "" && body.ID() != id) {
		WriteProblem(w, r, http.StatusBadRequest, "id in body does not match the URL")
		return
	}

	var updated types.Record
	err := h.store.InTx(r.Context(), func(tx store.Store) error {
		existing, err := h.current(r, tx, table, id)
		if err != nil {
			return err
		}
		updated = existing.Merge(body.WithoutSystemProperties())
		updated[types.FieldID] = id
		h.stamp(updated, h.now(), false)
		return tx.Upsert(r.Context(), table, updated)
	})
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Delete handles DELETE /api/v1/tables/{table}/{id}. Items are soft
// deleted so incremental pulls can see the tombstone.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	table, ok := tableParam(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	err := h.store.InTx(r.Context(), func(tx store.Store) error {
		existing, err := h.current(r, tx, table, id)
		if err != nil {
			return err
		}
		h.stamp(existing, h.now(), true)
		return tx.Upsert(r.Context(), table, existing)
	})
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// current loads a live item and checks the request's If-Match against it.
func (h *Handler) current(r *http.Request, tx store.Store, table, id string) (types.Record, error) {
	existing, err := tx.Lookup(r.Context(), table, id)
	if err != nil {
		return nil, err
	}
	if existing.Deleted() {
		return nil, store.ErrNotFound
	}
	if !ifMatch(r.Header.Get("If-Match"), existing.Version()) {
		return nil, &writeError{
			status: http.StatusPreconditionFailed,
			detail: "The item has been modified since it was read",
			item:   existing,
		}
	}
	return existing, nil
}

// stamp sets the server-maintained system properties.
func (h *Handler) stamp(item types.Record, now time.Time, deleted bool) {
	item[types.FieldUpdatedAt] = types.FormatTime(now)
	item[types.FieldVersion] = ulid.Make().String()
	item[types.FieldDeleted] = deleted
}

// ifMatch reports whether an If-Match header admits the given version.
func ifMatch(header, version string) bool {
	header = strings.TrimSpace(header)
	if header == "" || header == "*" {
		return true
	}
	for _, tag := range strings.Split(header, ",") {
		tag = strings.TrimPrefix(strings.TrimSpace(tag), "W/")
		if strings.Trim(tag, `"`) == version {
			return true
		}
	}
	return false
}

// withSystemProperties keeps only the requested system properties; "*"
// keeps all of them.
func withSystemProperties(item types.Record, requested []string) types.Record {
	keep := make(map[string]bool, len(requested))
	for _, p := range requested {
		if p == "*" {
			return item
		}
		keep[p] = true
	}
	out := item.WithoutSystemProperties()
	for _, p := range types.SystemProperties {
		if v, ok := item[p]; ok && keep[p] {
			out[p] = v
		}
	}
	return out
}

func tableParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	table := chi.URLParam(r, "table")
	if !tableNamePattern.MatchString(table) {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid table name %q", table))
		return "", false
	}
	return table, true
}

func decodeBody(w http.ResponseWriter, r *http.Request) (types.Record, bool) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Could not read request body")
		return nil, false
	}
	item, err := types.DecodeRecord(data)
	if err != nil || item == nil {
		WriteProblem(w, r, http.StatusBadRequest, "Request body must be a JSON object")
		return nil, false
	}
	return item, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "tableserver", "error", err)
	}
}
