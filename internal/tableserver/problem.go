package tableserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/tablesync/internal/query"
	"github.com/hyperengineering/tablesync/internal/store"
	"github.com/hyperengineering/tablesync/internal/types"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
	// Item carries the server's current copy of the item for conflicts and
	// failed preconditions.
	Item types.Record `json:"item,omitempty"`
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusUnauthorized: {
		typeURI: "https://tablesync.dev/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusBadRequest: {
		typeURI: "https://tablesync.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://tablesync.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusInternalServerError: {
		typeURI: "https://tablesync.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
	http.StatusConflict: {
		typeURI: "https://tablesync.dev/errors/conflict",
		title:   "Conflict",
	},
	http.StatusPreconditionFailed: {
		typeURI: "https://tablesync.dev/errors/precondition-failed",
		title:   "Precondition Failed",
	},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblem(w, r, status, detail, nil)
}

// WriteProblemWithItem writes a problem response carrying the server's copy
// of the item.
func WriteProblemWithItem(w http.ResponseWriter, r *http.Request, status int, detail string, item types.Record) {
	writeProblem(w, r, status, detail, item)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, detail string, item types.Record) {
	pt, ok := problemTypes[status]
	if !ok {
		pt = struct {
			typeURI string
			title   string
		}{
			typeURI: "https://tablesync.dev/errors/unknown",
			title:   http.StatusText(status),
		}
	}

	p := Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		Item:     item,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// MapStoreError converts domain errors to Problem Details responses.
func MapStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var we *writeError
	switch {
	case errors.As(err, &we):
		WriteProblemWithItem(w, r, we.status, we.detail, we.item)
	case errors.Is(err, store.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Item not found")
	case errors.Is(err, store.ErrInvalidField), errors.Is(err, query.ErrSyntax):
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
	default:
		// Never expose internal error details to client
		slog.Error("table request failed",
			"component", "tableserver",
			"path", r.URL.Path,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}

// writeError aborts a write transaction with a client-visible outcome.
type writeError struct {
	status int
	detail string
	item   types.Record
}

func (e *writeError) Error() string { return e.detail }
