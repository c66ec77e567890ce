package remote

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/hyperengineering/tablesync/internal/types"
)

// NetworkError reports a request that produced no usable response:
// connection failures, timeouts and cancellation.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServiceError reports a non-success response from the table service.
type ServiceError struct {
	StatusCode int
	Message    string
	// Item is the server's current copy of the item, when the response
	// carried one (conflicts and failed preconditions).
	Item types.Record
}

func (e *ServiceError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("table service returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("table service returned %d: %s", e.StatusCode, e.Message)
}

// IsAuth reports whether the service rejected the caller's credentials.
func (e *ServiceError) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsConflict reports whether the service refused the write because the item
// changed on the server.
func (e *ServiceError) IsConflict() bool {
	return e.StatusCode == http.StatusConflict || e.StatusCode == http.StatusPreconditionFailed
}

// IsNetworkError reports whether err is or wraps a *NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsAuthError reports whether err is or wraps a 401 *ServiceError.
func IsAuthError(err error) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.IsAuth()
}
