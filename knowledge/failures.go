package knowledge

import (
	"errors"
	"net/http"
)

// Failure categories for the knowledge engine. Callers discriminate with
// errors.Is; every error returned by this package wraps exactly one of them.
var (
	// ErrConfiguration marks invalid input or an unusable configuration.
	ErrConfiguration = errors.New("knowledge: invalid configuration")

	// ErrNotFound marks a missing knowledge base or document.
	ErrNotFound = errors.New("knowledge: not found")

	// ErrAccessDenied marks a request the requester is not allowed to make.
	ErrAccessDenied = errors.New("knowledge: access denied")

	// ErrConflict marks a write that lost a race with a concurrent writer.
	ErrConflict = errors.New("knowledge: concurrent modification")

	// ErrTransient marks a dependency failure worth retrying: timeouts,
	// connection resets, throttling, upstream 5xx.
	ErrTransient = errors.New("knowledge: transient upstream failure")

	// ErrEmbedding marks a permanent embedding provider failure.
	ErrEmbedding = errors.New("knowledge: embedding failed")

	// ErrStorage marks a permanent document or vector store failure.
	ErrStorage = errors.New("knowledge: storage failure")
)

// IsTransient reports whether the operation may succeed if retried as-is.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// HTTPStatus maps an engine error onto the status code the HTTP surface
// responds with. Unrecognized errors are reported as internal.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
