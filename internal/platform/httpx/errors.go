// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors wrapped by handlers to pick a response status.
var (
	ErrNotFound    = errors.New("resource not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation failed")
	ErrUnavailable = errors.New("dependency unavailable")
)

// retryAfterSeconds is advertised on 503 responses.
const retryAfterSeconds = "5"

var problemKinds = []struct {
	sentinel error
	status   int
	title    string
}{
	{ErrNotFound, http.StatusNotFound, "Not Found"},
	{ErrConflict, http.StatusConflict, "Conflict"},
	{ErrValidation, http.StatusBadRequest, "Validation Failed"},
	{ErrUnavailable, http.StatusServiceUnavailable, "Service Unavailable"},
}

// StatusOf returns the HTTP status and problem title err maps to.
func StatusOf(err error) (int, string) {
	for _, k := range problemKinds {
		if errors.Is(err, k.sentinel) {
			return k.status, k.title
		}
	}
	return http.StatusInternalServerError, "Internal Error"
}

// RespondError writes err as an RFC7807 problem. Unmapped errors keep their
// detail out of the response.
func RespondError(w http.ResponseWriter, err error) {
	status, title := StatusOf(err)
	switch status {
	case http.StatusInternalServerError:
		Problem(w, status, title, "")
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", retryAfterSeconds)
		Problem(w, status, title, err.Error())
	default:
		Problem(w, status, title, err.Error())
	}
}
