// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/gatherly/eventsite/internal/shared"
)

// Sentinel errors for handlers outside the session/registration taxonomy.
var (
	ErrBadRequest  = errors.New("bad request")
	ErrUpstream    = errors.New("upstream failure")
	ErrUnavailable = errors.New("service unavailable")
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrUnauthorized), errors.Is(err, shared.ErrInvalidCredentials):
		Problem(w, http.StatusUnauthorized, "Unauthorized", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrNotAuthenticated):
		Problem(w, http.StatusUnauthorized, "Not Authenticated", shared.UserSafeMessage(err))
	case errors.Is(err, ErrUpstream):
		Problem(w, http.StatusBadGateway, "Bad Gateway", err.Error())
	case errors.Is(err, ErrUnavailable):
		Problem(w, http.StatusServiceUnavailable, "Service Unavailable", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
