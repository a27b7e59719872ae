package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors handlers map domain failures onto.
var (
	ErrNotFound   = errors.New("resource not found")
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("forbidden")
)

// RespondError maps domain errors to HTTP responses using RFC7807. Forbidden
// responses carry no internal detail: which invariant failed is for the
// audit trail, not the end user.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrForbidden):
		AccessDenied(w)
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// AccessDenied sends the uniform denial body.
func AccessDenied(w http.ResponseWriter) {
	Problem(w, http.StatusForbidden, "Forbidden", "access denied")
}
