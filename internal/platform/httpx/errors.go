// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for the domain layer. Services wrap these with context via
// fmt.Errorf("...: %w", Err...) and handlers map them through RespondError.
var (
	// ErrValidation indicates bad caller input.
	ErrValidation = errors.New("validation failed")
	// ErrPermission indicates the caller lacks the required chapter role.
	ErrPermission = errors.New("permission denied")
	// ErrNotFound indicates an unknown identifier.
	ErrNotFound = errors.New("resource not found")
	// ErrAlreadySettled indicates a checkout attempt against a paid assignment.
	ErrAlreadySettled = errors.New("assignment already settled")
	// ErrSignature indicates a webhook payload that failed authentication.
	// Never retried by the sender: mapped to a 4xx.
	ErrSignature = errors.New("invalid webhook signature")
	// ErrTransient indicates a store failure that is safe to retry.
	ErrTransient = errors.New("transient store failure")
)

// RespondError maps domain errors to RFC7807 problem responses.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrPermission):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrAlreadySettled):
		Problem(w, http.StatusConflict, "Already Settled", err.Error())
	case errors.Is(err, ErrSignature):
		Problem(w, http.StatusBadRequest, "Invalid Signature", "")
	case errors.Is(err, ErrTransient):
		Problem(w, http.StatusInternalServerError, "Temporary Failure", "")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
