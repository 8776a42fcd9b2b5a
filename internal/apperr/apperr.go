// Package apperr classifies failures so callers can decide whether to
// reject, skip, reroute or 404.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrValidation marks a missing or malformed required field.
	ErrValidation = errors.New("validation failed")
	// ErrDuplicate marks a record that already exists, e.g. a known ticket number.
	ErrDuplicate = errors.New("duplicate")
	// ErrDependency marks a failed call to a collaborator (mail, profile, archive).
	ErrDependency = errors.New("dependency failed")
	// ErrNotFound marks a referenced plate, ticket or letter that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a request the current state does not allow, e.g.
	// approving a letter while mailing is switched off.
	ErrConflict = errors.New("conflict")
)

// HTTPStatus maps an error onto the status code the API reports.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicate), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrDependency):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
