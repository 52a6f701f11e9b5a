package lifecycle

import (
	"errors"
	"net/http"
)

// Sentinel errors returned by the service layer. Handlers map them onto
// HTTP status codes with HTTPStatus.
var (
	ErrUnauthenticated    = errors.New("caller is not authenticated")
	ErrNotAuthorized      = errors.New("caller is not allowed to perform this action")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrPreconditionFailed = errors.New("order is not in the required state")
	ErrNotFound           = errors.New("not found")
)

// HTTPStatus maps a service error onto an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrPreconditionFailed):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
