package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/meetup"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func newApiError(code int) *ApiError {
	return &ApiError{
		StatusCode: code,
		Message:    lower(http.StatusText(code)),
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest)
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound)
}

func NewInternalServerError(err error) *ApiError {
	e := newApiError(http.StatusInternalServerError)
	e.Err = err
	return e
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized)
}

func NewForbiddenError() *ApiError {
	return newApiError(http.StatusForbidden)
}

func NewConflictError() *ApiError {
	return newApiError(http.StatusConflict)
}

// toApiError maps a service error onto its HTTP response. Client errors
// carry the service message so callers can tell them apart.
func toApiError(err error) *ApiError {
	var apiErr *ApiError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, database.ErrNotFound):
		return NewNotFoundError()
	case errors.Is(err, meetup.ErrForbidden), errors.Is(err, meetup.ErrNotParticipant):
		e := NewForbiddenError()
		e.Message = err.Error()
		return e
	case errors.Is(err, meetup.ErrNotPending), errors.Is(err, meetup.ErrEmailTaken),
		errors.Is(err, meetup.ErrInactive), errors.Is(err, database.ErrAlreadyExists):
		e := NewConflictError()
		e.Message = err.Error()
		return e
	case errors.Is(err, meetup.ErrInvalidEvent), errors.Is(err, meetup.ErrInvalidMessage),
		errors.Is(err, meetup.ErrUnsupportedTrigger), errors.Is(err, database.ErrInvalidPath):
		e := NewBadRequestError()
		e.Message = err.Error()
		return e
	default:
		return NewInternalServerError(err)
	}
}
