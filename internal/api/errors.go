package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/chatline/internal/auth"
	"github.com/npezzotti/chatline/internal/chat"
	"github.com/npezzotti/chatline/internal/database"
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

func newApiError(status int) *ApiError {
	return &ApiError{
		StatusCode: status,
		Message:    strings.ToLower(http.StatusText(status)),
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest)
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound)
}

func NewConflictError() *ApiError {
	return newApiError(http.StatusConflict)
}

func NewInternalServerError(err error) *ApiError {
	e := newApiError(http.StatusInternalServerError)
	e.Err = err
	return e
}

// NewServiceUnavailableError reports a store failure the client may retry.
func NewServiceUnavailableError(err error) *ApiError {
	e := newApiError(http.StatusServiceUnavailable)
	e.Err = err
	return e
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized)
}

func NewForbiddenError() *ApiError {
	return newApiError(http.StatusForbidden)
}

// errorFor maps a domain error to the response sent to the client.
func errorFor(err error) *ApiError {
	var storeErr *chat.StoreError
	switch {
	case errors.Is(err, chat.ErrInvalidContent):
		e := NewBadRequestError()
		e.Message = "invalid message content"
		return e
	case errors.Is(err, chat.ErrInvalidRequest):
		return NewBadRequestError()
	case errors.Is(err, chat.ErrForbidden):
		return NewForbiddenError()
	case errors.Is(err, chat.ErrNotFound), errors.Is(err, database.ErrNotFound):
		return NewNotFoundError()
	case errors.Is(err, chat.ErrConflict), errors.Is(err, database.ErrConflict):
		return NewConflictError()
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return NewUnauthorizedError()
	case errors.As(err, &storeErr):
		return NewServiceUnavailableError(err)
	default:
		return NewInternalServerError(err)
	}
}
