package api

import (
	"errors"
	"net/http"

	"github.com/floegence/offline-doctor/internal/backend"
	"github.com/floegence/offline-doctor/internal/chat"
	"github.com/floegence/offline-doctor/internal/convstore"
	"github.com/floegence/offline-doctor/internal/lockfile"
	"github.com/floegence/offline-doctor/internal/models"
)

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, convstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, backend.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, backend.ErrModelNotFound),
		errors.Is(err, backend.ErrBinaryNotFound),
		errors.Is(err, models.ErrInvalidFilename),
		errors.Is(err, models.ErrUnknownModel),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, convstore.ErrInvalidRole):
		return http.StatusBadRequest
	case errors.Is(err, backend.ErrAlreadyStarted),
		errors.Is(err, lockfile.ErrAlreadyLocked):
		return http.StatusConflict
	case errors.Is(err, backend.ErrStartupTimeout),
		errors.Is(err, backend.ErrBackendExited),
		errors.Is(err, backend.ErrBackend):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
