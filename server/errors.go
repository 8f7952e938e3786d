package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/logger"
)

// statusFor maps a domain error to the HTTP status reported for it
func statusFor(err error) int {
	switch {
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsInvalidRequestError(err):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrJobNotRunning), errors.Is(err, errors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errors.ErrNoWorkers), errors.Is(err, errors.ErrClosed),
		errors.Is(err, errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, errors.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError logs err and replies with its mapped status.
// Server faults are logged as errors, client faults as debug.
func writeDomainError(w http.ResponseWriter, log *zap.SugaredLogger, err error, context string) {
	status := statusFor(err)
	wrapped := errors.Wrap(err, context)
	if status >= http.StatusInternalServerError {
		log.Errorw(context, logger.FieldError, err, "status", status)
	} else {
		log.Debugw(context, logger.FieldError, err, "status", status)
	}
	writeError(w, status, wrapped.Error())
}
