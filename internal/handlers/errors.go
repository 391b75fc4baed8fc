package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/diewo77/go-jobshop/httpx"
	"github.com/diewo77/go-jobshop/internal/services"
	"github.com/diewo77/go-jobshop/validation"
)

// apiError is the status, code and client message an error maps to.
type apiError struct {
	status int
	code   string
	msg    string
}

func mapError(err error) apiError {
	var violations validation.Violations
	switch {
	case errors.As(err, &violations):
		return apiError{http.StatusUnprocessableEntity, "validation_failed", violations.Error()}
	case errors.Is(err, httpx.ErrBadJSON):
		return apiError{http.StatusBadRequest, "invalid_json", err.Error()}
	case errors.Is(err, services.ErrNotFound):
		return apiError{http.StatusNotFound, "not_found", reason(err)}
	case errors.Is(err, services.ErrValidation):
		return apiError{http.StatusUnprocessableEntity, "validation_failed", reason(err)}
	case errors.Is(err, services.ErrPreconditionFailed):
		return apiError{http.StatusPreconditionFailed, "precondition_failed", reason(err)}
	case errors.Is(err, services.ErrConflict):
		return apiError{http.StatusConflict, "conflict", reason(err)}
	default:
		return apiError{http.StatusInternalServerError, "internal_error", "An internal error occurred"}
	}
}

// reason strips the sentinel prefix so the client sees only the sentence.
func reason(err error) string {
	msg := err.Error()
	if _, rest, ok := strings.Cut(msg, ": "); ok {
		return rest
	}
	return msg
}

// writeError maps err to a response. Server errors are logged with the
// original cause, which the client never sees.
func writeError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	e := mapError(err)
	if e.status >= http.StatusInternalServerError {
		log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		log.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", e.status, "error", err)
	}
	var violations validation.Violations
	if errors.As(err, &violations) {
		httpx.JSON(w, e.status, httpx.ErrorResponse{Error: e.code, Message: e.msg, Details: violations})
		return
	}
	httpx.JSONErrorMessage(w, e.status, e.code, e.msg)
}
