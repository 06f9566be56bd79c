package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
	"github.com/ccomkhj/datumaro-gui/internal/runtime"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error    string `json:"error"`
	Code     string `json:"code,omitempty"`
	Stage    string `json:"stage,omitempty"`
	Category string `json:"category,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorBody{Error: message})
}

// writeFailure maps err to a status code and writes it.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	var se *runtime.StageError
	if errors.As(err, &se) {
		body.Code = se.Code
		body.Stage = se.Stage
	}
	category := errhandling.GetErrorCategory(err)
	if category != errhandling.CategoryUnknown {
		body.Category = string(category)
	}

	status := statusFor(err, body.Code, category)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			slog.String("error", err.Error()),
			slog.String("stage", body.Stage),
			slog.String("category", body.Category))
	}
	s.writeJSON(w, status, body)
}

func statusFor(err error, code string, category errhandling.ErrorCategory) int {
	switch {
	case errors.Is(err, runtime.ErrSessionNotFound):
		return http.StatusNotFound
	case code == runtime.ErrCodeLockContended:
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	switch category {
	case errhandling.CategoryConfig:
		return http.StatusBadRequest
	case errhandling.CategoryFormat, errhandling.CategoryParse, errhandling.CategoryFilter:
		return http.StatusUnprocessableEntity
	case errhandling.CategoryNotFound:
		return http.StatusNotFound
	case errhandling.CategoryNetwork, errhandling.CategoryAuthentication:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
