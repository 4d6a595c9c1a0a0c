package response

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/api/errors"
	"github.com/rs/zerolog/log"
)

// Response is the envelope of every JSON response
type Response struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     any    `json:"error,omitempty"`
	Meta      any    `json:"meta,omitempty"`
}

// Meta describes a list response
type Meta struct {
	Count int `json:"count"`
}

// JSON sends a JSON response
func JSON(w http.ResponseWriter, r *http.Request, statusCode int, data any) {
	send(w, statusCode, Response{
		Success:   statusCode >= 200 && statusCode < 300,
		RequestID: middleware.GetReqID(r.Context()),
		Data:      data,
	})
}

// List sends a list with its count
func List[T any](w http.ResponseWriter, r *http.Request, items []T) {
	if items == nil {
		items = []T{}
	}
	send(w, http.StatusOK, Response{
		Success:   true,
		RequestID: middleware.GetReqID(r.Context()),
		Data:      items,
		Meta:      Meta{Count: len(items)},
	})
}

// Error sends an error response
func Error(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.GetReqID(r.Context())
	apiErr := errors.FromError(err).WithRequestID(requestID)

	if apiErr.HTTPCode >= http.StatusInternalServerError {
		log.Warn().Str("component", "api").Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}

	send(w, apiErr.HTTPCode, Response{
		Success:   false,
		RequestID: requestID,
		Error:     apiErr,
	})
}

// send writes the envelope
func send(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Str("component", "api").Msg("Failed to encode JSON response")
	}
}
