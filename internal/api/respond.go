package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// ErrorBody is the inner object of the error envelope every service returns.
type ErrorBody struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Path      string `json:"path"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorResponse is the envelope itself: {"error":{...}}.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// RespondJSON writes a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

// RespondError writes the error envelope. The code mirrors the HTTP status;
// path and timestamp let callers correlate without reading our logs.
func RespondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	RespondJSON(w, status, ErrorResponse{
		Error: ErrorBody{
			Code:      status,
			Message:   message,
			Path:      r.URL.Path,
			Timestamp: time.Now().Unix(),
		},
	})
}
