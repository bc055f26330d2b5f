package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/rjsadow/attentive/internal/event"
	"github.com/rjsadow/attentive/internal/middleware"
)

// DefaultMaxBodyBytes caps POST /api/events bodies.
const DefaultMaxBodyBytes = 1 << 20

type response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HTTPHandler serves POST /api/events.
type HTTPHandler struct {
	relay        *Relay
	maxBodyBytes int64
}

// NewHTTPHandler creates the batch ingestion endpoint.
func NewHTTPHandler(r *Relay, maxBodyBytes int64) *HTTPHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &HTTPHandler{relay: r, maxBodyBytes: maxBodyBytes}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, response{Status: "error", Message: "method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	var ev event.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, response{Status: "error", Message: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Message: "invalid JSON body"})
		return
	}

	if user := middleware.GetSubject(r.Context()); user != "" && ev.UserID == "" {
		ev.UserID = user
	}

	if _, err := h.relay.Handle(r.Context(), ev); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, response{Status: "error", Message: verr.Error()})
			return
		}
		slog.Error("relay: event rejected", "request_id", middleware.GetRequestID(r.Context()), "error", err)
		writeJSON(w, http.StatusInternalServerError, response{Status: "error", Message: "failed to publish event"})
		return
	}

	writeJSON(w, http.StatusOK, response{Status: "success"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
