package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rjsadow/attentive/internal/db"
)

type handlers struct {
	app *App
}

func (h *handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *handlers) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := h.app.DiagCollector.Health(r.Context())

	status := http.StatusOK
	if !health.Healthy() {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(health)
}

func (h *handlers) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.Header.Get("Accept") == "application/gzip" {
		w.Header().Set("Content-Type", "application/gzip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=diagnostics-%s.tar.gz", time.Now().UTC().Format("20060102-150405")))
		if err := h.app.DiagCollector.WriteTarGz(r.Context(), w); err != nil {
			slog.Error("failed to generate diagnostics archive", "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	bundle, err := h.app.DiagCollector.Collect(r.Context())
	if err != nil {
		slog.Error("failed to collect diagnostics", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(bundle)
}

// handleSessionRoutes serves /api/sessions/{id}/archive.
func (h *handlers) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	sessionID, ok := strings.CutSuffix(path, "/archive")
	if !ok || sessionID == "" || strings.Contains(sessionID, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.handleArchiveDownload(w, r, sessionID)
}

func (h *handlers) handleArchiveDownload(w http.ResponseWriter, r *http.Request, sessionID string) {
	if h.app.Archives == nil {
		http.Error(w, "Archive not found", http.StatusNotFound)
		return
	}

	rc, err := h.app.Archives.Open(r.Context(), sessionID)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "Archive not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("failed to open archive", "session_id", sessionID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sessionID+".jsonl"))
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("archive download interrupted", "session_id", sessionID, "error", err)
	}
}
