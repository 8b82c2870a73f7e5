// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/backchat/config"
)

// Pinger is the slice of the broadcast fabric the handlers need: readiness
// checks only. Publishing is the relay's job, never the API's.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db      *sql.DB
	cfg     *config.Config
	fabric  Pinger
	started time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(dbc *sql.DB, cfg *config.Config, fabric Pinger) *Handlers {
	return &Handlers{
		db:      dbc,
		cfg:     cfg,
		fabric:  fabric,
		started: time.Now(),
	}
}

// writeJSON encodes v with the right content type; encode errors after the
// header is out can only be logged.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("err", err), slog.String("component", "http"))
	}
}

// writeStoreError maps a store failure to a generic 500. The detail goes to
// the log, not the client.
func writeStoreError(w http.ResponseWriter, r *http.Request, op string, err error) {
	slog.Error("store operation failed", slog.String("op", op), slog.Any("err", err), slog.String("component", "http"))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store unavailable"})
}
