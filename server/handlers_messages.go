package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/backchat/db"
	"github.com/onnwee/backchat/message"
	"github.com/onnwee/backchat/telemetry"
)

// maxSyncLimit caps a single bulk sync regardless of the requested limit.
const maxSyncLimit = 5000

// HandleMessagesDispatcher routes requests under /api/messages/* to the
// appropriate sub-handlers.
func (h *Handlers) HandleMessagesDispatcher(w http.ResponseWriter, r *http.Request) {
	// crude routing
	path := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	op, room, _ := strings.Cut(path, "/")
	switch op {
	case "sync":
		h.handleSync(w, r, room)
	case "new":
		if room != "" {
			http.NotFound(w, r)
			return
		}
		h.handleNew(w, r)
	case "delete-all":
		h.handleDeleteAll(w, r, room)
	default:
		http.NotFound(w, r)
	}
}

// handleSync returns a room's message history, ascending by timestamp. An
// empty room segment is the degenerate roomless variant and maps to the
// default room. limit>0 returns only the most-recent-N.
func (h *Handlers) handleSync(w http.ResponseWriter, r *http.Request, room string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if room == "" {
		room = h.cfg.DefaultRoom
	}
	limit := parseIntQuery(r, "limit", h.cfg.SyncLimit)
	if limit < 0 {
		limit = 0
	}
	if limit > maxSyncLimit {
		limit = maxSyncLimit
	}
	msgs, err := db.ListMessages(r.Context(), h.db, room, limit)
	if err != nil {
		writeStoreError(w, r, "sync", err)
		return
	}
	telemetry.CountSyncRequest()
	writeJSON(w, http.StatusOK, msgs)
}

// handleNew stores a message. The write path ends at the store: fan-out
// happens via the change notification stream, so a broadcast failure can
// never fail this request.
func (h *Handlers) handleNew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var m message.Message
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message body"})
		return
	}
	if m.Room == "" {
		m.Room = h.cfg.DefaultRoom
	}
	if m.Timestamp == "" {
		// Timestamps are client-generated; fill in only when absent so the
		// row remains orderable.
		m.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	saved, err := db.InsertMessage(r.Context(), h.db, m)
	if err != nil {
		writeStoreError(w, r, "new", err)
		return
	}
	telemetry.CountMessageStored()
	writeJSON(w, http.StatusCreated, saved)
}

// handleDeleteAll wipes one room, or every room when the room segment is
// absent (that variant is admin-guarded upstream).
func (h *Handlers) handleDeleteAll(w http.ResponseWriter, r *http.Request, room string) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var err error
	var removed int64
	if room == "" {
		removed, err = db.DeleteAll(r.Context(), h.db)
	} else {
		removed, err = db.DeleteRoom(r.Context(), h.db, room)
	}
	if err != nil {
		writeStoreError(w, r, "delete-all", err)
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("chat cleared",
		slog.String("room", room), // "" means all rooms
		slog.Int64("removed", removed))
	writeJSON(w, http.StatusOK, map[string]string{"message": "chat cleared"})
}

// HandleRooms serves the configured room enumeration the frontend renders
// into its room selector.
func (h *Handlers) HandleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rooms":   h.cfg.Rooms,
		"default": h.cfg.DefaultRoom,
	})
}
