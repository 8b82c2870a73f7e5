package server

import (
	"net/http"
	"time"

	"github.com/onnwee/backchat/db"
	"github.com/onnwee/backchat/telemetry"
)

// HandleHealthz reports liveness: the process is up and can reach its store.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": "database unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadyz reports readiness: store reachable, broadcast fabric
// reachable, and the change relay actively watching. Readiness fails while
// the relay is restarting so orchestrators stop routing to an instance that
// cannot fan out.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	if err := h.db.PingContext(r.Context()); err != nil {
		checks["database"] = "unreachable"
		ready = false
	} else {
		checks["database"] = "ok"
	}

	if h.fabric != nil {
		if err := h.fabric.Ping(r.Context()); err != nil {
			checks["broadcast"] = "unreachable"
			ready = false
		} else {
			checks["broadcast"] = "ok"
		}
	} else {
		checks["broadcast"] = "disabled"
	}

	state, err := db.GetKV(r.Context(), h.db, "relay_state")
	switch {
	case err != nil:
		checks["relay"] = "unknown"
		ready = false
	case state == "":
		checks["relay"] = "not started"
		ready = false
	case state != "watching":
		checks["relay"] = state
		ready = false
	default:
		checks["relay"] = "watching"
	}

	status := http.StatusOK
	body := map[string]any{"status": "ready", "checks": checks}
	if !ready {
		status = http.StatusServiceUnavailable
		body["status"] = "not ready"
	}
	writeJSON(w, status, body)
}

// HandleStatus returns an operational snapshot: uptime, per-room message
// counts, and the relay's last known state. The counts also refresh the
// per-room gauges so /metrics stays current even when nobody writes.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body := map[string]any{
		"uptime": time.Since(h.started).Round(time.Second).String(),
		"rooms":  h.cfg.Rooms,
	}

	counts, err := db.CountByRoom(r.Context(), h.db)
	if err != nil {
		writeStoreError(w, r, "status", err)
		return
	}
	for room, n := range counts {
		telemetry.SetRoomMessages(room, n)
	}
	// Configured-but-empty rooms still show up with a zero.
	for _, room := range h.cfg.Rooms {
		if _, ok := counts[room]; !ok {
			counts[room] = 0
		}
	}
	body["messages"] = counts

	if state, err := db.GetKV(r.Context(), h.db, "relay_state"); err == nil && state != "" {
		body["relay_state"] = state
	}
	if last, err := db.GetKV(r.Context(), h.db, "relay_last_event"); err == nil && last != "" {
		body["relay_last_event"] = last
	}

	writeJSON(w, http.StatusOK, body)
}
