package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/backchat/config"
	"github.com/onnwee/backchat/db"
	"github.com/onnwee/backchat/message"
	"github.com/onnwee/backchat/testutil"
)

func testConfig() *config.Config {
	return &config.Config{
		Rooms:       config.DefaultRooms,
		DefaultRoom: "maths",
	}
}

func setupMux(t *testing.T) (http.Handler, *sql.DB) {
	t.Helper()
	database := testutil.SetupTestDB(t)
	// Each test starts from an empty store.
	if _, err := db.DeleteAll(context.Background(), database); err != nil {
		t.Fatalf("failed to clear messages: %v", err)
	}
	return NewMux(context.Background(), database, testConfig(), nil), database
}

func postMessage(t *testing.T, handler http.Handler, m message.Message) message.Message {
	t.Helper()
	body, _ := json.Marshal(m)
	req := httptest.NewRequest(http.MethodPost, "/api/messages/new", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("new message status = %d, want 201: %s", w.Code, w.Body.String())
	}
	var saved message.Message
	if err := json.Unmarshal(w.Body.Bytes(), &saved); err != nil {
		t.Fatalf("failed to decode created message: %v", err)
	}
	return saved
}

func syncRoom(t *testing.T, handler http.Handler, path string) []message.Message {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("sync %s status = %d, want 200: %s", path, w.Code, w.Body.String())
	}
	var msgs []message.Message
	if err := json.Unmarshal(w.Body.Bytes(), &msgs); err != nil {
		t.Fatalf("failed to decode sync response: %v", err)
	}
	return msgs
}

func TestNewAndSyncScenario(t *testing.T) {
	handler, _ := setupMux(t)

	saved := postMessage(t, handler, message.Message{
		Username:  "alice",
		Body:      "hello",
		Timestamp: "2026-08-28T10:00:00Z",
		Room:      "maths",
	})
	if saved.ID == 0 {
		t.Error("created message should carry its store id")
	}

	msgs := syncRoom(t, handler, "/api/messages/sync/maths")
	if len(msgs) != 1 {
		t.Fatalf("maths sync returned %d messages, want 1", len(msgs))
	}
	if msgs[0].Username != "alice" || msgs[0].Body != "hello" {
		t.Errorf("unexpected message: %+v", msgs[0])
	}

	// Other rooms are unaffected
	if msgs := syncRoom(t, handler, "/api/messages/sync/physics"); len(msgs) != 0 {
		t.Errorf("physics sync returned %d messages, want 0", len(msgs))
	}
}

func TestSyncDefaultsMissingFields(t *testing.T) {
	handler, _ := setupMux(t)

	// No room, no timestamp: both get defaulted server-side.
	saved := postMessage(t, handler, message.Message{Username: "bob", Body: "hi"})
	if saved.Room != "maths" {
		t.Errorf("room = %q, want default maths", saved.Room)
	}
	if saved.Timestamp == "" {
		t.Error("timestamp should be defaulted")
	}

	// Room-less sync maps to the default room.
	msgs := syncRoom(t, handler, "/api/messages/sync")
	if len(msgs) != 1 || msgs[0].Username != "bob" {
		t.Fatalf("default-room sync = %+v, want bob's message", msgs)
	}
}

func TestSyncOrderingAndLimit(t *testing.T) {
	handler, _ := setupMux(t)

	for i := 0; i < 5; i++ {
		postMessage(t, handler, message.Message{
			Username:  "carol",
			Body:      fmt.Sprintf("msg-%d", i),
			Timestamp: fmt.Sprintf("2026-08-28T10:00:0%dZ", i),
			Room:      "chemistry",
		})
	}

	msgs := syncRoom(t, handler, "/api/messages/sync/chemistry")
	if len(msgs) != 5 {
		t.Fatalf("sync returned %d messages, want 5", len(msgs))
	}
	for i, m := range msgs {
		if want := fmt.Sprintf("msg-%d", i); m.Body != want {
			t.Errorf("position %d = %q, want %q", i, m.Body, want)
		}
	}

	// limit returns the most recent N, still ascending.
	limited := syncRoom(t, handler, "/api/messages/sync/chemistry?limit=2")
	if len(limited) != 2 {
		t.Fatalf("limited sync returned %d messages, want 2", len(limited))
	}
	if limited[0].Body != "msg-3" || limited[1].Body != "msg-4" {
		t.Errorf("limited sync = [%s, %s], want [msg-3, msg-4]", limited[0].Body, limited[1].Body)
	}
}

func TestDeleteAllRoomIsolation(t *testing.T) {
	handler, _ := setupMux(t)

	postMessage(t, handler, message.Message{Username: "alice", Body: "keep", Timestamp: "2026-08-28T10:00:00Z", Room: "physics"})
	postMessage(t, handler, message.Message{Username: "alice", Body: "wipe", Timestamp: "2026-08-28T10:00:01Z", Room: "maths"})

	req := httptest.NewRequest(http.MethodDelete, "/api/messages/delete-all/maths", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("delete-all status = %d, want 200", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp["message"] != "chat cleared" {
		t.Errorf("delete-all response = %s, want chat cleared ack", w.Body.String())
	}

	if msgs := syncRoom(t, handler, "/api/messages/sync/maths"); len(msgs) != 0 {
		t.Errorf("maths should be empty after wipe, got %d messages", len(msgs))
	}
	if msgs := syncRoom(t, handler, "/api/messages/sync/physics"); len(msgs) != 1 {
		t.Errorf("physics should be untouched, got %d messages", len(msgs))
	}
}

func TestGlobalWipeRequiresAdmin(t *testing.T) {
	handler, _ := setupMux(t)
	t.Setenv("ADMIN_TOKEN", "")

	postMessage(t, handler, message.Message{Username: "alice", Body: "x", Timestamp: "2026-08-28T10:00:00Z", Room: "maths"})

	// Rebuild the mux with auth configured so loadAuthConfig picks it up.
	t.Setenv("ADMIN_TOKEN", "sekrit")
	database := testutil.SetupTestDB(t)
	guarded := NewMux(context.Background(), database, testConfig(), nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/messages/delete-all", nil)
	w := httptest.NewRecorder()
	guarded.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated global wipe status = %d, want 401", w.Code)
	}

	// Trailing slashes dispatch to the same global wipe and must hit the
	// same guard.
	for _, path := range []string{"/api/messages/delete-all/", "/api/messages/delete-all//"} {
		req = httptest.NewRequest(http.MethodDelete, path, nil)
		w = httptest.NewRecorder()
		guarded.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("unauthenticated %s status = %d, want 401", path, w.Code)
		}
	}
	// None of the rejected attempts may have reached the store.
	if msgs := syncRoom(t, handler, "/api/messages/sync/maths"); len(msgs) != 1 {
		t.Fatalf("store was modified by a rejected wipe: %d messages left", len(msgs))
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/messages/delete-all", nil)
	req.Header.Set("X-Admin-Token", "sekrit")
	w = httptest.NewRecorder()
	guarded.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("authenticated global wipe status = %d, want 200: %s", w.Code, w.Body.String())
	}

	if msgs := syncRoom(t, handler, "/api/messages/sync/maths"); len(msgs) != 0 {
		t.Errorf("store should be empty after global wipe, got %d messages", len(msgs))
	}
}

func TestMethodNotAllowed(t *testing.T) {
	handler, _ := setupMux(t)

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/messages/sync/maths"},
		{http.MethodGet, "/api/messages/new"},
		{http.MethodPost, "/api/messages/delete-all/maths"},
		{http.MethodPost, "/api/rooms"},
	}
	for _, c := range cases {
		req := httptest.NewRequest(c.method, c.path, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s status = %d, want 405", c.method, c.path, w.Code)
		}
	}
}

func TestRoomsEndpoint(t *testing.T) {
	handler, _ := setupMux(t)

	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("rooms status = %d, want 200", w.Code)
	}
	var resp struct {
		Rooms   []string `json:"rooms"`
		Default string   `json:"default"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode rooms response: %v", err)
	}
	if len(resp.Rooms) != 3 || resp.Default != "maths" {
		t.Errorf("rooms = %+v default = %q", resp.Rooms, resp.Default)
	}
}

func TestNewRejectsBadJSON(t *testing.T) {
	handler, _ := setupMux(t)

	req := httptest.NewRequest(http.MethodPost, "/api/messages/new", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d, want 400", w.Code)
	}
}

func TestHealthzEndpoint(t *testing.T) {
	handler, _ := setupMux(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", w.Code)
	}
	if corr := w.Header().Get("X-Correlation-ID"); corr == "" {
		t.Error("missing X-Correlation-ID header")
	}
}

func TestStatusEndpoint(t *testing.T) {
	handler, database := setupMux(t)

	postMessage(t, handler, message.Message{Username: "alice", Body: "x", Timestamp: "2026-08-28T10:00:00Z", Room: "maths"})
	if err := db.SetKV(context.Background(), database, "relay_state", "watching"); err != nil {
		t.Fatalf("failed to seed relay state: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d, want 200", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode status response: %v", err)
	}
	if resp["relay_state"] != "watching" {
		t.Errorf("relay_state = %v, want watching", resp["relay_state"])
	}
	counts, ok := resp["messages"].(map[string]any)
	if !ok || counts["maths"] != float64(1) {
		t.Errorf("messages = %v, want maths count 1", resp["messages"])
	}
}
