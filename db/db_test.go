package db_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/onnwee/backchat/db"
	"github.com/onnwee/backchat/message"
	"github.com/onnwee/backchat/testutil"
)

func TestInsertAndListOrdering(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	if _, err := db.DeleteAll(ctx, database); err != nil {
		t.Fatalf("clear: %v", err)
	}

	// Insert out of timestamp order; listing must come back ascending.
	stamps := []string{
		"2026-08-28T10:00:02Z",
		"2026-08-28T10:00:00Z",
		"2026-08-28T10:00:01Z",
	}
	for i, ts := range stamps {
		m := message.Message{Room: "maths", Username: "alice", Body: fmt.Sprintf("m%d", i), Timestamp: ts}
		saved, err := db.InsertMessage(ctx, database, m)
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		if saved.ID == 0 {
			t.Fatal("insert should return the assigned id")
		}
	}

	msgs, err := db.ListMessages(ctx, database, "maths", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	want := []string{"m1", "m2", "m0"}
	for i, m := range msgs {
		if m.Body != want[i] {
			t.Errorf("position %d = %q, want %q", i, m.Body, want[i])
		}
	}
}

func TestListTiesBrokenByInsertionOrder(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	if _, err := db.DeleteAll(ctx, database); err != nil {
		t.Fatalf("clear: %v", err)
	}

	// Same timestamp for all three; insertion id must keep them stable.
	for i := 0; i < 3; i++ {
		m := message.Message{Room: "maths", Username: "bob", Body: fmt.Sprintf("t%d", i), Timestamp: "2026-08-28T10:00:00Z"}
		if _, err := db.InsertMessage(ctx, database, m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	msgs, err := db.ListMessages(ctx, database, "maths", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, m := range msgs {
		if want := fmt.Sprintf("t%d", i); m.Body != want {
			t.Errorf("position %d = %q, want %q", i, m.Body, want)
		}
	}
}

func TestListLimitReturnsMostRecent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	if _, err := db.DeleteAll(ctx, database); err != nil {
		t.Fatalf("clear: %v", err)
	}

	for i := 0; i < 6; i++ {
		m := message.Message{Room: "physics", Username: "carol", Body: fmt.Sprintf("n%d", i), Timestamp: fmt.Sprintf("2026-08-28T10:00:0%dZ", i)}
		if _, err := db.InsertMessage(ctx, database, m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	msgs, err := db.ListMessages(ctx, database, "physics", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Body != "n4" || msgs[1].Body != "n5" {
		t.Errorf("limited list = [%s, %s], want [n4, n5]", msgs[0].Body, msgs[1].Body)
	}
}

func TestDeleteRoomIsolation(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	if _, err := db.DeleteAll(ctx, database); err != nil {
		t.Fatalf("clear: %v", err)
	}

	for _, room := range []string{"maths", "physics"} {
		m := message.Message{Room: room, Username: "dave", Body: "x", Timestamp: "2026-08-28T10:00:00Z"}
		if _, err := db.InsertMessage(ctx, database, m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	n, err := db.DeleteRoom(ctx, database, "maths")
	if err != nil {
		t.Fatalf("delete room: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d rows, want 1", n)
	}

	counts, err := db.CountByRoom(ctx, database)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts["maths"] != 0 || counts["physics"] != 1 {
		t.Errorf("counts = %v, want maths gone and physics intact", counts)
	}
}

func TestListEmptyRoomIsEmptySlice(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()

	msgs, err := db.ListMessages(ctx, database, "no-such-room", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if msgs == nil {
		t.Error("empty room should return an empty slice, not nil")
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages, want 0", len(msgs))
	}
}

func TestInsertLongMultibyteBodySucceeds(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	if _, err := db.DeleteAll(ctx, database); err != nil {
		t.Fatalf("clear: %v", err)
	}

	// 4000 characters of 4-byte runes serialize far past the pg_notify
	// 8000-byte cap. The notification payload shrinks; the insert must not.
	body := strings.Repeat("\U0001F600", 4000)
	saved, err := db.InsertMessage(ctx, database, message.Message{
		Room: "maths", Username: "alice", Body: body, Timestamp: "2026-08-28T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert of long multibyte body failed: %v", err)
	}
	if saved.ID == 0 {
		t.Fatal("insert should return the assigned id")
	}

	// The stored row keeps the full body.
	msgs, err := db.ListMessages(ctx, database, "maths", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != body {
		t.Errorf("stored body was truncated: got %d chars, want %d", len([]rune(msgs[0].Body)), 4000)
	}
}

func TestKVRoundTrip(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()

	if v, err := db.GetKV(ctx, database, "test_missing_key"); err != nil || v != "" {
		t.Fatalf("missing key = (%q, %v), want empty and no error", v, err)
	}

	if err := db.SetKV(ctx, database, "test_key", "one"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := db.SetKV(ctx, database, "test_key", "two"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if v, err := db.GetKV(ctx, database, "test_key"); err != nil || v != "two" {
		t.Errorf("get = (%q, %v), want two", v, err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	// SetupTestDB already migrated once; a second run must be a no-op.
	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}
