package ingest

import (
	"context"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/backchat/config"
)

func TestBridgeMessage(t *testing.T) {
	when := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	msg := twitch.PrivateMessage{
		User:    twitch.User{Name: "somechatter"},
		Message: "hello from irc",
		Time:    when,
	}

	m := bridgeMessage(msg, "maths")
	if m.Username != "somechatter" {
		t.Errorf("username = %q", m.Username)
	}
	if m.Body != "hello from irc" {
		t.Errorf("body = %q", m.Body)
	}
	if m.Room != "maths" {
		t.Errorf("room = %q", m.Room)
	}
	if m.Timestamp != "2026-08-28T10:00:00Z" {
		t.Errorf("timestamp = %q", m.Timestamp)
	}
}

func TestStartRequiresChannel(t *testing.T) {
	cfg := &config.Config{IngestEnabled: true}
	if err := Start(context.Background(), nil, cfg); err == nil {
		t.Error("expected an error when no source channel is configured")
	}
}
