// Package ingest bridges an external Twitch IRC channel into a chat room.
// Every PRIVMSG on the source channel is stored through the normal write
// path, so bridged messages fan out to clients exactly like ones posted via
// the HTTP API.
//
// Credentials are optional: without a bot username and OAuth token the
// bridge connects anonymously (read-only), which is all it needs.
package ingest

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/backchat/config"
	"github.com/onnwee/backchat/db"
	"github.com/onnwee/backchat/message"
	"github.com/onnwee/backchat/telemetry"
)

// bridgeMessage maps an IRC message to a stored chat message.
func bridgeMessage(msg twitch.PrivateMessage, room string) message.Message {
	return message.Message{
		Username:  msg.User.Name,
		Body:      msg.Message,
		Timestamp: msg.Time.UTC().Format(time.RFC3339),
		Room:      room,
	}
}

// Start connects to the configured Twitch channel and stores every chat line
// into cfg.IngestRoom until the context is cancelled. It blocks; run it on
// its own goroutine.
func Start(ctx context.Context, dbc *sql.DB, cfg *config.Config) error {
	if err := cfg.ValidateIngestReady(); err != nil {
		return err
	}

	logger := slog.With(slog.String("component", "ingest"), slog.String("channel", cfg.IngestChannel))

	var client *twitch.Client
	if cfg.IngestUsername != "" && cfg.IngestOAuth != "" {
		client = twitch.NewClient(cfg.IngestUsername, cfg.IngestOAuth)
	} else {
		logger.Info("no twitch credentials configured, connecting anonymously")
		client = twitch.NewAnonymousClient()
	}

	room := cfg.IngestRoom
	if room == "" {
		room = cfg.DefaultRoom
	}

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		m := bridgeMessage(msg, room)
		if _, err := db.InsertMessage(ctx, dbc, m); err != nil {
			logger.Error("failed to store bridged message", slog.Any("err", err))
			return
		}
		telemetry.CountMessageStored()
	})

	// Handle context cancellation by closing the client
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		client.Disconnect()
		close(done)
	}()

	client.Join(cfg.IngestChannel)
	logger.Info("ingest bridge connecting", slog.String("room", room))
	if err := client.Connect(); err != nil && ctx.Err() == nil {
		logger.Error("twitch connect error", slog.Any("err", err))
		return err
	}
	<-done
	return nil
}
