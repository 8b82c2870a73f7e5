// Command chatclient is a terminal chat client. It joins a room, prints the
// merged view the reconciler maintains (bulk sync + live broadcast events +
// periodic re-sync), and posts lines typed on stdin back through the API.
//
// Commands: /room <name> switches rooms, /rooms lists them, /quit exits.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/onnwee/backchat/broadcast"
	"github.com/onnwee/backchat/client"
	"github.com/onnwee/backchat/config"
	"github.com/onnwee/backchat/message"
)

func main() {
	var (
		baseURL  = flag.String("url", "http://localhost:8080", "chat API base URL")
		redis    = flag.String("redis", "localhost:6379", "redis address for the broadcast fabric")
		username = flag.String("user", "", "display name (required)")
		room     = flag.String("room", "", "initial room")
	)
	flag.Parse()

	if *username == "" {
		fmt.Fprintln(os.Stderr, "usage: chatclient -user <name> [-room <room>] [-url ...] [-redis ...]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shares the server's env config for rooms and the re-sync cadence.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	fabric, err := broadcast.Connect(ctx, broadcast.Options{Addr: *redis})
	if err != nil {
		fmt.Fprintf(os.Stderr, "broadcast fabric unreachable: %v\n", err)
		os.Exit(1)
	}
	defer fabric.Close()

	initialRoom := *room
	if initialRoom == "" {
		initialRoom = cfg.DefaultRoom
	}

	httpClient := &http.Client{Timeout: 5 * time.Second}
	rec := client.New(client.Options{
		BaseURL:        *baseURL,
		Subscriber:     fabric,
		HTTPClient:     httpClient,
		ResyncInterval: cfg.ResyncInterval,
		SyncLimit:      cfg.SyncLimit,
	})
	defer rec.Leave()

	if err := rec.Join(ctx, initialRoom); err != nil {
		fmt.Fprintf(os.Stderr, "failed to join %s: %v\n", initialRoom, err)
		os.Exit(1)
	}
	fmt.Printf("joined %s as %s\n", initialRoom, *username)

	// Repaint on a short cadence rather than per event; the reconciler's
	// snapshot is cheap and the terminal is the bottleneck anyway.
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		var lastShown int
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				msgs := rec.Messages()
				if len(msgs) < lastShown {
					lastShown = 0
				}
				for _, m := range msgs[lastShown:] {
					fmt.Printf("[%s] %s: %s\n", m.Timestamp, m.Username, m.Body)
				}
				lastShown = len(msgs)
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/rooms":
			fmt.Printf("rooms: %s\n", strings.Join(cfg.Rooms, ", "))
		case strings.HasPrefix(line, "/room "):
			next := strings.TrimSpace(strings.TrimPrefix(line, "/room "))
			if next == "" {
				fmt.Println("usage: /room <name>")
				continue
			}
			if err := rec.Join(ctx, next); err != nil {
				fmt.Fprintf(os.Stderr, "failed to join %s: %v\n", next, err)
				continue
			}
			fmt.Printf("joined %s\n", next)
		default:
			if err := post(ctx, httpClient, *baseURL, message.Message{
				Username:  *username,
				Body:      line,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				Room:      rec.Room(),
			}); err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
		}
	}
}

func post(ctx context.Context, hc *http.Client, baseURL string, m message.Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/messages/new", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
