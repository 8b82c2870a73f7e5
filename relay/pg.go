package relay

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/onnwee/backchat/db"
)

// PGSource tails the Postgres notification stream on a dedicated connection.
// LISTEN/NOTIFY delivery is strictly ordered per connection, which is what
// gives the relay its per-room ordering guarantee.
type PGSource struct {
	conn *pgx.Conn
}

// Listen opens a dedicated connection and subscribes to the messages
// trigger's notification channel.
func Listen(ctx context.Context, dsn string) (*PGSource, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect for listen: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+db.NotifyChannel); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("listen %s: %w", db.NotifyChannel, err)
	}
	return &PGSource{conn: conn}, nil
}

// Next blocks until the next notification arrives. An error means the
// connection is gone and the source must be reopened.
func (s *PGSource) Next(ctx context.Context) ([]byte, error) {
	n, err := s.conn.WaitForNotification(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(n.Payload), nil
}

// Close releases the listening connection.
func (s *PGSource) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}
