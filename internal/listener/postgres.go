package listener

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// PostgresSource opens a dedicated connection per subscription so LISTEN
// state never leaks into the shared pool.
type PostgresSource struct {
	config *pgx.ConnConfig
}

// NewPostgresSource parses the DSN once up front.
func NewPostgresSource(dsn string) (*PostgresSource, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse listener dsn: %w", err)
	}
	return &PostgresSource{config: cfg}, nil
}

// Listen connects and issues LISTEN for channel.
func (s *PostgresSource) Listen(ctx context.Context, channel string) (Subscription, error) {
	conn, err := pgx.ConnectConfig(ctx, s.config.Copy())
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}
	return &pgSubscription{conn: conn, channel: channel}, nil
}

type pgSubscription struct {
	conn    *pgx.Conn
	channel string
}

func (s *pgSubscription) Next(ctx context.Context) ([]byte, error) {
	for {
		n, err := s.conn.WaitForNotification(ctx)
		if err != nil {
			return nil, err
		}
		if n.Channel != s.channel {
			continue
		}
		return []byte(n.Payload), nil
	}
}

func (s *pgSubscription) Close(ctx context.Context) error {
	if !s.conn.IsClosed() {
		_, _ = s.conn.Exec(ctx, "UNLISTEN *")
	}
	return s.conn.Close(ctx)
}
