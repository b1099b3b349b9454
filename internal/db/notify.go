package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Notifier broadcasts session IDs over a postgres NOTIFY channel whenever a
// visit summary lands, so supervisor tooling can tail finished visits without
// polling.
type Notifier struct {
	DB      *sql.DB
	Channel string
}

func NewNotifier(db *sql.DB, channel string) *Notifier {
	return &Notifier{DB: db, Channel: channel}
}

// Notify publishes a session ID on the channel.
func (n *Notifier) Notify(ctx context.Context, sessionID string) error {
	_, err := n.DB.ExecContext(ctx, "SELECT pg_notify($1, $2)", n.Channel, sessionID)
	return err
}

// Listen subscribes to the channel and yields session IDs until the context
// is cancelled. The returned channel is closed on shutdown.
func Listen(ctx context.Context, databaseURL, channel string) (<-chan string, error) {
	listener := pq.NewListener(databaseURL, 10*time.Second, time.Minute, nil)
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen on %s: %w", channel, err)
	}
	ch := make(chan string)
	go func() {
		defer func() {
			listener.Close()
			close(ch)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-listener.Notify:
				if ev == nil {
					// Connection reset; the listener re-establishes itself.
					continue
				}
				select {
				case ch <- ev.Extra:
				case <-ctx.Done():
					return
				}
			case <-time.After(90 * time.Second):
				go listener.Ping()
			}
		}
	}()
	return ch, nil
}
