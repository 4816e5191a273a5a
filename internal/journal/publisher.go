package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/shapetutor/shapetutor/pkg/types"
)

// DefaultSubject is the NATS subject outcomes are published on.
const DefaultSubject = "shapetutor.outcomes"

// Conn is the subset of *nats.Conn used by [Publisher].
type Conn interface {
	Publish(subject string, data []byte) error
	Status() nats.Status
}

// Publisher is a [Store] decorator that publishes each recorded outcome as
// JSON on a NATS subject after the inner store accepted it. Publish failures
// are logged, never returned: the journal row is the record of truth.
type Publisher struct {
	Store
	conn    Conn
	subject string
	close   func()
}

// NewPublisher wraps inner. An empty subject selects [DefaultSubject].
func NewPublisher(inner Store, conn Conn, subject string) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{Store: inner, conn: conn, subject: subject}
}

// ConnectPublisher dials the comma-separated NATS servers and wraps inner.
// The connection is drained on Close.
func ConnectPublisher(inner Store, servers []string, subject string) (*Publisher, error) {
	if len(servers) == 0 {
		return nil, errors.New("journal: no NATS servers configured")
	}
	nc, err := nats.Connect(strings.Join(servers, ","),
		nats.Name("shapetutor"),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("journal: connect nats: %w", err)
	}
	p := NewPublisher(inner, nc, subject)
	p.close = func() {
		_ = nc.Drain()
		nc.Close()
	}
	slog.Info("journal publishing outcomes to NATS", "servers", strings.Join(servers, ","), "subject", p.subject)
	return p, nil
}

// Record stores o in the inner store, then publishes it.
func (p *Publisher) Record(ctx context.Context, o types.Outcome) error {
	if err := p.Store.Record(ctx, o); err != nil {
		return err
	}
	data, err := json.Marshal(o)
	if err != nil {
		slog.Warn("journal: marshal outcome for publish", "session_id", o.SessionID, "err", err)
		return nil
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		slog.Warn("journal: publish outcome", "session_id", o.SessionID, "subject", p.subject, "err", err)
	}
	return nil
}

// Ping reports the inner store's health and whether NATS is connected.
func (p *Publisher) Ping(ctx context.Context) error {
	if err := p.Store.Ping(ctx); err != nil {
		return err
	}
	if s := p.conn.Status(); s != nats.CONNECTED {
		return fmt.Errorf("journal: nats status %s", s)
	}
	return nil
}

// Close closes the NATS connection (when owned) and the inner store.
func (p *Publisher) Close() error {
	if p.close != nil {
		p.close()
	}
	return p.Store.Close()
}
