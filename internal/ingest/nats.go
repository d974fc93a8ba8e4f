// Package ingest bridges helpdesk events published on NATS onto the
// in-process event bus.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gyaneshwarpardhi/ticketflow/internal/event"
	"github.com/gyaneshwarpardhi/ticketflow/internal/metrics"
)

// Publisher accepts decoded events. *event.Bus satisfies it.
type Publisher interface {
	Publish(ev *event.Event) bool
}

// Message is the JSON body of an ingress message. Name may be omitted, in
// which case it is derived from the subject.
type Message struct {
	ID      string                 `json:"id,omitempty"`
	Name    string                 `json:"name,omitempty"`
	Source  string                 `json:"source,omitempty"`
	Payload map[string]interface{} `json:"payload"`
}

type Config struct {
	URL           string
	SubjectPrefix string
	QueueGroup    string
	ClientName    string
}

// Bridge subscribes to "<prefix>.>" and republishes each message on the bus.
type Bridge struct {
	cfg       Config
	bus       Publisher
	logger    *slog.Logger
	conn      *nats.Conn
	sub       *nats.Subscription
	connected atomic.Bool
}

func NewBridge(cfg Config, bus Publisher, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "ticketflow"
	}
	cfg.SubjectPrefix = strings.TrimSuffix(cfg.SubjectPrefix, ".")
	return &Bridge{cfg: cfg, bus: bus, logger: logger.With("component", "ingest")}
}

// Start connects to NATS and subscribes. Reconnects are unlimited.
func (b *Bridge) Start() error {
	if b.cfg.URL == "" {
		return fmt.Errorf("no NATS server URL provided")
	}
	opts := []nats.Option{
		nats.Name(b.cfg.ClientName),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.connected.Store(false)
			b.logger.Error("disconnected from NATS server", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.connected.Store(true)
			b.logger.Info("reconnected to NATS server", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			b.connected.Store(false)
			b.logger.Warn("NATS connection closed")
		}),
	}

	b.logger.Info("connecting to NATS server", "url", b.cfg.URL)
	conn, err := nats.Connect(b.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect to NATS server: %w", err)
	}
	b.conn = conn
	b.connected.Store(true)

	subject := b.cfg.SubjectPrefix + ".>"
	if b.cfg.QueueGroup != "" {
		b.sub, err = conn.QueueSubscribe(subject, b.cfg.QueueGroup, b.handle)
	} else {
		b.sub, err = conn.Subscribe(subject, b.handle)
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	b.logger.Info("subscribed to NATS subject", "subject", subject, "queue", b.cfg.QueueGroup)
	return nil
}

// Connected reports whether the NATS connection is up.
func (b *Bridge) Connected() bool {
	return b.conn != nil && b.conn.IsConnected() && b.connected.Load()
}

func (b *Bridge) handle(msg *nats.Msg) {
	ev, err := Decode(b.cfg.SubjectPrefix, msg.Subject, msg.Data)
	if err != nil {
		metrics.IngestMessages.WithLabelValues("invalid").Inc()
		b.logger.Warn("dropping invalid event message", "subject", msg.Subject, "err", err)
		return
	}
	if !b.bus.Publish(ev) {
		metrics.IngestMessages.WithLabelValues("dropped").Inc()
		b.logger.Warn("bus rejected event", "event", ev.Name, "event_id", ev.ID)
		return
	}
	metrics.IngestMessages.WithLabelValues("accepted").Inc()
	b.logger.Debug("event ingested", "event", ev.Name, "event_id", ev.ID, "subject", msg.Subject)
}

// Close drains the subscription and closes the connection.
func (b *Bridge) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("drain NATS connection", "err", err)
		b.conn.Close()
	}
	b.connected.Store(false)
}

var errEmptyName = errors.New("event name is empty")

// Decode turns a message received on subject into a bus event. Without an
// explicit name the subject suffix after prefix becomes the name, with dots
// replaced by colons: "<prefix>.ticket.created" is "ticket:created".
func Decode(prefix, subject string, data []byte) (*event.Event, error) {
	var m Message
	if len(data) > 0 {
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
	}
	name := strings.TrimSpace(m.Name)
	if name == "" {
		suffix := strings.TrimPrefix(subject, prefix)
		suffix = strings.TrimPrefix(suffix, ".")
		name = strings.ReplaceAll(suffix, ".", ":")
	}
	if name == "" {
		return nil, errEmptyName
	}
	ev := event.New(name, m.Payload)
	if m.ID != "" {
		ev.ID = m.ID
	}
	ev.Source = "nats"
	if m.Source != "" {
		ev.Source = m.Source
	}
	return ev, nil
}
