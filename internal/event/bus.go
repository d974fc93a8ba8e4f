package event

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gyaneshwarpardhi/ticketflow/internal/metrics"
)

// Handler consumes one event. Handlers for the same event run independently.
type Handler func(ctx context.Context, ev *Event)

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	bus  *Bus
	name string
	id   uint64
}

// Unsubscribe removes the handler. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.remove(s.name, s.id)
}

// BusConf sizes the dispatch pool. Zero workers dispatches inline on the
// publishing goroutine.
type BusConf struct {
	Workers    int
	QueueDepth int
}

type delivery struct {
	ev      *Event
	handler Handler
}

// Bus is an in-process publish/subscribe hub keyed by event name.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]Handler
	nextID uint64
	closed bool

	ctx    context.Context
	pool   *workerPool[delivery]
	logger *slog.Logger
}

// NewBus creates a Bus and starts its dispatch pool.
func NewBus(ctx context.Context, conf BusConf, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		subs:   make(map[string]map[uint64]Handler),
		ctx:    ctx,
		logger: logger.With("component", "bus"),
	}
	if conf.Workers > 0 {
		depth := conf.QueueDepth
		if depth <= 0 {
			depth = conf.Workers * 100
		}
		b.pool = newWorkerPool[delivery](ctx, conf.Workers, depth, b.dispatch)
	}
	return b
}

// Subscribe registers h for events named name.
func (b *Bus) Subscribe(name string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	if b.subs[name] == nil {
		b.subs[name] = make(map[uint64]Handler)
	}
	b.subs[name][b.nextID] = h
	return &Subscription{bus: b, name: name, id: b.nextID}
}

func (b *Bus) remove(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[name], id)
	if len(b.subs[name]) == 0 {
		delete(b.subs, name)
	}
}

// Names returns the event names that currently have at least one handler.
func (b *Bus) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.subs))
	for name := range b.subs {
		out = append(out, name)
	}
	return out
}

// Publish hands ev to every handler subscribed to its name. It returns false
// when at least one delivery was dropped because the queue was full.
func (b *Bus) Publish(ev *Event) bool {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return false
	}
	handlers := make([]Handler, 0, len(b.subs[ev.Name]))
	for _, h := range b.subs[ev.Name] {
		handlers = append(handlers, h)
	}
	metrics.EventsPublished.WithLabelValues(ev.Name).Inc()

	if b.pool == nil {
		// Inline handlers may subscribe or unsubscribe, so the lock is released first.
		b.mu.RUnlock()
		for _, h := range handlers {
			b.dispatch(b.ctx, delivery{ev: ev, handler: h})
		}
		return true
	}

	// The read lock is held while submitting so Close cannot drain the pool underneath us.
	defer b.mu.RUnlock()
	ok := true
	for _, h := range handlers {
		if !b.pool.Submit(delivery{ev: ev, handler: h}) {
			metrics.EventsDropped.Inc()
			b.logger.Warn("bus queue full, dropping delivery", "event", ev.Name, "event_id", ev.ID)
			ok = false
		}
	}
	metrics.QueueUtilization.Set(b.QueueUtilization())
	return ok
}

func (b *Bus) dispatch(ctx context.Context, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", d.ev.Name, "event_id", d.ev.ID, "panic", r)
		}
	}()
	d.handler(ctx, d.ev)
}

// QueueUtilization returns queue used / capacity (0–1).
func (b *Bus) QueueUtilization() float64 {
	if b.pool == nil || b.pool.QueueCap() == 0 {
		return 0
	}
	return float64(b.pool.QueueLen()) / float64(b.pool.QueueCap())
}

// Close stops accepting events and waits for queued deliveries to finish.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	if b.pool != nil {
		b.pool.Drain()
	}
}
