package rule

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gyaneshwarpardhi/ticketflow/internal/event"
)

// Listener feeds bus events into an Engine. Each event's rule pass runs on
// its own goroutine so a delay action never holds a bus worker.
type Listener struct {
	engine *Engine
	subs   []*event.Subscription
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	passes sync.WaitGroup
}

// Listen subscribes engine to every bus event that maps to a rule trigger.
func Listen(bus *event.Bus, engine *Engine, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		engine: engine,
		logger: logger.With("component", "rule_listener"),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, name := range BusEvents() {
		l.subs = append(l.subs, bus.Subscribe(name, l.handle))
	}
	return l
}

func (l *Listener) handle(_ context.Context, ev *event.Event) {
	t, ok := EventTypeFor(ev.Name)
	if !ok {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.passes.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.passes.Done()
		l.process(t, ev)
	}()
}

func (l *Listener) process(t EventType, ev *event.Event) {
	res, err := l.engine.ProcessEvent(l.ctx, t, ev.Payload)
	if err != nil {
		l.logger.Error("rule processing failed", "event", ev.Name, "event_id", ev.ID, "err", err)
		return
	}
	if res.TotalRules > 0 {
		l.logger.Info("rules processed",
			"event", ev.Name,
			"event_id", ev.ID,
			"total", res.TotalRules,
			"executed", res.ExecutedRules,
		)
	}
}

// Wait blocks until every started rule pass has returned.
func (l *Listener) Wait() {
	l.passes.Wait()
}

// Close unsubscribes from the bus, cancels pending delays and waits for
// running passes to return.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	l.cancel()
	l.passes.Wait()
}
