package event

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_InlineDispatch(t *testing.T) {
	bus := NewBus(context.Background(), BusConf{}, nil)

	var got []string
	sub := bus.Subscribe(TicketCreated, func(_ context.Context, ev *Event) {
		got = append(got, ev.Name)
	})
	bus.Subscribe(TicketUpdated, func(_ context.Context, ev *Event) {
		t.Errorf("unexpected delivery of %s", ev.Name)
	})

	assert.True(t, bus.Publish(New(TicketCreated, nil)))
	assert.Equal(t, []string{TicketCreated}, got)

	sub.Unsubscribe()
	sub.Unsubscribe()
	bus.Publish(New(TicketCreated, nil))
	assert.Len(t, got, 1)
	assert.ElementsMatch(t, []string{TicketUpdated}, bus.Names())
}

func TestBus_PoolDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewBus(ctx, BusConf{Workers: 4, QueueDepth: 64}, nil)

	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(20)
	for i := 0; i < 2; i++ {
		bus.Subscribe(TicketCreated, func(context.Context, *Event) {
			count.Add(1)
			wg.Done()
		})
	}
	for i := 0; i < 10; i++ {
		require.True(t, bus.Publish(New(TicketCreated, nil)))
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deliveries did not complete")
	}
	assert.Equal(t, int32(20), count.Load())

	bus.Close()
	assert.False(t, bus.Publish(New(TicketCreated, nil)))
}

func TestBus_HandlerPanicIsContained(t *testing.T) {
	bus := NewBus(context.Background(), BusConf{}, nil)
	var after bool
	bus.Subscribe(TicketClosed, func(context.Context, *Event) { panic("boom") })
	bus.Subscribe(TicketClosed, func(context.Context, *Event) { after = true })

	assert.NotPanics(t, func() { bus.Publish(New(TicketClosed, nil)) })
	assert.True(t, after)
}
