package event

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"ptybridge/internal/metrics"
)

func TestBusSubscribePublish(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{})
	t.Cleanup(bus.Close)

	ch, cancel := bus.Subscribe()
	bus.Publish(42)
	if got := ReceiveWithTimeout(t, ch, time.Second); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to close after cancel")
	}
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{})
	ch, _ := bus.Subscribe()
	bus.Close()
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to close after bus close")
	}
	bus.Publish(1)
	late, _ := bus.Subscribe()
	if _, ok := <-late; ok {
		t.Fatal("expected closed channel from closed bus")
	}
}

func TestBusContextCancelCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewBus[int](ctx, BusOptions{})
	ch, _ := bus.Subscribe()
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected event")
		}
	case <-time.After(time.Second):
		t.Fatal("bus did not close on context cancel")
	}
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	registry := &metrics.Registry{}
	bus := NewBus[AgentEvent](context.Background(), BusOptions{
		Name:                 "agents",
		SubscriberBufferSize: 1,
		Registry:             registry,
	})
	t.Cleanup(bus.Close)

	slow, cancelSlow := bus.Subscribe()
	defer cancelSlow()
	fast, cancelFast := bus.SubscribeFiltered(func(AgentEvent) bool { return true })
	defer cancelFast()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Publish(NewAgentEvent("echo", "1", AgentReady))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	ReceiveWithTimeout(t, slow, time.Second)
	ReceiveWithTimeout(t, fast, time.Second)

	var out bytes.Buffer
	_ = registry.WritePrometheus(&out)
	if !strings.Contains(out.String(), `ptybridge_events_dropped_total{bus="agents",type="agent_ready"} 8`) {
		t.Fatalf("expected dropped counter, got:\n%s", out.String())
	}
}

func TestBusSubscribeTypes(t *testing.T) {
	bus := NewBus[AgentEvent](context.Background(), BusOptions{})
	t.Cleanup(bus.Close)

	ch, cancel := bus.SubscribeTypes(AgentDead)
	defer cancel()
	bus.Publish(NewAgentEvent("echo", "1", AgentReady))
	bus.Publish(NewAgentEvent("echo", "1", AgentDead))

	got := ReceiveWithTimeout(t, ch, time.Second)
	if got.Type() != AgentDead {
		t.Fatalf("expected agent_dead, got %s", got.Type())
	}
}

func TestBusHistory(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{HistorySize: 3})
	t.Cleanup(bus.Close)
	for i := 1; i <= 5; i++ {
		bus.Publish(i)
	}
	got := bus.History(0)
	if len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Fatalf("unexpected history %v", got)
	}
	if last := bus.History(1); len(last) != 1 || last[0] != 5 {
		t.Fatalf("unexpected last event %v", last)
	}
}
