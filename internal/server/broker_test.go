package server

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ashita-ai/kiseki/internal/storage"
)

// testLogger returns a logger for tests that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func receive(t *testing.T, ch chan Notification) Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker(nil, testLogger())
	ch1 := broker.Subscribe()
	ch2 := broker.Subscribe()

	if err := broker.Notify(context.Background(), storage.ChannelSteps, `{"run_id":"abc"}`); err != nil {
		t.Fatalf("notify: %v", err)
	}
	for i, ch := range []chan Notification{ch1, ch2} {
		got := receive(t, ch)
		if got.Channel != storage.ChannelSteps || got.Payload != `{"run_id":"abc"}` {
			t.Errorf("subscriber %d: got %+v", i+1, got)
		}
	}

	// Only ch2 hears events after ch1 leaves.
	broker.Unsubscribe(ch1)
	broker.Unsubscribe(ch1)
	_ = broker.Notify(context.Background(), storage.ChannelStreams, `{"run_id":"def"}`)
	if got := receive(t, ch2); got.Payload != `{"run_id":"def"}` {
		t.Errorf("ch2: got %+v", got)
	}
	broker.Unsubscribe(ch2)
}

func TestBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	broker := NewBroker(nil, testLogger())
	slow := broker.Subscribe()
	defer broker.Unsubscribe(slow)

	done := make(chan struct{})
	go func() {
		for range 200 {
			_ = broker.Notify(context.Background(), storage.ChannelSteps, "x")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notify blocked on a full subscriber")
	}
	if len(slow) != cap(slow) {
		t.Errorf("expected full buffer, got %d/%d", len(slow), cap(slow))
	}
}

func TestBrokerHandlers(t *testing.T) {
	broker := NewBroker(nil, testLogger())
	var mu sync.Mutex
	var got []string
	broker.OnNotify(func(channel, payload string) {
		mu.Lock()
		got = append(got, channel+"="+payload)
		mu.Unlock()
	})
	_ = broker.Notify(context.Background(), storage.ChannelStops, "trace_1")

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != storage.ChannelStops+"=trace_1" {
		t.Errorf("handler got %v", got)
	}
	if broker.Mode() != "local" {
		t.Errorf("mode = %q", broker.Mode())
	}
}

// fakePubSub delivers notifications through a channel like LISTEN/NOTIFY.
type fakePubSub struct {
	mu       sync.Mutex
	listened []string
	queue    chan Notification
}

func (f *fakePubSub) Listen(_ context.Context, channel string) error {
	f.mu.Lock()
	f.listened = append(f.listened, channel)
	f.mu.Unlock()
	return nil
}

func (f *fakePubSub) WaitForNotification(ctx context.Context) (string, string, error) {
	select {
	case n := <-f.queue:
		return n.Channel, n.Payload, nil
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func (f *fakePubSub) Notify(_ context.Context, channel, payload string) error {
	f.queue <- Notification{Channel: channel, Payload: payload}
	return nil
}

func TestBrokerRelaysPubSub(t *testing.T) {
	ps := &fakePubSub{queue: make(chan Notification, 8)}
	broker := NewBroker(ps, testLogger())
	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		broker.Start(ctx)
		close(done)
	}()

	_ = broker.Notify(ctx, storage.ChannelApprovals, "trace_2")
	if got := receive(t, ch); got.Channel != storage.ChannelApprovals || got.Payload != "trace_2" {
		t.Errorf("got %+v", got)
	}
	cancel()
	<-done

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if len(ps.listened) != len(storage.Channels) {
		t.Errorf("listened on %v", ps.listened)
	}
	if broker.Mode() != "listen_notify" {
		t.Errorf("mode = %q", broker.Mode())
	}
}

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE("step", `{"a":1}`))
	want := "event: step\ndata: {\"a\":1}\n\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
