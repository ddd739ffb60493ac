package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ashita-ai/kiseki/internal/storage"
)

// PubSub is a cross-instance notification bus. *storage.DB implements it
// with Postgres LISTEN/NOTIFY.
type PubSub interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
	Notify(ctx context.Context, channel, payload string) error
}

// Notification is one message received on a channel.
type Notification struct {
	Channel string
	Payload string
}

// Broker fans out notifications to live subscribers (SSE and websocket
// feeds) and to registered handlers such as the orchestrator's stop and
// approval signals. With a PubSub it relays Postgres LISTEN/NOTIFY so every
// instance sees every event; without one it delivers in process.
type Broker struct {
	pubsub PubSub
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan Notification]struct{}
	handlers    []func(channel, payload string)
}

// NewBroker creates a broker. A nil pubsub keeps notifications in process.
func NewBroker(pubsub PubSub, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		pubsub:      pubsub,
		logger:      logger,
		subscribers: make(map[chan Notification]struct{}),
	}
}

// Mode names the transport for health reporting.
func (b *Broker) Mode() string {
	if b.pubsub == nil {
		return "local"
	}
	return "listen_notify"
}

// OnNotify registers fn for every notification. Call before Start.
func (b *Broker) OnNotify(fn func(channel, payload string)) {
	b.mu.Lock()
	b.handlers = append(b.handlers, fn)
	b.mu.Unlock()
}

// Notify publishes a notification. It implements the notifier interfaces of
// the recorder, the streaming publisher and the orchestrator.
func (b *Broker) Notify(ctx context.Context, channel, payload string) error {
	if b.pubsub != nil {
		return b.pubsub.Notify(ctx, channel, payload)
	}
	b.dispatch(Notification{Channel: channel, Payload: payload})
	return nil
}

// Start relays LISTEN/NOTIFY messages until ctx is cancelled. Without a
// pubsub it only waits for ctx.
func (b *Broker) Start(ctx context.Context) {
	if b.pubsub == nil {
		<-ctx.Done()
		return
	}
	for _, ch := range storage.Channels {
		if err := b.pubsub.Listen(ctx, ch); err != nil {
			b.logger.Error("broker: listen", "channel", ch, "error", err)
			return
		}
	}
	b.logger.Info("broker: listening for notifications", "channels", storage.Channels)

	for {
		channel, payload, err := b.pubsub.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}
		b.dispatch(Notification{Channel: channel, Payload: payload})
	}
}

// Subscribe returns a channel receiving every notification. The caller
// must call Unsubscribe when done.
func (b *Broker) Subscribe() chan Notification {
	ch := make(chan Notification, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan Notification) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// dispatch runs handlers, then offers n to every subscriber. Subscribers
// with a full buffer miss the event; feeds re-read state from the store.
func (b *Broker) dispatch(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.handlers {
		fn(n.Channel, n.Payload)
	}
	for ch := range b.subscribers {
		select {
		case ch <- n:
		default:
		}
	}
}

// formatSSE formats one Server-Sent Events message.
func formatSSE(event, data string) []byte {
	return []byte("event: " + event + "\ndata: " + data + "\n\n")
}
