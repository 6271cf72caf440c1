package ws

import (
	"context"

	"github.com/google/uuid"
	"github.com/taskora/chatcore/internal/chat"
	"github.com/taskora/chatcore/internal/status"
	"github.com/taskora/chatcore/internal/transport"
	"go.uber.org/zap"
)

// envelope is the outbound frame. Every event carries a fresh id so
// clients can deduplicate across reconnects.
type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

func newEnvelope(typ, topic string, payload any) envelope {
	return envelope{
		ID:      uuid.NewString(),
		Type:    typ,
		Topic:   topic,
		Payload: payload,
	}
}

// Bridge fans process-wide streams out to connected clients: unread
// threshold notifications to the affected user, connectivity changes to
// everyone. Per-chat and per-user streams are handled by each client's
// own subscriptions.
type Bridge struct {
	subs   transport.Subscriber
	hub    *Hub
	logger *zap.Logger

	cancel context.CancelFunc
	unsubs []func()
}

func NewBridge(subs transport.Subscriber, hub *Hub, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{subs: subs, hub: hub, logger: logger}
}

// Start subscribes to the notify and connectivity streams.
func (b *Bridge) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)

	notify, unsubNotify := b.subs.Subscribe(chat.NotifyTopic, 64)
	conn, unsubConn := b.subs.Subscribe(status.StatusTopic, 16)
	b.unsubs = []func(){unsubNotify, unsubConn}

	go func() {
		for {
			select {
			case evt, ok := <-notify:
				if !ok {
					return
				}
				n, ok := evt.Payload.(chat.UnreadThresholdEvent)
				if !ok {
					continue
				}
				b.hub.BroadcastToUsers([]string{n.UserID}, newEnvelope("unread_threshold", evt.Topic, n))
			case evt, ok := <-conn:
				if !ok {
					return
				}
				change, ok := evt.Payload.(status.Change)
				if !ok {
					continue
				}
				b.hub.BroadcastAll(newEnvelope("connectivity", evt.Topic, change))
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the bridge and drops its subscriptions.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
}
