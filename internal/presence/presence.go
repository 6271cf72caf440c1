// Package presence maintains ephemeral online state from heartbeats: a
// user is online in a chat iff a heartbeat was observed within the
// liveness window. There is no explicit offline event; absence of renewal
// is sufficient. Nothing here is durable truth.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/taskora/chatcore/internal/bus"
	"github.com/taskora/chatcore/internal/chat"
	"github.com/taskora/chatcore/internal/transport"
	"go.uber.org/zap"
)

// Tracker observes one chat's presence stream.
type Tracker struct {
	chatID string
	subs   transport.Subscriber
	window time.Duration
	logger *zap.Logger
	now    func() int64

	mu       sync.Mutex
	lastSeen map[string]int64

	cancel context.CancelFunc
	unsub  func()
}

// NewTracker creates a tracker for chatID with the given liveness window.
func NewTracker(chatID string, subs transport.Subscriber, window time.Duration, logger *zap.Logger) *Tracker {
	if window <= 0 {
		window = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		chatID:   chatID,
		subs:     subs,
		window:   window,
		logger:   logger,
		now:      func() int64 { return time.Now().UnixMilli() },
		lastSeen: make(map[string]int64),
	}
}

// Start subscribes to the chat's presence stream.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	ch, unsub := t.subs.Subscribe(chat.PresenceTopic(t.chatID), 64)
	t.unsub = unsub

	go func() {
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if hb, ok := evt.Payload.(chat.PresenceEvent); ok {
					t.observe(hb)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop tears the subscription down. No timers outlive the tracker.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.unsub != nil {
		t.unsub()
		t.unsub = nil
	}
}

func (t *Tracker) observe(hb chat.PresenceEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if hb.At > t.lastSeen[hb.UserID] {
		t.lastSeen[hb.UserID] = hb.At
	}
}

// Online reports whether the user heartbeated within the liveness window.
func (t *Tracker) Online(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastSeen[userID]
	return ok && t.now()-last <= t.window.Milliseconds()
}

// Snapshot returns the presence of every user observed on this stream.
func (t *Tracker) Snapshot() []chat.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	records := make([]chat.PresenceRecord, 0, len(t.lastSeen))
	for userID, last := range t.lastSeen {
		records = append(records, chat.PresenceRecord{
			UserID:   userID,
			ChatID:   t.chatID,
			Online:   now-last <= t.window.Milliseconds(),
			LastSeen: last,
		})
	}
	return records
}

// Announcer emits the viewer's own heartbeats on a chat's presence
// stream while the view is open.
type Announcer struct {
	chatID   string
	selfID   string
	bus      *bus.Bus
	interval time.Duration
	now      func() int64

	cancel context.CancelFunc
}

// NewAnnouncer creates an announcer for selfID in chatID.
func NewAnnouncer(chatID, selfID string, b *bus.Bus, interval time.Duration) *Announcer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Announcer{
		chatID:   chatID,
		selfID:   selfID,
		bus:      b,
		interval: interval,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// Start publishes an immediate heartbeat, then renews on the interval.
func (a *Announcer) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.beat()

	go func() {
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.beat()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts heartbeats; peers observe the user going offline when the
// liveness window lapses.
func (a *Announcer) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *Announcer) beat() {
	a.bus.Publish(bus.Event{
		Topic:     chat.PresenceTopic(a.chatID),
		Timestamp: time.Now(),
		Payload: chat.PresenceEvent{
			ChatID: a.chatID,
			UserID: a.selfID,
			At:     a.now(),
		},
	})
}
