package presence

import (
	"context"
	"testing"
	"time"

	"github.com/taskora/chatcore/internal/bus"
	"github.com/taskora/chatcore/internal/chat"
)

func TestTrackerMarksUserOnlineAfterHeartbeat(t *testing.T) {
	b := bus.New()

	tr := NewTracker("chat-1", b, 15*time.Second, nil)
	tr.Start(context.Background())
	defer tr.Stop()

	if tr.Online("bob") {
		t.Fatal("expected bob offline before any heartbeat")
	}

	b.Publish(bus.Event{
		Topic:   chat.PresenceTopic("chat-1"),
		Payload: chat.PresenceEvent{ChatID: "chat-1", UserID: "bob", At: time.Now().UnixMilli()},
	})
	time.Sleep(50 * time.Millisecond)

	if !tr.Online("bob") {
		t.Fatal("expected bob online after heartbeat")
	}
}

func TestTrackerExpiresAfterLivenessWindow(t *testing.T) {
	b := bus.New()

	tr := NewTracker("chat-1", b, 15*time.Second, nil)
	clock := time.Now().UnixMilli()
	tr.now = func() int64 { return clock }
	tr.Start(context.Background())
	defer tr.Stop()

	b.Publish(bus.Event{
		Topic:   chat.PresenceTopic("chat-1"),
		Payload: chat.PresenceEvent{ChatID: "chat-1", UserID: "bob", At: clock},
	})
	time.Sleep(50 * time.Millisecond)

	if !tr.Online("bob") {
		t.Fatal("expected bob online inside window")
	}

	clock += 16_000
	if tr.Online("bob") {
		t.Fatal("expected bob offline after liveness window lapsed")
	}

	records := tr.Snapshot()
	if len(records) != 1 || records[0].Online {
		t.Fatalf("expected one offline record, got %+v", records)
	}
}

func TestTrackerRenewalKeepsUserOnline(t *testing.T) {
	b := bus.New()

	tr := NewTracker("chat-1", b, 15*time.Second, nil)
	clock := time.Now().UnixMilli()
	tr.now = func() int64 { return clock }
	tr.Start(context.Background())
	defer tr.Stop()

	b.Publish(bus.Event{
		Topic:   chat.PresenceTopic("chat-1"),
		Payload: chat.PresenceEvent{ChatID: "chat-1", UserID: "bob", At: clock},
	})
	time.Sleep(50 * time.Millisecond)

	clock += 10_000
	b.Publish(bus.Event{
		Topic:   chat.PresenceTopic("chat-1"),
		Payload: chat.PresenceEvent{ChatID: "chat-1", UserID: "bob", At: clock},
	})
	time.Sleep(50 * time.Millisecond)

	clock += 10_000
	if !tr.Online("bob") {
		t.Fatal("expected renewal to extend bob's presence")
	}
}

func TestTrackerIgnoresStaleHeartbeat(t *testing.T) {
	b := bus.New()

	tr := NewTracker("chat-1", b, 15*time.Second, nil)
	clock := time.Now().UnixMilli()
	tr.now = func() int64 { return clock }
	tr.Start(context.Background())
	defer tr.Stop()

	b.Publish(bus.Event{
		Topic:   chat.PresenceTopic("chat-1"),
		Payload: chat.PresenceEvent{ChatID: "chat-1", UserID: "bob", At: clock},
	})
	// Delayed heartbeat from before the current one must not move
	// last-seen backwards.
	b.Publish(bus.Event{
		Topic:   chat.PresenceTopic("chat-1"),
		Payload: chat.PresenceEvent{ChatID: "chat-1", UserID: "bob", At: clock - 60_000},
	})
	time.Sleep(50 * time.Millisecond)

	if !tr.Online("bob") {
		t.Fatal("stale heartbeat must not override a fresh one")
	}
}

func TestAnnouncerPublishesImmediateAndRenewedHeartbeats(t *testing.T) {
	b := bus.New()

	ch, unsub := b.Subscribe(chat.PresenceTopic("chat-1"), 16)
	defer unsub()

	a := NewAnnouncer("chat-1", "alice", b, 30*time.Millisecond)
	a.Start(context.Background())

	var beats []chat.PresenceEvent
	deadline := time.After(200 * time.Millisecond)
collect:
	for len(beats) < 3 {
		select {
		case evt := <-ch:
			if hb, ok := evt.Payload.(chat.PresenceEvent); ok {
				beats = append(beats, hb)
			}
		case <-deadline:
			break collect
		}
	}
	a.Stop()

	if len(beats) < 2 {
		t.Fatalf("expected immediate beat plus renewals, got %d", len(beats))
	}
	for _, hb := range beats {
		if hb.UserID != "alice" || hb.ChatID != "chat-1" {
			t.Fatalf("unexpected heartbeat %+v", hb)
		}
	}
}

func TestAnnouncerStopHaltsHeartbeats(t *testing.T) {
	b := bus.New()

	ch, unsub := b.Subscribe(chat.PresenceTopic("chat-1"), 16)
	defer unsub()

	a := NewAnnouncer("chat-1", "alice", b, 20*time.Millisecond)
	a.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	a.Stop()
	time.Sleep(30 * time.Millisecond)

	// Drain beats emitted before Stop took effect.
drain:
	for {
		select {
		case <-ch:
		default:
			break drain
		}
	}

	time.Sleep(60 * time.Millisecond)
	select {
	case evt := <-ch:
		t.Fatalf("heartbeat after Stop: %+v", evt.Payload)
	default:
	}
}
