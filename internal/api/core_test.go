package api

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskora/chatcore/internal/bus"
	"github.com/taskora/chatcore/internal/chat"
	"github.com/taskora/chatcore/internal/config"
	"github.com/taskora/chatcore/internal/store"
	"github.com/taskora/chatcore/internal/transport"
)

func testCore(t *testing.T) (*Core, *store.DB, *bus.Bus) {
	t.Helper()
	b := bus.New()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{Bus: b, MaxBodyLen: 200})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	core, err := New(Options{
		Store:      db,
		Subscriber: transport.NewResubscriber(transport.BusSource{Bus: b}, nil, 0, 0, nil),
		Bus:        b,
		Config:     config.Default(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(core.Close)
	return core, db, b
}

func TestOpenChatRejectsNonParticipant(t *testing.T) {
	core, db, _ := testCore(t)
	ctx := context.Background()

	c, err := db.CreateChat(ctx, "", "alice", []string{"bob"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := core.OpenChat(ctx, c.ID, "mallory"); !errors.Is(err, chat.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestSendIsVisibleThroughPeerView(t *testing.T) {
	core, _, _ := testCore(t)
	ctx := context.Background()

	c, err := core.EnsureDirectChat(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}

	aliceView, err := core.OpenChat(ctx, c.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer aliceView.Close()
	bobView, err := core.OpenChat(ctx, c.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	defer bobView.Close()

	aliceView.Send("hello from alice", "")
	time.Sleep(200 * time.Millisecond)

	var seen bool
	for _, m := range bobView.Messages() {
		if m.Body == "hello from alice" && !m.Pending {
			seen = true
		}
	}
	if !seen {
		t.Fatal("bob's view never received alice's message")
	}
}

func TestChatListUpdatesOnSend(t *testing.T) {
	core, db, _ := testCore(t)
	ctx := context.Background()

	c, err := core.EnsureDirectChat(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}

	list, err := core.ChatList(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := db.SendMessage(ctx, c.ID, "alice", "ping", ""); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	got := list.Snapshot()
	if len(got) != 1 {
		t.Fatalf("expected one chat, got %d", len(got))
	}
	if got[0].Preview != "ping" || got[0].Unread != 1 {
		t.Fatalf("summary not updated: %+v", got[0])
	}
}

func TestChatListSurvivesCallerCancel(t *testing.T) {
	core, db, _ := testCore(t)
	ctx := context.Background()

	c, err := core.EnsureDirectChat(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}

	// The first caller's context ends with its session; the shared
	// aggregator keeps folding events for later callers.
	callerCtx, cancel := context.WithCancel(ctx)
	list, err := core.ChatList(callerCtx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	time.Sleep(50 * time.Millisecond)

	if _, err := db.SendMessage(ctx, c.ID, "alice", "still here", ""); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	again, err := core.ChatList(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if again != list {
		t.Fatal("aggregator was not reused after the first caller left")
	}
	got := again.Snapshot()
	if len(got) != 1 || got[0].Preview != "still here" {
		t.Fatalf("snapshot not updated after caller cancel: %+v", got)
	}
}

func TestChatListIsSharedPerUser(t *testing.T) {
	core, _, _ := testCore(t)
	ctx := context.Background()

	a, err := core.ChatList(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	b, err := core.ChatList(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("expected the same aggregator for repeated calls")
	}
}

func TestEnsureDirectChatIsIdempotent(t *testing.T) {
	core, _, _ := testCore(t)
	ctx := context.Background()

	first, err := core.EnsureDirectChat(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	second, err := core.EnsureDirectChat(ctx, "bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected one direct chat, got %s and %s", first.ID, second.ID)
	}
}

func TestClosedCoreRejectsChatList(t *testing.T) {
	core, _, _ := testCore(t)
	core.Close()

	if _, err := core.ChatList(context.Background(), "alice"); err == nil {
		t.Fatal("expected error after Close")
	}
}
