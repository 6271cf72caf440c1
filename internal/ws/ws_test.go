package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/taskora/chatcore/internal/api"
	"github.com/taskora/chatcore/internal/bus"
	"github.com/taskora/chatcore/internal/chat"
	"github.com/taskora/chatcore/internal/config"
	"github.com/taskora/chatcore/internal/store"
	"github.com/taskora/chatcore/internal/transport"
)

type wsFixture struct {
	core *api.Core
	bus  *bus.Bus
	hub  *Hub
	srv  *httptest.Server
}

func newFixture(t *testing.T) *wsFixture {
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

	hub := NewHub()
	core, err := api.New(api.Options{
		Store:      db,
		Subscriber: transport.NewResubscriber(transport.BusSource{Bus: b}, nil, 0, 0, nil),
		Bus:        b,
		Config:     config.Default(),
		Online: func(chatID, viewerID string) bool {
			members, err := db.Participants(context.Background(), chatID)
			if err != nil {
				return false
			}
			peers := make([]string, 0, len(members))
			for _, m := range members {
				if m != viewerID {
					peers = append(peers, m)
				}
			}
			return hub.AnyConnected(peers)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(core.Close)

	srv := httptest.NewServer(MakeHandler(core, b, hub, nil))
	t.Cleanup(srv.Close)

	return &wsFixture{core: core, bus: b, hub: hub, srv: srv}
}

func (f *wsFixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-User-ID": {userID}})
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// readUntil reads frames until one of the given type arrives.
func readUntil(t *testing.T, c *websocket.Conn, typ string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	_ = c.SetReadDeadline(deadline)
	for {
		var frame map[string]any
		if err := c.ReadJSON(&frame); err != nil {
			t.Fatalf("waiting for %q frame: %v", typ, err)
		}
		if frame["type"] == typ {
			return frame
		}
	}
}

func TestMissingIdentityIsRejected(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure without identity")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestConnectionRegistersWithHub(t *testing.T) {
	f := newFixture(t)

	c := f.dial(t, "alice")
	time.Sleep(50 * time.Millisecond)
	if !f.hub.Connected("alice") {
		t.Fatal("alice not registered after connect")
	}

	c.Close()
	time.Sleep(100 * time.Millisecond)
	if f.hub.Connected("alice") {
		t.Fatal("alice still registered after disconnect")
	}
}

func TestSendFlowsToOtherParticipant(t *testing.T) {
	f := newFixture(t)

	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	if err := alice.WriteJSON(command{Type: "direct_chat", Peer: "bob"}); err != nil {
		t.Fatal(err)
	}
	created := readUntil(t, alice, "chat_created")
	chatID, _ := created["payload"].(map[string]any)["ID"].(string)
	if chatID == "" {
		t.Fatalf("no chat id in %+v", created)
	}

	for _, c := range []*websocket.Conn{alice, bob} {
		if err := c.WriteJSON(command{Type: "open_chat", ChatID: chatID}); err != nil {
			t.Fatal(err)
		}
		readUntil(t, c, "messages")
	}

	if err := alice.WriteJSON(command{Type: "send", ChatID: chatID, Body: "hello bob"}); err != nil {
		t.Fatal(err)
	}
	accepted := readUntil(t, alice, "send_accepted")
	if accepted["payload"].(map[string]any)["client_id"] == "" {
		t.Fatal("send not acknowledged with a client id")
	}

	// Bob receives the confirmed message on his chat stream.
	for {
		frame := readUntil(t, bob, "chat_event")
		payload, _ := frame["payload"].(map[string]any)
		if payload["Type"] == string(chat.MessageCreated) {
			msg, _ := payload["Message"].(map[string]any)
			if msg["Body"] != "hello bob" || msg["AuthorID"] != "alice" {
				t.Fatalf("unexpected message payload %+v", msg)
			}
			return
		}
	}
}

func TestSendToUnopenedChatIsRejected(t *testing.T) {
	f := newFixture(t)
	alice := f.dial(t, "alice")

	if err := alice.WriteJSON(command{Type: "send", ChatID: "nope", Body: "hi"}); err != nil {
		t.Fatal(err)
	}
	frame := readUntil(t, alice, "error")
	if frame["payload"].(map[string]any)["code"] != "validation" {
		t.Fatalf("unexpected error frame %+v", frame)
	}
}

func TestChatListCommand(t *testing.T) {
	f := newFixture(t)
	alice := f.dial(t, "alice")

	if err := alice.WriteJSON(command{Type: "direct_chat", Peer: "bob"}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, alice, "chat_created")

	if err := alice.WriteJSON(command{Type: "list_chats"}); err != nil {
		t.Fatal(err)
	}
	frame := readUntil(t, alice, "chat_list")
	payload, _ := frame["payload"].(map[string]any)
	chats, _ := payload["chats"].([]any)
	if len(chats) != 1 {
		t.Fatalf("expected one chat in the list, got %+v", payload)
	}
}

func TestChatListPresenceIgnoresViewer(t *testing.T) {
	f := newFixture(t)
	alice := f.dial(t, "alice")

	if err := alice.WriteJSON(command{Type: "direct_chat", Peer: "bob"}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, alice, "chat_created")

	// Alice's own connection must not light up the chat while bob is
	// away.
	if err := alice.WriteJSON(command{Type: "list_chats"}); err != nil {
		t.Fatal(err)
	}
	frame := readUntil(t, alice, "chat_list")
	chats, _ := frame["payload"].(map[string]any)["chats"].([]any)
	if len(chats) != 1 {
		t.Fatalf("expected one chat, got %+v", frame)
	}
	if online, _ := chats[0].(map[string]any)["Online"].(bool); online {
		t.Fatal("chat online with no peer connected")
	}

	f.dial(t, "bob")
	time.Sleep(50 * time.Millisecond)

	if err := alice.WriteJSON(command{Type: "list_chats"}); err != nil {
		t.Fatal(err)
	}
	frame = readUntil(t, alice, "chat_list")
	chats, _ = frame["payload"].(map[string]any)["chats"].([]any)
	if online, _ := chats[0].(map[string]any)["Online"].(bool); !online {
		t.Fatal("chat offline while bob is connected")
	}
}

func TestBridgeRoutesNotificationsToUser(t *testing.T) {
	f := newFixture(t)

	bridge := NewBridge(f.bus, f.hub, nil)
	bridge.Start(context.Background())
	t.Cleanup(bridge.Stop)

	alice := f.dial(t, "alice")
	f.dial(t, "bob")
	time.Sleep(50 * time.Millisecond)

	f.bus.Publish(bus.Event{
		Topic:   chat.NotifyTopic,
		Payload: chat.UnreadThresholdEvent{UserID: "alice", ChatID: "c1", Unread: 6},
	})

	frame := readUntil(t, alice, "unread_threshold")
	payload, _ := frame["payload"].(map[string]any)
	if payload["ChatID"] != "c1" {
		t.Fatalf("unexpected notification %+v", frame)
	}
}
