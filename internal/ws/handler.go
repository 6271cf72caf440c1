package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/taskora/chatcore/internal/api"
	"github.com/taskora/chatcore/internal/chat"
	"github.com/taskora/chatcore/internal/transport"
	"github.com/taskora/chatcore/internal/view"
	"go.uber.org/zap"
)

// command is the inbound frame. Type selects the operation; the other
// fields are read as each operation requires.
type command struct {
	Type string `json:"type"`

	ChatID     string   `json:"chat_id,omitempty"`
	MessageID  string   `json:"message_id,omitempty"`
	MessageIDs []string `json:"message_ids,omitempty"`
	ClientID   string   `json:"client_id,omitempty"`
	Body       string   `json:"body,omitempty"`
	ReplyToID  string   `json:"reply_to_id,omitempty"`
	Emoji      string   `json:"emoji,omitempty"`

	Name         string   `json:"name,omitempty"`
	Participants []string `json:"participants,omitempty"`
	Peer         string   `json:"peer,omitempty"`
}

// errorCode maps the chat error taxonomy to wire codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrValidation):
		return "validation"
	case errors.Is(err, chat.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, chat.ErrNotFound):
		return "not_found"
	case errors.Is(err, chat.ErrEditInFlight):
		return "edit_in_flight"
	case errors.Is(err, chat.ErrPersistence):
		return "unavailable"
	default:
		return "internal"
	}
}

// session is one connected client: its views, its subscriptions, and
// the write side of the socket. Everything here dies with the
// connection.
type session struct {
	userID string
	core   *api.Core
	subs   transport.Subscriber
	conn   *conn
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	views  map[string]*view.ChatView
	unsubs map[string]func()
}

// MakeHandler returns the /ws endpoint handler. Identity is established
// upstream; the daemon binds to loopback and trusts the X-User-ID
// header (or user query parameter). Commands:
//   - open_chat / close_chat      -> manage a live view on a chat
//   - send / retry_send / dismiss_failed
//   - edit / delete / react / mark_read
//   - load_older                  -> page history backwards
//   - list_chats / load_more_chats
//   - create_chat / direct_chat / hide_chat
func MakeHandler(core *api.Core, subs transport.Subscriber, hub *Hub, logger *zap.Logger) http.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	upgrader := websocket.Upgrader{
		// Loopback daemon: browser clients connect from local pages,
		// non-browser clients send no Origin at all.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if userID == "" {
			userID = strings.TrimSpace(r.URL.Query().Get("user"))
		}
		if userID == "" {
			http.Error(w, "missing user identity", http.StatusUnauthorized)
			return
		}

		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		c := &conn{ws: wsConn}
		ctx, cancel := context.WithCancel(r.Context())
		s := &session{
			userID: userID,
			core:   core,
			subs:   subs,
			conn:   c,
			logger: logger.With(zap.String("user_id", userID)),
			ctx:    ctx,
			cancel: cancel,
			views:  make(map[string]*view.ChatView),
			unsubs: make(map[string]func()),
		}

		hub.register(userID, c)
		defer func() {
			hub.unregister(userID, c)
			s.teardown()
			wsConn.Close()
		}()

		// The user's chat stream is forwarded for the whole connection;
		// per-chat streams attach when a chat is opened.
		s.forward(chat.ChatsTopic(userID), "chat_update")

		for {
			var cmd command
			if err := wsConn.ReadJSON(&cmd); err != nil {
				return
			}
			s.dispatch(cmd)
		}
	}
}

func (s *session) dispatch(cmd command) {
	switch cmd.Type {
	case "open_chat":
		s.openChat(cmd.ChatID)
	case "close_chat":
		s.closeChat(cmd.ChatID)
	case "send":
		if v := s.openView(cmd.ChatID); v != nil {
			clientID := v.Send(cmd.Body, cmd.ReplyToID)
			s.send(newEnvelope("send_accepted", "", map[string]string{
				"chat_id":   cmd.ChatID,
				"client_id": clientID,
			}))
		}
	case "retry_send":
		if v := s.openView(cmd.ChatID); v != nil {
			clientID := v.RetrySend(cmd.ClientID)
			if clientID == "" {
				s.sendError(cmd, "not_found", "no failed message with that client id")
				return
			}
			s.send(newEnvelope("send_accepted", "", map[string]string{
				"chat_id":   cmd.ChatID,
				"client_id": clientID,
			}))
		}
	case "dismiss_failed":
		if v := s.openView(cmd.ChatID); v != nil {
			v.DismissFailed(cmd.ClientID)
			s.sendSnapshot(cmd.ChatID, v)
		}
	case "edit":
		if v := s.openView(cmd.ChatID); v != nil {
			if err := v.Edit(s.ctx, cmd.MessageID, cmd.Body); err != nil {
				s.sendError(cmd, errorCode(err), err.Error())
			}
		}
	case "delete":
		if v := s.openView(cmd.ChatID); v != nil {
			if err := v.Delete(s.ctx, cmd.MessageID); err != nil {
				s.sendError(cmd, errorCode(err), err.Error())
			}
		}
	case "react":
		if v := s.openView(cmd.ChatID); v != nil {
			if _, err := v.React(s.ctx, cmd.MessageID, cmd.Emoji); err != nil {
				s.sendError(cmd, errorCode(err), err.Error())
			}
		}
	case "mark_read":
		if err := s.core.MarkRead(s.ctx, cmd.MessageIDs, s.userID); err != nil {
			s.sendError(cmd, errorCode(err), err.Error())
		}
	case "load_older":
		if v := s.openView(cmd.ChatID); v != nil {
			if err := v.LoadOlder(s.ctx); err != nil {
				s.sendError(cmd, errorCode(err), err.Error())
				return
			}
			s.sendSnapshot(cmd.ChatID, v)
		}
	case "list_chats":
		s.sendChatList()
	case "load_more_chats":
		list, err := s.core.ChatList(s.ctx, s.userID)
		if err != nil {
			s.sendError(cmd, errorCode(err), err.Error())
			return
		}
		if _, err := list.LoadMore(s.ctx); err != nil {
			s.sendError(cmd, errorCode(err), err.Error())
			return
		}
		s.sendChatList()
	case "create_chat":
		c, err := s.core.CreateChat(s.ctx, cmd.Name, s.userID, cmd.Participants)
		if err != nil {
			s.sendError(cmd, errorCode(err), err.Error())
			return
		}
		s.send(newEnvelope("chat_created", "", c))
	case "direct_chat":
		c, err := s.core.EnsureDirectChat(s.ctx, s.userID, cmd.Peer)
		if err != nil {
			s.sendError(cmd, errorCode(err), err.Error())
			return
		}
		s.send(newEnvelope("chat_created", "", c))
	case "hide_chat":
		if err := s.core.HideChat(s.ctx, cmd.ChatID, s.userID); err != nil {
			s.sendError(cmd, errorCode(err), err.Error())
		}
	default:
		s.sendError(cmd, "validation", "unknown command type")
	}
}

func (s *session) openChat(chatID string) {
	s.mu.Lock()
	v, open := s.views[chatID]
	s.mu.Unlock()
	if open {
		s.sendSnapshot(chatID, v)
		return
	}

	v, err := s.core.OpenChat(s.ctx, chatID, s.userID)
	if err != nil {
		s.sendError(command{ChatID: chatID}, errorCode(err), err.Error())
		return
	}

	s.mu.Lock()
	s.views[chatID] = v
	s.mu.Unlock()

	// The chat prefix covers both the message and presence streams.
	s.forward("chat:"+chatID+":", "chat_event")
	s.sendSnapshot(chatID, v)
}

func (s *session) closeChat(chatID string) {
	s.mu.Lock()
	v, ok := s.views[chatID]
	delete(s.views, chatID)
	unsub := s.unsubs["chat:"+chatID+":"]
	delete(s.unsubs, "chat:"+chatID+":")
	s.mu.Unlock()

	if ok {
		v.Close()
	}
	if unsub != nil {
		unsub()
	}
}

// openView returns the live view for chatID, or reports an error to the
// client if the chat is not open.
func (s *session) openView(chatID string) *view.ChatView {
	s.mu.Lock()
	v, ok := s.views[chatID]
	s.mu.Unlock()
	if !ok {
		s.sendError(command{ChatID: chatID}, "validation", "chat is not open")
		return nil
	}
	return v
}

// forward pipes a bus topic to the client until the session ends.
func (s *session) forward(topic, envelopeType string) {
	ch, unsub := s.subs.Subscribe(topic, 128)
	s.mu.Lock()
	s.unsubs[topic] = unsub
	s.mu.Unlock()

	go func() {
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				s.send(newEnvelope(envelopeType, evt.Topic, evt.Payload))
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

func (s *session) sendSnapshot(chatID string, v *view.ChatView) {
	s.send(newEnvelope("messages", "", map[string]any{
		"chat_id":  chatID,
		"messages": v.Messages(),
		"has_more": v.HasMore(),
	}))
}

func (s *session) sendChatList() {
	list, err := s.core.ChatList(s.ctx, s.userID)
	if err != nil {
		s.sendError(command{}, errorCode(err), err.Error())
		return
	}
	s.send(newEnvelope("chat_list", "", map[string]any{
		"chats":    list.Snapshot(),
		"has_more": list.HasMore(),
	}))
}

func (s *session) send(env envelope) {
	if err := s.conn.writeJSON(env); err != nil {
		s.logger.Debug("write failed", zap.String("type", env.Type), zap.Error(err))
	}
}

func (s *session) sendError(cmd command, code, msg string) {
	s.send(newEnvelope("error", "", map[string]string{
		"command": cmd.Type,
		"chat_id": cmd.ChatID,
		"code":    code,
		"message": msg,
	}))
}

// teardown closes every view and subscription the session owns.
func (s *session) teardown() {
	s.cancel()
	s.mu.Lock()
	views := s.views
	unsubs := s.unsubs
	s.views = make(map[string]*view.ChatView)
	s.unsubs = make(map[string]func())
	s.mu.Unlock()

	for _, v := range views {
		v.Close()
	}
	for _, unsub := range unsubs {
		unsub()
	}
}
