// Package api is the embedding surface of the chat core: one Core per
// process owns the store, the event plumbing, and the per-user chat
// lists, and hands out scoped chat views.
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/taskora/chatcore/internal/bus"
	"github.com/taskora/chatcore/internal/chat"
	"github.com/taskora/chatcore/internal/chatlist"
	"github.com/taskora/chatcore/internal/config"
	"github.com/taskora/chatcore/internal/store"
	"github.com/taskora/chatcore/internal/transport"
	"github.com/taskora/chatcore/internal/view"
	"go.uber.org/zap"
)

// Options configures a Core.
type Options struct {
	Store      store.Adapter
	Subscriber transport.Subscriber
	Bus        *bus.Bus
	Config     *config.Config
	Logger     *zap.Logger

	// Online, when set, resolves the presence flag on chat-list
	// summaries for the viewing user. The daemon wires this to its
	// connection registry, excluding the viewer's own connection.
	Online func(chatID, viewerID string) bool
}

// Core composes the chat subsystem for one process.
type Core struct {
	store  store.Adapter
	subs   transport.Subscriber
	bus    *bus.Bus
	cfg    *config.Config
	logger *zap.Logger
	online func(chatID, viewerID string) bool

	// runCtx scopes everything the core starts on callers' behalf, so a
	// shared aggregator outlives the session that first asked for it.
	runCtx context.Context
	stop   context.CancelFunc

	mu     sync.Mutex
	lists  map[string]*chatlist.Aggregator
	closed bool
}

// New creates a Core. Store, Subscriber, and Bus are required.
func New(opts Options) (*Core, error) {
	if opts.Store == nil || opts.Subscriber == nil || opts.Bus == nil {
		return nil, errors.New("api: store, subscriber, and bus are required")
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	runCtx, stop := context.WithCancel(context.Background())
	return &Core{
		store:  opts.Store,
		subs:   opts.Subscriber,
		bus:    opts.Bus,
		cfg:    opts.Config,
		logger: opts.Logger,
		online: opts.Online,
		runCtx: runCtx,
		stop:   stop,
		lists:  make(map[string]*chatlist.Aggregator),
	}, nil
}

// OpenChat opens userID's view on chatID. The caller owns the returned
// view and must Close it. Non-participants are rejected.
func (c *Core) OpenChat(ctx context.Context, chatID, userID string) (*view.ChatView, error) {
	members, err := c.store.Participants(ctx, chatID)
	if err != nil {
		return nil, err
	}
	member := false
	for _, id := range members {
		if id == userID {
			member = true
			break
		}
	}
	if !member {
		return nil, fmt.Errorf("user %s is not in chat %s: %w", userID, chatID, chat.ErrUnauthorized)
	}

	v := view.New(chatID, userID, c.store, c.subs, c.bus, c.cfg, c.logger)
	if err := v.Open(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// ChatList returns userID's live chat list, starting it on first use.
// The aggregator is shared across callers and runs on the core's own
// context, so it survives the first caller's and lives until Close.
func (c *Core) ChatList(ctx context.Context, userID string) (*chatlist.Aggregator, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("api: core is closed")
	}
	if agg, ok := c.lists[userID]; ok {
		c.mu.Unlock()
		return agg, nil
	}
	c.mu.Unlock()

	var online func(chatID string) bool
	if c.online != nil {
		resolve := c.online
		online = func(chatID string) bool { return resolve(chatID, userID) }
	}
	agg := chatlist.New(userID, c.store, c.subs, c.bus, chatlist.Options{
		PageSize:        c.cfg.Chats.PageSize,
		UnreadThreshold: c.cfg.Notify.UnreadThreshold,
		NotifyWindow:    time.Duration(c.cfg.Notify.WindowMs) * time.Millisecond,
		Online:          online,
		Logger:          c.logger,
	})
	if err := agg.Start(c.runCtx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.lists[userID]; ok {
		// Lost the race; keep the first one.
		agg.Stop()
		return existing, nil
	}
	if c.closed {
		agg.Stop()
		return nil, errors.New("api: core is closed")
	}
	c.lists[userID] = agg
	return agg, nil
}

// CreateChat creates a chat with the given participants.
func (c *Core) CreateChat(ctx context.Context, name, createdBy string, participants []string) (*chat.Chat, error) {
	return c.store.CreateChat(ctx, name, createdBy, participants)
}

// EnsureDirectChat returns the two-party chat between the users,
// creating it if absent.
func (c *Core) EnsureDirectChat(ctx context.Context, userA, userB string) (*chat.Chat, error) {
	return c.store.EnsureDirectChat(ctx, userA, userB)
}

// GetChat returns a chat by id.
func (c *Core) GetChat(ctx context.Context, chatID string) (*chat.Chat, error) {
	return c.store.GetChat(ctx, chatID)
}

// HideChat removes a chat from one participant's list until new
// activity surfaces it again.
func (c *Core) HideChat(ctx context.Context, chatID, userID string) error {
	return c.store.HideChat(ctx, chatID, userID)
}

// MarkRead marks messages read for a user outside an open view.
func (c *Core) MarkRead(ctx context.Context, messageIDs []string, userID string) error {
	return c.store.MarkRead(ctx, messageIDs, userID)
}

// Close stops every chat list the core started. Open views are owned by
// their callers and closed separately.
func (c *Core) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.stop()
	for _, agg := range c.lists {
		agg.Stop()
	}
	c.lists = nil
}
