// Package view scopes everything attached to an open chat: the live
// timeline, the optimistic send engine, edit/delete/react operations,
// and presence in both directions. Opening a view starts those
// resources; closing it releases every subscription and timer so
// nothing outlives the view.
package view

import (
	"context"
	"sync"
	"time"

	"github.com/taskora/chatcore/internal/bus"
	"github.com/taskora/chatcore/internal/chat"
	"github.com/taskora/chatcore/internal/config"
	"github.com/taskora/chatcore/internal/ops"
	"github.com/taskora/chatcore/internal/outbox"
	"github.com/taskora/chatcore/internal/presence"
	"github.com/taskora/chatcore/internal/store"
	"github.com/taskora/chatcore/internal/timeline"
	"github.com/taskora/chatcore/internal/transport"
	"go.uber.org/zap"
)

// ChatView is one user's open window onto one chat.
type ChatView struct {
	chatID string
	selfID string
	store  store.Adapter
	logger *zap.Logger

	timeline  *timeline.Timeline
	outbox    *outbox.Engine
	ops       *ops.Coordinator
	tracker   *presence.Tracker
	announcer *presence.Announcer

	updates chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New assembles a view for selfID on chatID. subs feeds the timeline and
// presence tracker; pub carries the viewer's own heartbeats. Nothing runs
// until Open.
func New(chatID, selfID string, st store.Adapter, subs transport.Subscriber, pub *bus.Bus, cfg *config.Config, logger *zap.Logger) *ChatView {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("chat_id", chatID), zap.String("user_id", selfID))

	tl := timeline.New(chatID, selfID, st, subs, timeline.Options{
		PageSize:          cfg.Messages.PageSize,
		CorrelationWindow: time.Duration(cfg.Messages.CorrelationWindowMs) * time.Millisecond,
		Logger:            logger,
	})

	return &ChatView{
		chatID:   chatID,
		selfID:   selfID,
		store:    st,
		logger:   logger,
		timeline: tl,
		outbox: outbox.New(chatID, selfID, st, tl, outbox.Options{
			Retries: cfg.Messages.SendRetries,
			Backoff: time.Duration(cfg.Messages.RetryBackoffMs) * time.Millisecond,
			Logger:  logger,
		}),
		ops:       ops.New(selfID, st, cfg.Messages.MaxBodyLen, logger),
		tracker:   presence.NewTracker(chatID, subs, time.Duration(cfg.Presence.LivenessWindowMs)*time.Millisecond, logger),
		announcer: presence.NewAnnouncer(chatID, selfID, pub, time.Duration(cfg.Presence.HeartbeatMs)*time.Millisecond),
		updates:   make(chan struct{}, 1),
	}
}

// Open hydrates the timeline, starts presence in both directions, and
// marks everything currently visible as read. While the view stays
// open, messages arriving live are read immediately, so the viewer's
// unread counter never climbs for this chat.
func (v *ChatView) Open(ctx context.Context) error {
	v.ctx, v.cancel = context.WithCancel(ctx)

	if err := v.timeline.Start(v.ctx); err != nil {
		v.cancel()
		return err
	}
	v.tracker.Start(v.ctx)
	v.announcer.Start(v.ctx)

	v.markRead()
	go v.watch()
	return nil
}

// Close releases the view's subscriptions and timers. Safe to call more
// than once; only the first call does anything. In-flight sends are not
// interrupted.
func (v *ChatView) Close() {
	v.closeOnce.Do(func() {
		if v.cancel != nil {
			v.cancel()
		}
		v.announcer.Stop()
		v.tracker.Stop()
		v.timeline.Stop()
	})
}

// watch relays timeline changes to the view's update channel and keeps
// the read marker current while the view is open.
func (v *ChatView) watch() {
	for {
		select {
		case <-v.timeline.Updates():
			v.markRead()
			v.signal()
		case <-v.ctx.Done():
			return
		}
	}
}

func (v *ChatView) markRead() {
	ids := v.timeline.UnreadIDs()
	if len(ids) == 0 {
		return
	}
	if err := v.store.MarkRead(v.ctx, ids, v.selfID); err != nil {
		v.logger.Warn("mark read failed", zap.Int("count", len(ids)), zap.Error(err))
	}
}

func (v *ChatView) signal() {
	select {
	case v.updates <- struct{}{}:
	default:
	}
}

// Send submits a message optimistically and returns its client id. The
// pending message is already in the timeline when this returns; delivery
// continues even if the view is closed right after.
func (v *ChatView) Send(body, replyToID string) string {
	return v.outbox.Send(v.ctx, body, replyToID)
}

// RetrySend re-submits a failed pending message with the same content.
// Returns the new client id, or "" if no failed message matches.
func (v *ChatView) RetrySend(clientID string) string {
	for _, m := range v.timeline.Snapshot() {
		if m.Pending && m.Failed && m.ClientID == clientID {
			v.timeline.RemovePending(clientID)
			return v.outbox.Send(v.ctx, m.Body, m.ReplyToID)
		}
	}
	return ""
}

// DismissFailed discards a failed pending message.
func (v *ChatView) DismissFailed(clientID string) {
	v.timeline.RemovePending(clientID)
}

// Edit replaces a message's content. Author-only; one edit in flight per
// message.
func (v *ChatView) Edit(ctx context.Context, messageID, newBody string) error {
	return v.ops.Edit(ctx, messageID, newBody)
}

// Delete soft-deletes a message. Author-only.
func (v *ChatView) Delete(ctx context.Context, messageID string) error {
	return v.ops.Delete(ctx, messageID)
}

// React toggles the viewer's reaction on a message and returns the
// authoritative reaction map.
func (v *ChatView) React(ctx context.Context, messageID, emoji string) (map[string]chat.Reaction, error) {
	return v.ops.React(ctx, messageID, emoji)
}

// LoadOlder fetches the next older page of history.
func (v *ChatView) LoadOlder(ctx context.Context) error {
	return v.timeline.LoadOlder(ctx)
}

// HasMore reports whether older history may remain.
func (v *ChatView) HasMore() bool {
	return v.timeline.HasMore()
}

// Messages returns the current timeline, oldest first.
func (v *ChatView) Messages() []chat.Message {
	return v.timeline.Snapshot()
}

// Render returns the timeline as display items with author grouping and
// date dividers resolved in the given location.
func (v *ChatView) Render(loc *time.Location) []timeline.RenderItem {
	return v.timeline.Render(loc)
}

// ReplyPreview resolves the quoted body for a reply target in the
// current timeline.
func (v *ChatView) ReplyPreview(replyToID string) string {
	return ops.ReplyPreview(v.timeline.Snapshot(), replyToID)
}

// Online reports whether a user is currently present in this chat.
func (v *ChatView) Online(userID string) bool {
	return v.tracker.Online(userID)
}

// Presence returns the observed presence of everyone on this chat's
// stream.
func (v *ChatView) Presence() []chat.PresenceRecord {
	return v.tracker.Snapshot()
}

// Updates signals that the visible timeline changed. Coalesced;
// consumers re-read Messages or Render.
func (v *ChatView) Updates() <-chan struct{} {
	return v.updates
}

// ChatID returns the chat this view is attached to.
func (v *ChatView) ChatID() string {
	return v.chatID
}
