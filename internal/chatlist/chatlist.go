// Package chatlist maintains one user's live, recency-ordered chat list.
// The aggregator hydrates from the store, then folds the user's chat
// event stream into the in-memory list: head moves, preview and unread
// updates, and per-user visibility changes. It also watches unread
// counts and emits a notification event when a chat crosses the
// configured threshold.
package chatlist

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/taskora/chatcore/internal/bus"
	"github.com/taskora/chatcore/internal/chat"
	"github.com/taskora/chatcore/internal/store"
	"github.com/taskora/chatcore/internal/transport"
	"go.uber.org/zap"
)

// Options tunes an Aggregator.
type Options struct {
	// PageSize is the hydration and LoadMore page size.
	PageSize int

	// UnreadThreshold is the per-chat unread count at or above which a
	// notification event is emitted. Zero disables notifications.
	UnreadThreshold int

	// NotifyWindow debounces repeat notifications for a chat that stays
	// above the threshold.
	NotifyWindow time.Duration

	// Online, when set, resolves the presence flag of a summary at
	// snapshot time. Presence is ephemeral, so it is never cached here.
	Online func(chatID string) bool

	Logger *zap.Logger
}

// Aggregator owns one user's chat list. All state is guarded by mu; the
// event goroutine and callers both funnel through the same mutations.
type Aggregator struct {
	userID string
	store  store.Adapter
	subs   transport.Subscriber
	bus    *bus.Bus
	opts   Options
	logger *zap.Logger
	now    func() int64

	mu        sync.Mutex
	summaries []chat.Summary
	hasMore   bool
	loading   bool
	// lastNotified tracks, per chat, when a threshold notification was
	// last emitted. Entries are cleared when the count drops back below
	// the threshold so the next crossing fires immediately.
	lastNotified map[string]int64

	updates chan struct{}
	cancel  context.CancelFunc
	unsub   func()
}

// New creates an aggregator for userID. notifyBus receives threshold
// events; pass nil to disable them regardless of Options.
func New(userID string, st store.Adapter, subs transport.Subscriber, notifyBus *bus.Bus, opts Options) *Aggregator {
	if opts.PageSize <= 0 {
		opts.PageSize = 30
	}
	if opts.NotifyWindow <= 0 {
		opts.NotifyWindow = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Aggregator{
		userID:       userID,
		store:        st,
		subs:         subs,
		bus:          notifyBus,
		opts:         opts,
		logger:       opts.Logger.With(zap.String("user_id", userID)),
		now:          func() int64 { return time.Now().UnixMilli() },
		hasMore:      true,
		lastNotified: make(map[string]int64),
		updates:      make(chan struct{}, 1),
	}
}

// Start subscribes to the user's chat stream, then hydrates the first
// page. Subscribing first means events raced against hydration are
// folded in rather than lost; Apply is idempotent on replays.
func (a *Aggregator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	ch, unsub := a.subs.Subscribe(chat.ChatsTopic(a.userID), 64)
	a.unsub = unsub

	summaries, err := a.store.ListChats(ctx, a.userID, a.opts.PageSize, nil)
	if err != nil {
		a.Stop()
		return err
	}

	a.mu.Lock()
	for _, s := range summaries {
		a.upsertLocked(s)
	}
	a.hasMore = len(summaries) == a.opts.PageSize
	a.mu.Unlock()
	a.signal()

	go a.loop(runCtx, ch)
	return nil
}

// Stop cancels the event loop and drops the subscription.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.unsub != nil {
		a.unsub()
		a.unsub = nil
	}
}

func (a *Aggregator) loop(ctx context.Context, ch <-chan bus.Event) {
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if ce, ok := evt.Payload.(chat.ChatEvent); ok {
				a.Apply(ce)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Apply folds one chat event into the list.
func (a *Aggregator) Apply(evt chat.ChatEvent) {
	if evt.UserID != "" && evt.UserID != a.userID {
		return
	}

	a.mu.Lock()
	if evt.Hidden {
		a.removeLocked(evt.ChatID)
		delete(a.lastNotified, evt.ChatID)
		a.mu.Unlock()
		a.signal()
		return
	}

	a.upsertLocked(chat.Summary{
		ChatID:        evt.ChatID,
		Name:          evt.Name,
		Participants:  evt.Participants,
		Preview:       evt.Preview,
		PreviewAuthor: evt.PreviewAuthor,
		Unread:        evt.Unread,
		LastActivity:  evt.LastActivity,
	})
	notify := a.checkThresholdLocked(evt.ChatID, evt.Unread)
	a.mu.Unlock()

	if notify != nil {
		a.bus.Publish(bus.Event{
			Topic:     chat.NotifyTopic,
			Timestamp: time.Now(),
			Payload:   *notify,
		})
	}
	a.signal()
}

// checkThresholdLocked decides whether this unread count warrants a
// notification event. Caller holds mu.
func (a *Aggregator) checkThresholdLocked(chatID string, unread int) *chat.UnreadThresholdEvent {
	if a.bus == nil || a.opts.UnreadThreshold <= 0 {
		return nil
	}
	if unread < a.opts.UnreadThreshold {
		delete(a.lastNotified, chatID)
		return nil
	}
	now := a.now()
	if last, ok := a.lastNotified[chatID]; ok && now-last < a.opts.NotifyWindow.Milliseconds() {
		return nil
	}
	a.lastNotified[chatID] = now
	return &chat.UnreadThresholdEvent{
		UserID: a.userID,
		ChatID: chatID,
		Unread: unread,
		At:     now,
	}
}

// LoadMore fetches the next older page of chats. Returns false once the
// list is exhausted; exhaustion is sticky until new data arrives from
// the stream.
func (a *Aggregator) LoadMore(ctx context.Context) (bool, error) {
	a.mu.Lock()
	if !a.hasMore || a.loading {
		more := a.hasMore
		a.mu.Unlock()
		return more, nil
	}
	a.loading = true
	var before *store.ChatCursor
	if n := len(a.summaries); n > 0 {
		oldest := a.summaries[n-1]
		before = &store.ChatCursor{LastActivity: oldest.LastActivity, ChatID: oldest.ChatID}
	}
	a.mu.Unlock()

	summaries, err := a.store.ListChats(ctx, a.userID, a.opts.PageSize, before)

	a.mu.Lock()
	a.loading = false
	if err != nil {
		a.mu.Unlock()
		return true, err
	}
	for _, s := range summaries {
		a.upsertLocked(s)
	}
	if len(summaries) < a.opts.PageSize {
		a.hasMore = false
	}
	more := a.hasMore
	a.mu.Unlock()
	a.signal()
	return more, nil
}

// Snapshot returns the current list, most recently active first, with
// presence resolved at call time.
func (a *Aggregator) Snapshot() []chat.Summary {
	a.mu.Lock()
	out := make([]chat.Summary, len(a.summaries))
	copy(out, a.summaries)
	a.mu.Unlock()

	if a.opts.Online != nil {
		for i := range out {
			out[i].Online = a.opts.Online(out[i].ChatID)
		}
	}
	return out
}

// HasMore reports whether older chats may remain.
func (a *Aggregator) HasMore() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasMore
}

// Updates signals that the list changed. Coalesced: a single receive may
// cover several changes; consumers re-read Snapshot.
func (a *Aggregator) Updates() <-chan struct{} {
	return a.updates
}

func (a *Aggregator) signal() {
	select {
	case a.updates <- struct{}{}:
	default:
	}
}

// upsertLocked inserts or replaces a summary at its sorted position.
// Order is (LastActivity, ChatID) descending. Caller holds mu.
func (a *Aggregator) upsertLocked(s chat.Summary) {
	a.removeLocked(s.ChatID)
	i := sort.Search(len(a.summaries), func(i int) bool {
		cur := a.summaries[i]
		if cur.LastActivity != s.LastActivity {
			return cur.LastActivity < s.LastActivity
		}
		return cur.ChatID < s.ChatID
	})
	a.summaries = append(a.summaries, chat.Summary{})
	copy(a.summaries[i+1:], a.summaries[i:])
	a.summaries[i] = s
}

func (a *Aggregator) removeLocked(chatID string) {
	for i, s := range a.summaries {
		if s.ChatID == chatID {
			a.summaries = append(a.summaries[:i], a.summaries[i+1:]...)
			return
		}
	}
}
