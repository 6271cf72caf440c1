// Package timeline merges the three message sources of a chat view — older
// pages fetched on demand, the live event stream, and locally pending
// sends — into one ordered, deduplicated sequence.
//
// The timeline is the single writer of its sequence: the send engine, the
// coordinator, and the live stream all funnel their effects through it, so
// rendered state never races between sources.
package timeline

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

// Timeline is the reconciled message sequence for one open chat view.
type Timeline struct {
	chatID   string
	selfID   string
	store    store.Adapter
	subs     transport.Subscriber
	pageSize int
	// corrWindow bounds how long a pending entry is eligible for
	// correlation with an arriving confirmed message.
	corrWindow time.Duration
	logger     *zap.Logger
	now        func() int64

	mu      sync.Mutex
	msgs    []*chat.Message // sorted by (CreatedAt, ID)
	byID    map[string]*chat.Message
	hasMore bool

	updates chan struct{}
	cancel  context.CancelFunc
	unsub   func()
}

// Options configures a timeline.
type Options struct {
	PageSize          int
	CorrelationWindow time.Duration
	Logger            *zap.Logger
}

// New creates a timeline for chatID viewed by selfID. Call Start to load
// the initial page and attach the live stream.
func New(chatID, selfID string, st store.Adapter, subs transport.Subscriber, opts Options) *Timeline {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.CorrelationWindow <= 0 {
		opts.CorrelationWindow = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Timeline{
		chatID:     chatID,
		selfID:     selfID,
		store:      st,
		subs:       subs,
		pageSize:   opts.PageSize,
		corrWindow: opts.CorrelationWindow,
		logger:     opts.Logger,
		now:        func() int64 { return time.Now().UnixMilli() },
		byID:       make(map[string]*chat.Message),
		hasMore:    true,
		updates:    make(chan struct{}, 1),
	}
}

// Start loads the most recent page and subscribes to the chat's live
// stream. The subscription is opened before the fetch so events arriving
// during the fetch are not lost; the upsert path deduplicates overlap.
func (t *Timeline) Start(ctx context.Context) error {
	ctx, t.cancel = context.WithCancel(ctx)
	ch, unsub := t.subs.Subscribe(chat.MessagesTopic(t.chatID), 256)
	t.unsub = unsub

	page, err := t.store.FetchMessages(ctx, t.chatID, t.pageSize, nil)
	if err != nil {
		unsub()
		t.unsub = nil
		return err
	}

	t.mu.Lock()
	for i := range page {
		t.insertLocked(clone(&page[i]))
	}
	t.hasMore = len(page) == t.pageSize
	t.mu.Unlock()
	t.notify()

	go t.loop(ctx, ch)
	return nil
}

// Stop detaches the live stream. A stopped timeline keeps serving its
// last snapshot.
func (t *Timeline) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.unsub != nil {
		t.unsub()
		t.unsub = nil
	}
}

func (t *Timeline) loop(ctx context.Context, ch <-chan bus.Event) {
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if me, ok := evt.Payload.(chat.MessageEvent); ok {
				t.Apply(me)
			}
		case <-ctx.Done():
			return
		}
	}
}

// LoadOlder fetches the next older page and prepends it. Prepending never
// reorders already-present entries. Once exhaustion is signaled it is
// sticky: further calls are no-ops.
func (t *Timeline) LoadOlder(ctx context.Context) error {
	t.mu.Lock()
	if !t.hasMore {
		t.mu.Unlock()
		return nil
	}
	cursor := t.oldestConfirmedLocked()
	t.mu.Unlock()

	page, err := t.store.FetchMessages(ctx, t.chatID, t.pageSize, cursor)
	if err != nil {
		return err
	}

	t.mu.Lock()
	for i := range page {
		t.insertLocked(clone(&page[i]))
	}
	if len(page) < t.pageSize {
		t.hasMore = false
	}
	t.mu.Unlock()
	t.notify()
	return nil
}

// HasMore reports whether older history may remain.
func (t *Timeline) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

// AddPending inserts a locally synthesized pending message. Called by the
// send engine the moment the user submits, before any network round-trip.
func (t *Timeline) AddPending(m *chat.Message) {
	t.mu.Lock()
	t.insertLocked(clone(m))
	t.mu.Unlock()
	t.notify()
}

// ConfirmPending supersedes the pending entry identified by clientID with
// the confirmed message. If the live stream already delivered the
// confirmed row, this is a harmless upsert.
func (t *Timeline) ConfirmPending(clientID string, confirmed *chat.Message) {
	t.mu.Lock()
	t.removePendingLocked(clientID)
	t.upsertConfirmedLocked(clone(confirmed))
	t.mu.Unlock()
	t.notify()
}

// FailPending marks the pending entry as visibly failed. Failed sends are
// never silently dropped.
func (t *Timeline) FailPending(clientID string) {
	t.mu.Lock()
	for _, m := range t.msgs {
		if m.Pending && m.ClientID == clientID {
			m.Failed = true
			break
		}
	}
	t.mu.Unlock()
	t.notify()
}

// RemovePending drops a pending entry, used when the user discards a
// failed send.
func (t *Timeline) RemovePending(clientID string) {
	t.mu.Lock()
	t.removePendingLocked(clientID)
	t.mu.Unlock()
	t.notify()
}

// Apply folds one live event into the sequence. Events referencing ids
// that are not loaded are ignored; the live stream is at-least-once,
// best-effort.
func (t *Timeline) Apply(ev chat.MessageEvent) {
	t.mu.Lock()
	switch ev.Type {
	case chat.MessageCreated:
		if ev.Message != nil {
			t.upsertConfirmedLocked(clone(ev.Message))
		}
	case chat.MessageEdited:
		if m, ok := t.byID[ev.MessageID]; ok {
			m.Body = ev.Body
			m.Edited = true
			m.EditedAt = ev.EditedAt
		}
	case chat.MessageDeleted:
		if m, ok := t.byID[ev.MessageID]; ok {
			m.Deleted = true
			m.Body = ""
		}
	case chat.MessageReacted:
		if m, ok := t.byID[ev.MessageID]; ok {
			m.Reactions = cloneReactions(ev.Reactions)
		}
	case chat.MessageRead:
		for _, id := range ev.MessageIDs {
			if m, ok := t.byID[id]; ok && !m.IsReadBy(ev.ReaderID) {
				m.ReadBy = append(m.ReadBy, ev.ReaderID)
			}
		}
	}
	t.mu.Unlock()
	t.notify()
}

// Snapshot returns a copy of the current sequence in (CreatedAt, ID)
// order, pending entries included at their sorted positions.
func (t *Timeline) Snapshot() []chat.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]chat.Message, len(t.msgs))
	for i, m := range t.msgs {
		out[i] = *clone(m)
	}
	return out
}

// UnreadIDs returns loaded confirmed messages not yet read by the viewer,
// used by the view to push read markers.
func (t *Timeline) UnreadIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for _, m := range t.msgs {
		if m.Pending || m.Deleted || m.AuthorID == t.selfID {
			continue
		}
		if !m.IsReadBy(t.selfID) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Updates returns a coalesced change signal: it fires after any mutation,
// collapsing bursts into a single wakeup.
func (t *Timeline) Updates() <-chan struct{} {
	return t.updates
}

func (t *Timeline) notify() {
	select {
	case t.updates <- struct{}{}:
	default:
	}
}

// upsertConfirmedLocked inserts a confirmed message, correlating it with
// an outstanding pending entry when possible. The pending entry has no
// server id, so matching is best-effort by (author, content) within the
// correlation window; with no match the message is appended as new, which
// covers a live event racing ahead of the send call's response.
func (t *Timeline) upsertConfirmedLocked(m *chat.Message) {
	if existing, ok := t.byID[m.ID]; ok {
		existing.Body = m.Body
		existing.Edited = m.Edited
		existing.EditedAt = m.EditedAt
		existing.Deleted = m.Deleted
		existing.ReadBy = append([]string(nil), m.ReadBy...)
		existing.Reactions = cloneReactions(m.Reactions)
		if existing.Deleted {
			existing.Body = ""
		}
		return
	}

	if m.AuthorID == t.selfID {
		horizon := t.now() - t.corrWindow.Milliseconds()
		for _, p := range t.msgs {
			if p.Pending && !p.Failed && p.AuthorID == m.AuthorID && p.Body == m.Body && p.CreatedAt >= horizon {
				t.removePendingLocked(p.ClientID)
				break
			}
		}
	}
	t.insertLocked(m)
}

// insertLocked places m at its sorted position, skipping duplicates.
func (t *Timeline) insertLocked(m *chat.Message) {
	if m.ID != "" {
		if _, ok := t.byID[m.ID]; ok {
			return
		}
	}
	i := sort.Search(len(t.msgs), func(i int) bool {
		return m.Before(t.msgs[i])
	})
	t.msgs = append(t.msgs, nil)
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m
	if m.ID != "" {
		t.byID[m.ID] = m
	}
}

func (t *Timeline) removePendingLocked(clientID string) {
	for i, m := range t.msgs {
		if m.Pending && m.ClientID == clientID {
			if m.ID != "" {
				delete(t.byID, m.ID)
			}
			t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
			return
		}
	}
}

// oldestConfirmedLocked returns the pagination cursor: the oldest loaded
// confirmed message. Pending entries never drive pagination.
func (t *Timeline) oldestConfirmedLocked() *store.Cursor {
	for _, m := range t.msgs {
		if !m.Pending {
			return &store.Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
		}
	}
	return nil
}

func clone(m *chat.Message) *chat.Message {
	c := *m
	c.ReadBy = append([]string(nil), m.ReadBy...)
	c.Reactions = cloneReactions(m.Reactions)
	return &c
}

func cloneReactions(in map[string]chat.Reaction) map[string]chat.Reaction {
	if in == nil {
		return nil
	}
	out := make(map[string]chat.Reaction, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
