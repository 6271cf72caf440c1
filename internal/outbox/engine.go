// Package outbox is the optimistic send engine. Submitting a message
// inserts a pending entry into the timeline immediately; persistence and
// bounded retries happen behind it, and the pending entry is superseded by
// the confirmed row or marked visibly failed. The UI never blocks on the
// network round-trip.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taskora/chatcore/internal/chat"
	"go.uber.org/zap"
)

// Sender persists messages; satisfied by the store adapter.
type Sender interface {
	SendMessage(ctx context.Context, chatID, authorID, body, replyToID string) (*chat.Message, error)
}

// Timeline receives the engine's effects. Satisfied by *timeline.Timeline.
type Timeline interface {
	AddPending(m *chat.Message)
	ConfirmPending(clientID string, confirmed *chat.Message)
	FailPending(clientID string)
}

// Engine drives the Pending -> Confirmed|Failed state machine for one
// chat view's outgoing messages.
type Engine struct {
	chatID   string
	selfID   string
	sender   Sender
	timeline Timeline
	logger   *zap.Logger

	retries int
	backoff time.Duration
	now     func() int64

	wg sync.WaitGroup
}

// Options configures an engine.
type Options struct {
	// Retries bounds additional attempts after a retryable failure.
	Retries int
	// Backoff is the base delay between attempts, scaled linearly.
	Backoff time.Duration
	Logger  *zap.Logger
}

// New creates a send engine for chatID acting as selfID.
func New(chatID, selfID string, sender Sender, tl Timeline, opts Options) *Engine {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		chatID:   chatID,
		selfID:   selfID,
		sender:   sender,
		timeline: tl,
		logger:   opts.Logger,
		retries:  opts.Retries,
		backoff:  opts.Backoff,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// Send synthesizes a pending message, renders it immediately, and returns
// its client id without waiting for the network. The outcome lands in the
// timeline: confirmed entry or visible failure, never a silent drop.
func (e *Engine) Send(ctx context.Context, body, replyToID string) string {
	clientID := uuid.New().String()
	e.timeline.AddPending(&chat.Message{
		ID:        clientID,
		ClientID:  clientID,
		ChatID:    e.chatID,
		AuthorID:  e.selfID,
		Body:      body,
		ReplyToID: replyToID,
		CreatedAt: e.now(),
		Pending:   true,
	})

	// The attempt outlives view navigation: a send in flight is allowed
	// to complete, its result applied or discarded by the timeline.
	ctx = context.WithoutCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.attempt(ctx, clientID, body, replyToID)
	}()
	return clientID
}

func (e *Engine) attempt(ctx context.Context, clientID, body, replyToID string) {
	var lastErr error
	for try := 0; ; try++ {
		msg, err := e.sender.SendMessage(ctx, e.chatID, e.selfID, body, replyToID)
		if err == nil {
			e.timeline.ConfirmPending(clientID, msg)
			e.logger.Info("message confirmed",
				zap.String("client_id", clientID),
				zap.String("msg_id", msg.ID))
			return
		}
		lastErr = err
		if !chat.Retryable(err) || try >= e.retries {
			break
		}
		e.logger.Warn("send failed, retrying",
			zap.String("client_id", clientID),
			zap.Int("attempt", try+1),
			zap.Error(err))
		select {
		case <-time.After(e.backoff * time.Duration(try+1)):
		case <-ctx.Done():
			e.timeline.FailPending(clientID)
			return
		}
	}

	e.timeline.FailPending(clientID)
	e.logger.Error("send failed",
		zap.String("client_id", clientID),
		zap.Error(lastErr))
}

// Wait blocks until all in-flight sends settle.
func (e *Engine) Wait() {
	e.wg.Wait()
}
