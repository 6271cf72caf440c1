// Package ops coordinates message mutations: edits, soft deletes, and
// reaction toggles. Effects reach the rendered sequence through the live
// stream, not by local state patching; toggle outcomes in particular
// depend on server state the client may not have observed yet.
package ops

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/taskora/chatcore/internal/chat"
	"go.uber.org/zap"
)

// Store is the mutation surface the coordinator needs; satisfied by the
// store adapter.
type Store interface {
	EditMessage(ctx context.Context, messageID, newBody, requestingUserID string) (*chat.Message, error)
	DeleteMessage(ctx context.Context, messageID, requestingUserID string) error
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) (map[string]chat.Reaction, error)
}

// Coordinator applies mutations on behalf of one user.
type Coordinator struct {
	selfID  string
	store   Store
	maxBody int
	logger  *zap.Logger

	mu            sync.Mutex
	editsInFlight map[string]bool
}

// New creates a coordinator acting as selfID. maxBody bounds edit content
// client-side; the store re-validates as the server-side boundary.
func New(selfID string, st Store, maxBody int, logger *zap.Logger) *Coordinator {
	if maxBody <= 0 {
		maxBody = 4000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		selfID:        selfID,
		store:         st,
		maxBody:       maxBody,
		logger:        logger,
		editsInFlight: make(map[string]bool),
	}
}

// Edit replaces a message's content. A second edit on the same message
// while one is unresolved is rejected client-side rather than racing.
func (c *Coordinator) Edit(ctx context.Context, messageID, newBody string) error {
	if strings.TrimSpace(newBody) == "" {
		return fmt.Errorf("empty message body: %w", chat.ErrValidation)
	}
	if len(newBody) > c.maxBody {
		return fmt.Errorf("message body exceeds %d bytes: %w", c.maxBody, chat.ErrValidation)
	}

	c.mu.Lock()
	if c.editsInFlight[messageID] {
		c.mu.Unlock()
		return fmt.Errorf("message %s: %w", messageID, chat.ErrEditInFlight)
	}
	c.editsInFlight[messageID] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.editsInFlight, messageID)
		c.mu.Unlock()
	}()

	if _, err := c.store.EditMessage(ctx, messageID, newBody, c.selfID); err != nil {
		return err
	}
	return nil
}

// Delete soft-deletes a message. Reply quotes referencing it keep
// resolving to a stable placeholder.
func (c *Coordinator) Delete(ctx context.Context, messageID string) error {
	return c.store.DeleteMessage(ctx, messageID, c.selfID)
}

// React toggles the user's reaction. The returned map is the server's
// authoritative post-toggle state; the same map arrives on the live
// stream for every other viewer.
func (c *Coordinator) React(ctx context.Context, messageID, emoji string) (map[string]chat.Reaction, error) {
	return c.store.ToggleReaction(ctx, messageID, c.selfID, emoji)
}

// ReplyPreview resolves the quote text for a reply target within the
// loaded sequence. Deleted or unloaded targets yield the placeholder.
func ReplyPreview(msgs []chat.Message, replyToID string) string {
	for i := range msgs {
		if msgs[i].ID == replyToID {
			if msgs[i].Deleted {
				return chat.DeletedPlaceholder
			}
			return msgs[i].Body
		}
	}
	return chat.DeletedPlaceholder
}
