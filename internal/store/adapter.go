package store

import (
	"context"

	"github.com/taskora/chatcore/internal/chat"
)

// Cursor is an exclusive keyset position in a chat's (created_at, id)
// message order. A nil cursor means "newest".
type Cursor struct {
	CreatedAt int64
	ID        string
}

// ChatCursor is an exclusive keyset position in a user's chat list,
// ordered by (last_message_at, chat id) descending.
type ChatCursor struct {
	LastActivity int64
	ChatID       string
}

// Adapter is the message store contract the chat core consumes. The rest
// of the core depends on this interface, never on *DB directly, so hosts
// can substitute a remote store.
//
// Pagination exhaustion is signaled by returning fewer rows than
// requested. Mutations report failures from the taxonomy in the chat
// package: ErrValidation, ErrUnauthorized, ErrNotFound, ErrPersistence.
type Adapter interface {
	// FetchMessages returns up to limit messages older than before
	// (exclusive). Order within the page is not guaranteed; callers
	// re-sort.
	FetchMessages(ctx context.Context, chatID string, limit int, before *Cursor) ([]chat.Message, error)

	// SendMessage persists a new message and returns the confirmed row
	// with its server-assigned id and timestamp.
	SendMessage(ctx context.Context, chatID, authorID, body, replyToID string) (*chat.Message, error)

	// EditMessage replaces a message's content. Only the author may edit;
	// deleted messages cannot be edited.
	EditMessage(ctx context.Context, messageID, newBody, requestingUserID string) (*chat.Message, error)

	// DeleteMessage soft-deletes a message. Only the author may delete.
	DeleteMessage(ctx context.Context, messageID, requestingUserID string) error

	// MarkRead appends the user to the read set of each message.
	// Idempotent: re-marking is a no-op.
	MarkRead(ctx context.Context, messageIDs []string, userID string) error

	// ToggleReaction applies the single-reaction-per-user rule and
	// returns the authoritative post-toggle reaction map.
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) (map[string]chat.Reaction, error)

	// CreateChat creates a chat with the given participants.
	CreateChat(ctx context.Context, name, createdBy string, participants []string) (*chat.Chat, error)

	// EnsureDirectChat returns the existing two-party chat between the
	// users, creating it if absent.
	EnsureDirectChat(ctx context.Context, userA, userB string) (*chat.Chat, error)

	// GetChat returns a chat by id, or ErrNotFound.
	GetChat(ctx context.Context, chatID string) (*chat.Chat, error)

	// ListChats returns up to limit of the user's visible chats, most
	// recently active first, older than before (exclusive).
	ListChats(ctx context.Context, userID string, limit int, before *ChatCursor) ([]chat.Summary, error)

	// HideChat hides a chat from one participant's list. Shared state is
	// untouched; a new message makes the chat visible again.
	HideChat(ctx context.Context, chatID, userID string) error

	// Participants returns the participant user ids of a chat.
	Participants(ctx context.Context, chatID string) ([]string, error)
}

var _ Adapter = (*DB)(nil)
