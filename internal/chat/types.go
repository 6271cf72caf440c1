package chat

// DeletedPlaceholder is rendered in place of soft-deleted content,
// including reply quotes that reference a deleted message.
const DeletedPlaceholder = "This message was deleted"

// Chat represents a conversation between two or more participants.
type Chat struct {
	ID           string
	Name         string
	CreatedBy    string
	Participants []string
	// Unread maps participant user ID to their unread message count.
	Unread    map[string]int
	CreatedAt int64

	LastMessageAt      int64
	LastMessagePreview string
	LastMessageAuthor  string
}

// Summary is the chat-list projection of a Chat for one viewing user.
type Summary struct {
	ChatID        string
	Name          string
	Participants  []string
	Preview       string
	PreviewAuthor string
	Unread        int
	Online        bool
	LastActivity  int64
}

// Reaction is a single user's emoji reaction to a message. A message holds
// at most one reaction per user, keyed by user ID.
type Reaction struct {
	Emoji string
	At    int64
}

// Message is a single authored item within a chat. Messages are totally
// ordered within a chat by (CreatedAt, ID); ID breaks timestamp ties.
type Message struct {
	ID        string
	ChatID    string
	AuthorID  string
	Body      string
	ReplyToID string
	CreatedAt int64

	Edited   bool
	EditedAt int64

	// Deleted marks a soft-deleted message. The row is retained for
	// ordering and reply-reference integrity; Body is scrubbed on read.
	Deleted bool

	// ReadBy lists the user IDs that have read this message.
	ReadBy []string

	// Reactions maps user ID to that user's single active reaction.
	Reactions map[string]Reaction

	// Pending and ClientID are client-local only: a pending message is a
	// locally synthesized stand-in awaiting server confirmation. ClientID
	// correlates it with the confirmed message. Never persisted.
	Pending  bool
	ClientID string

	// Failed marks a pending message whose send was rejected or exhausted
	// its retries. Client-local only.
	Failed bool
}

// Before reports whether m sorts before other in the (CreatedAt, ID)
// total order.
func (m *Message) Before(other *Message) bool {
	if m.CreatedAt != other.CreatedAt {
		return m.CreatedAt < other.CreatedAt
	}
	return m.ID < other.ID
}

// IsReadBy reports whether the given user has read the message.
func (m *Message) IsReadBy(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// PresenceRecord is the ephemeral online state of one user in one chat,
// derived from recent heartbeats. Not durable truth.
type PresenceRecord struct {
	UserID   string
	ChatID   string
	Online   bool
	LastSeen int64
}
