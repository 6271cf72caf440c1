package chat

// Topic builders for the three subscription shapes the core publishes on.
// Bus subscriptions match on prefix, so subscribing to "chat:42:" receives
// both the message and presence streams of chat 42.

// MessagesTopic is the per-chat stream of confirmed message events.
func MessagesTopic(chatID string) string {
	return "chat:" + chatID + ":messages"
}

// PresenceTopic is the per-chat stream of presence heartbeats.
func PresenceTopic(chatID string) string {
	return "chat:" + chatID + ":presence"
}

// ChatsTopic is the per-user stream of chat-list updates.
func ChatsTopic(userID string) string {
	return "user:" + userID + ":chats"
}

// NotifyTopic carries unread-threshold events for the external
// notification side-channel.
const NotifyTopic = "notify:unread"

// MessageEventType discriminates events on a chat's message stream.
type MessageEventType string

const (
	MessageCreated MessageEventType = "created"
	MessageEdited  MessageEventType = "edited"
	MessageDeleted MessageEventType = "deleted"
	MessageReacted MessageEventType = "reacted"
	MessageRead    MessageEventType = "read"
)

// MessageEvent is the payload published on MessagesTopic for every
// confirmed mutation of a chat's messages.
type MessageEvent struct {
	Type   MessageEventType
	ChatID string

	// Message carries the full confirmed message for Created events.
	Message *Message

	// MessageID identifies the target of Edited/Deleted/Reacted events.
	MessageID string

	// Body and EditedAt apply to Edited events.
	Body     string
	EditedAt int64

	// Reactions is the authoritative post-toggle reaction map for
	// Reacted events.
	Reactions map[string]Reaction

	// ReaderID and MessageIDs apply to Read events.
	ReaderID   string
	MessageIDs []string
}

// PresenceEvent is a heartbeat published on PresenceTopic.
type PresenceEvent struct {
	ChatID string
	UserID string
	At     int64
}

// ChatEvent is published on each participant's ChatsTopic when a chat's
// summary changes (new message, read marker reset, visibility change).
type ChatEvent struct {
	UserID        string
	ChatID        string
	Name          string
	Participants  []string
	Preview       string
	PreviewAuthor string
	Unread        int
	LastActivity  int64

	// Hidden signals a per-participant visibility change: the chat should
	// leave this user's list until new activity surfaces it again.
	Hidden bool
}

// UnreadThresholdEvent is published on NotifyTopic when a user's unread
// count for a chat crosses the configured threshold. Email composition and
// delivery are external; the core only emits the event.
type UnreadThresholdEvent struct {
	UserID string
	ChatID string
	Unread int
	At     int64
}
