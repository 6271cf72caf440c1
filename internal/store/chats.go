package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/taskora/chatcore/internal/chat"
)

func persistErr(op string, err error) error {
	return fmt.Errorf("%s: %s: %w", op, err, chat.ErrPersistence)
}

// CreateChat creates a chat with the given participants. The creator is
// added to the participant set if absent.
func (db *DB) CreateChat(ctx context.Context, name, createdBy string, participants []string) (*chat.Chat, error) {
	members := make([]string, 0, len(participants)+1)
	seen := map[string]bool{}
	for _, p := range append([]string{createdBy}, participants...) {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		members = append(members, p)
	}
	if len(members) < 2 {
		return nil, fmt.Errorf("chat needs at least two participants: %w", chat.ErrValidation)
	}

	id := uuid.New().String()
	now := db.now()
	isGroup := 0
	if len(members) > 2 {
		isGroup = 1
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistErr("create chat", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chats (id, name, is_group, created_by, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, name, isGroup, createdBy, now); err != nil {
		return nil, persistErr("insert chat", err)
	}
	for _, m := range members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_participants (chat_id, user_id) VALUES (?, ?)`,
			id, m); err != nil {
			return nil, persistErr("insert participant", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, persistErr("commit chat", err)
	}

	return db.GetChat(ctx, id)
}

// EnsureDirectChat returns the two-party chat between the users, creating
// it if absent. Chats are created on first contact between a pair.
func (db *DB) EnsureDirectChat(ctx context.Context, userA, userB string) (*chat.Chat, error) {
	var id string
	err := db.QueryRowContext(ctx, `
		SELECT c.id FROM chats c
		WHERE c.is_group = 0
		  AND EXISTS (SELECT 1 FROM chat_participants WHERE chat_id = c.id AND user_id = ?)
		  AND EXISTS (SELECT 1 FROM chat_participants WHERE chat_id = c.id AND user_id = ?)
		LIMIT 1`, userA, userB).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		return db.CreateChat(ctx, "", userA, []string{userB})
	case err != nil:
		return nil, persistErr("find direct chat", err)
	}
	return db.GetChat(ctx, id)
}

// GetChat returns a chat by id with its participants and unread counters.
func (db *DB) GetChat(ctx context.Context, chatID string) (*chat.Chat, error) {
	var c chat.Chat
	err := db.QueryRowContext(ctx, `
		SELECT id, name, created_by, created_at, last_message_at, last_message_preview, last_message_author
		FROM chats WHERE id = ?`, chatID).
		Scan(&c.ID, &c.Name, &c.CreatedBy, &c.CreatedAt, &c.LastMessageAt, &c.LastMessagePreview, &c.LastMessageAuthor)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("chat %s: %w", chatID, chat.ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get chat", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT user_id, unread_count FROM chat_participants WHERE chat_id = ? ORDER BY user_id`, chatID)
	if err != nil {
		return nil, persistErr("get participants", err)
	}
	defer func() { _ = rows.Close() }()

	c.Unread = make(map[string]int)
	for rows.Next() {
		var userID string
		var unread int
		if err := rows.Scan(&userID, &unread); err != nil {
			return nil, persistErr("scan participant", err)
		}
		c.Participants = append(c.Participants, userID)
		c.Unread[userID] = unread
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate participants", err)
	}
	return &c, nil
}

// ListChats returns the user's visible chats newest-activity first using
// keyset pagination. Exhaustion is signaled by a short page.
func (db *DB) ListChats(ctx context.Context, userID string, limit int, before *ChatCursor) ([]chat.Summary, error) {
	if limit <= 0 {
		limit = 30
	}
	beforeTS := int64(1<<62 - 1)
	beforeID := "￿"
	if before != nil {
		beforeTS = before.LastActivity
		beforeID = before.ChatID
	}

	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.name, c.last_message_at, c.last_message_preview, c.last_message_author, p.unread_count
		FROM chats c
		JOIN chat_participants p ON p.chat_id = c.id
		WHERE p.user_id = ? AND p.hidden = 0
		  AND (c.last_message_at < ? OR (c.last_message_at = ? AND c.id < ?))
		ORDER BY c.last_message_at DESC, c.id DESC
		LIMIT ?`, userID, beforeTS, beforeTS, beforeID, limit)
	if err != nil {
		return nil, persistErr("list chats", err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []chat.Summary
	for rows.Next() {
		var s chat.Summary
		if err := rows.Scan(&s.ChatID, &s.Name, &s.LastActivity, &s.Preview, &s.PreviewAuthor, &s.Unread); err != nil {
			return nil, persistErr("scan chat summary", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate chats", err)
	}

	for i := range summaries {
		members, err := db.Participants(ctx, summaries[i].ChatID)
		if err != nil {
			return nil, err
		}
		summaries[i].Participants = members
	}
	return summaries, nil
}

// HideChat hides a chat from one participant's list. Deletion is a
// per-participant visibility flag, never destructive on shared state.
func (db *DB) HideChat(ctx context.Context, chatID, userID string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE chat_participants SET hidden = 1 WHERE chat_id = ? AND user_id = ?`,
		chatID, userID)
	if err != nil {
		return persistErr("hide chat", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("chat %s for user %s: %w", chatID, userID, chat.ErrNotFound)
	}
	db.publish(chat.ChatsTopic(userID), chat.ChatEvent{
		UserID: userID,
		ChatID: chatID,
		Hidden: true,
	})
	return nil
}

// Participants returns the participant user ids of a chat.
func (db *DB) Participants(ctx context.Context, chatID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id FROM chat_participants WHERE chat_id = ? ORDER BY user_id`, chatID)
	if err != nil {
		return nil, persistErr("participants", err)
	}
	defer func() { _ = rows.Close() }()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, persistErr("scan participant", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// summaryFor loads one participant's current view of a chat, used when
// publishing chat-list updates.
func (db *DB) summaryFor(ctx context.Context, chatID, userID string) (*chat.ChatEvent, error) {
	var ev chat.ChatEvent
	err := db.QueryRowContext(ctx, `
		SELECT c.id, c.name, c.last_message_at, c.last_message_preview, c.last_message_author, p.unread_count
		FROM chats c
		JOIN chat_participants p ON p.chat_id = c.id
		WHERE c.id = ? AND p.user_id = ?`, chatID, userID).
		Scan(&ev.ChatID, &ev.Name, &ev.LastActivity, &ev.Preview, &ev.PreviewAuthor, &ev.Unread)
	if err != nil {
		return nil, persistErr("chat summary", err)
	}
	ev.UserID = userID
	members, err := db.Participants(ctx, chatID)
	if err != nil {
		return nil, err
	}
	ev.Participants = members
	return &ev, nil
}

// publishChatEvents pushes each participant's updated summary onto their
// chat-list stream.
func (db *DB) publishChatEvents(ctx context.Context, chatID string, participants []string) {
	for _, userID := range participants {
		ev, err := db.summaryFor(ctx, chatID, userID)
		if err != nil {
			continue
		}
		db.publish(chat.ChatsTopic(userID), *ev)
	}
}
