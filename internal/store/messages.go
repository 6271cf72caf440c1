package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/taskora/chatcore/internal/chat"
)

// validateBody enforces the content bounds shared by send and edit.
func (db *DB) validateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("empty message body: %w", chat.ErrValidation)
	}
	if len(body) > db.maxBody {
		return fmt.Errorf("message body exceeds %d bytes: %w", db.maxBody, chat.ErrValidation)
	}
	return nil
}

// FetchMessages returns up to limit messages strictly older than before in
// the (created_at, id) order. Deleted rows are returned with scrubbed
// bodies so ordering and reply references stay intact.
func (db *DB) FetchMessages(ctx context.Context, chatID string, limit int, before *Cursor) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	beforeTS := int64(1<<62 - 1)
	beforeID := "￿"
	if before != nil {
		beforeTS = before.CreatedAt
		beforeID = before.ID
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, chat_id, author_id, body, reply_to_id, created_at, edited, edited_at, deleted
		FROM messages
		WHERE chat_id = ?
		  AND (created_at < ? OR (created_at = ? AND id < ?))
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, chatID, beforeTS, beforeTS, beforeID, limit)
	if err != nil {
		return nil, persistErr("fetch messages", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		var m chat.Message
		var edited, deleted int
		if err := rows.Scan(&m.ID, &m.ChatID, &m.AuthorID, &m.Body, &m.ReplyToID, &m.CreatedAt, &edited, &m.EditedAt, &deleted); err != nil {
			return nil, persistErr("scan message", err)
		}
		m.Edited = edited != 0
		m.Deleted = deleted != 0
		if m.Deleted {
			m.Body = ""
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate messages", err)
	}

	for i := range msgs {
		if err := db.attachDetail(ctx, &msgs[i]); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// attachDetail loads the read set and reaction map for one message.
func (db *DB) attachDetail(ctx context.Context, m *chat.Message) error {
	readRows, err := db.QueryContext(ctx, `
		SELECT user_id FROM message_reads WHERE message_id = ? ORDER BY read_at`, m.ID)
	if err != nil {
		return persistErr("load reads", err)
	}
	defer func() { _ = readRows.Close() }()
	for readRows.Next() {
		var userID string
		if err := readRows.Scan(&userID); err != nil {
			return persistErr("scan read", err)
		}
		m.ReadBy = append(m.ReadBy, userID)
	}
	if err := readRows.Err(); err != nil {
		return persistErr("iterate reads", err)
	}

	reactions, err := db.reactionMap(ctx, m.ID)
	if err != nil {
		return err
	}
	m.Reactions = reactions
	return nil
}

// SendMessage persists a message, updates the chat head and unread
// counters, and publishes the confirmed events. The author's unread
// counter is always reset; every other participant's increments. An
// actively-viewing participant is brought back to zero by the view's
// automatic mark-read, not by the store.
func (db *DB) SendMessage(ctx context.Context, chatID, authorID, body, replyToID string) (*chat.Message, error) {
	if err := db.validateBody(body); err != nil {
		return nil, err
	}

	c, err := db.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if _, ok := c.Unread[authorID]; !ok {
		return nil, fmt.Errorf("user %s is not a participant of chat %s: %w", authorID, chatID, chat.ErrUnauthorized)
	}
	if replyToID != "" {
		var exists int
		err := db.QueryRowContext(ctx, `
			SELECT 1 FROM messages WHERE id = ? AND chat_id = ?`, replyToID, chatID).Scan(&exists)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("reply target %s: %w", replyToID, chat.ErrNotFound)
		}
		if err != nil {
			return nil, persistErr("check reply target", err)
		}
	}

	id := uuid.New().String()
	now := db.now()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistErr("send message", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, author_id, body, reply_to_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, chatID, authorID, body, replyToID, now); err != nil {
		return nil, persistErr("insert message", err)
	}

	// The author has trivially read their own message.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO message_reads (message_id, user_id, read_at) VALUES (?, ?, ?)`,
		id, authorID, now); err != nil {
		return nil, persistErr("insert author read", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE chats SET last_message_at = ?, last_message_preview = ?, last_message_author = ?
		WHERE id = ?`,
		now, preview(body), authorID, chatID); err != nil {
		return nil, persistErr("update chat head", err)
	}

	// New activity unhides the chat for everyone; counters move per the
	// unread invariant.
	if _, err := tx.ExecContext(ctx, `
		UPDATE chat_participants SET unread_count = unread_count + 1, hidden = 0
		WHERE chat_id = ? AND user_id <> ?`, chatID, authorID); err != nil {
		return nil, persistErr("bump unread", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE chat_participants SET unread_count = 0, hidden = 0
		WHERE chat_id = ? AND user_id = ?`, chatID, authorID); err != nil {
		return nil, persistErr("reset author unread", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, persistErr("commit message", err)
	}

	msg := &chat.Message{
		ID:        id,
		ChatID:    chatID,
		AuthorID:  authorID,
		Body:      body,
		ReplyToID: replyToID,
		CreatedAt: now,
		ReadBy:    []string{authorID},
	}

	db.publish(chat.MessagesTopic(chatID), chat.MessageEvent{
		Type:    chat.MessageCreated,
		ChatID:  chatID,
		Message: msg,
	})
	db.publishChatEvents(ctx, chatID, c.Participants)

	return msg, nil
}

// EditMessage replaces a message's content. Authorization and existence
// rules per the adapter contract; body bounds are re-validated here as the
// server-side boundary.
func (db *DB) EditMessage(ctx context.Context, messageID, newBody, requestingUserID string) (*chat.Message, error) {
	if err := db.validateBody(newBody); err != nil {
		return nil, err
	}

	m, err := db.getMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.Deleted {
		return nil, fmt.Errorf("message %s is deleted: %w", messageID, chat.ErrNotFound)
	}
	if m.AuthorID != requestingUserID {
		return nil, fmt.Errorf("user %s cannot edit message by %s: %w", requestingUserID, m.AuthorID, chat.ErrUnauthorized)
	}

	now := db.now()
	if _, err := db.ExecContext(ctx, `
		UPDATE messages SET body = ?, edited = 1, edited_at = ? WHERE id = ?`,
		newBody, now, messageID); err != nil {
		return nil, persistErr("edit message", err)
	}

	// Keep the chat-list preview honest when the head message changes.
	res, err := db.ExecContext(ctx, `
		UPDATE chats SET last_message_preview = ?
		WHERE id = ? AND last_message_author = ? AND last_message_at = ?`,
		preview(newBody), m.ChatID, m.AuthorID, m.CreatedAt)
	if err != nil {
		return nil, persistErr("update preview", err)
	}
	headChanged, _ := res.RowsAffected()

	m.Body = newBody
	m.Edited = true
	m.EditedAt = now

	db.publish(chat.MessagesTopic(m.ChatID), chat.MessageEvent{
		Type:      chat.MessageEdited,
		ChatID:    m.ChatID,
		MessageID: messageID,
		Body:      newBody,
		EditedAt:  now,
	})
	if headChanged > 0 {
		if members, err := db.Participants(ctx, m.ChatID); err == nil {
			db.publishChatEvents(ctx, m.ChatID, members)
		}
	}
	return m, nil
}

// DeleteMessage soft-deletes a message: the row survives for ordering and
// reply references, but content is never rendered again.
func (db *DB) DeleteMessage(ctx context.Context, messageID, requestingUserID string) error {
	m, err := db.getMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m.Deleted {
		return fmt.Errorf("message %s is deleted: %w", messageID, chat.ErrNotFound)
	}
	if m.AuthorID != requestingUserID {
		return fmt.Errorf("user %s cannot delete message by %s: %w", requestingUserID, m.AuthorID, chat.ErrUnauthorized)
	}

	if _, err := db.ExecContext(ctx, `
		UPDATE messages SET deleted = 1 WHERE id = ?`, messageID); err != nil {
		return persistErr("delete message", err)
	}
	res, err := db.ExecContext(ctx, `
		UPDATE chats SET last_message_preview = ?
		WHERE id = ? AND last_message_author = ? AND last_message_at = ?`,
		chat.DeletedPlaceholder, m.ChatID, m.AuthorID, m.CreatedAt)
	if err != nil {
		return persistErr("update preview", err)
	}
	headChanged, _ := res.RowsAffected()

	db.publish(chat.MessagesTopic(m.ChatID), chat.MessageEvent{
		Type:      chat.MessageDeleted,
		ChatID:    m.ChatID,
		MessageID: messageID,
	})
	if headChanged > 0 {
		if members, err := db.Participants(ctx, m.ChatID); err == nil {
			db.publishChatEvents(ctx, m.ChatID, members)
		}
	}
	return nil
}

// getMessage loads the base message row without read/reaction detail.
func (db *DB) getMessage(ctx context.Context, messageID string) (*chat.Message, error) {
	var m chat.Message
	var edited, deleted int
	err := db.QueryRowContext(ctx, `
		SELECT id, chat_id, author_id, body, reply_to_id, created_at, edited, edited_at, deleted
		FROM messages WHERE id = ?`, messageID).
		Scan(&m.ID, &m.ChatID, &m.AuthorID, &m.Body, &m.ReplyToID, &m.CreatedAt, &edited, &m.EditedAt, &deleted)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message %s: %w", messageID, chat.ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get message", err)
	}
	m.Edited = edited != 0
	m.Deleted = deleted != 0
	return &m, nil
}

// preview truncates body for the chat-list head. The cut backs up to a
// rune boundary so a multi-byte character is never split.
func preview(body string) string {
	const maxPreview = 100
	if len(body) <= maxPreview {
		return body
	}
	cut := maxPreview
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut]
}
