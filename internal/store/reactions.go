package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/taskora/chatcore/internal/chat"
)

// ToggleReaction applies the single-reaction-per-user rule: re-selecting
// the held emoji removes it, selecting a different one replaces it. The
// keyed (message_id, user_id) primary key enforces at-most-one
// structurally. Returns the authoritative post-toggle map; emoji values
// are treated as opaque UTF-8 strings.
func (db *DB) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (map[string]chat.Reaction, error) {
	if emoji == "" {
		return nil, fmt.Errorf("empty emoji: %w", chat.ErrValidation)
	}

	m, err := db.getMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.Deleted {
		return nil, fmt.Errorf("message %s is deleted: %w", messageID, chat.ErrNotFound)
	}

	var current string
	err = db.QueryRowContext(ctx, `
		SELECT emoji FROM reactions WHERE message_id = ? AND user_id = ?`,
		messageID, userID).Scan(&current)

	switch {
	case err == sql.ErrNoRows:
		if _, err := db.ExecContext(ctx, `
			INSERT INTO reactions (message_id, user_id, emoji, created_at)
			VALUES (?, ?, ?, ?)`, messageID, userID, emoji, db.now()); err != nil {
			return nil, persistErr("insert reaction", err)
		}
	case err != nil:
		return nil, persistErr("load reaction", err)
	case current == emoji:
		// Toggle off.
		if _, err := db.ExecContext(ctx, `
			DELETE FROM reactions WHERE message_id = ? AND user_id = ?`,
			messageID, userID); err != nil {
			return nil, persistErr("remove reaction", err)
		}
	default:
		// Replace: last selection wins.
		if _, err := db.ExecContext(ctx, `
			UPDATE reactions SET emoji = ?, created_at = ? WHERE message_id = ? AND user_id = ?`,
			emoji, db.now(), messageID, userID); err != nil {
			return nil, persistErr("replace reaction", err)
		}
	}

	reactions, err := db.reactionMap(ctx, messageID)
	if err != nil {
		return nil, err
	}

	db.publish(chat.MessagesTopic(m.ChatID), chat.MessageEvent{
		Type:      chat.MessageReacted,
		ChatID:    m.ChatID,
		MessageID: messageID,
		Reactions: reactions,
	})
	return reactions, nil
}

// reactionMap loads the userID -> reaction map for a message.
func (db *DB) reactionMap(ctx context.Context, messageID string) (map[string]chat.Reaction, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id, emoji, created_at FROM reactions WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, persistErr("load reactions", err)
	}
	defer func() { _ = rows.Close() }()

	reactions := make(map[string]chat.Reaction)
	for rows.Next() {
		var userID string
		var r chat.Reaction
		if err := rows.Scan(&userID, &r.Emoji, &r.At); err != nil {
			return nil, persistErr("scan reaction", err)
		}
		reactions[userID] = r
	}
	return reactions, rows.Err()
}
