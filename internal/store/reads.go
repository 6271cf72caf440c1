package store

import (
	"context"
	"database/sql"

	"github.com/taskora/chatcore/internal/chat"
)

// MarkRead appends the user to the read set of each message and rebuilds
// the user's unread counter for each affected chat from the reads table,
// which makes re-marking a structural no-op.
func (db *DB) MarkRead(ctx context.Context, messageIDs []string, userID string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	now := db.now()
	chats := map[string]bool{}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("mark read", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range messageIDs {
		var chatID string
		err := tx.QueryRowContext(ctx, `SELECT chat_id FROM messages WHERE id = ?`, id).Scan(&chatID)
		if err == sql.ErrNoRows {
			// Unknown ids are skipped: live events can reference messages
			// this client has not loaded.
			continue
		}
		if err != nil {
			return persistErr("resolve message chat", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO message_reads (message_id, user_id, read_at)
			VALUES (?, ?, ?)`, id, userID, now); err != nil {
			return persistErr("insert read", err)
		}
		chats[chatID] = true
	}

	for chatID := range chats {
		if _, err := tx.ExecContext(ctx, `
			UPDATE chat_participants SET unread_count = (
				SELECT COUNT(*) FROM messages m
				WHERE m.chat_id = ? AND m.author_id <> ? AND m.deleted = 0
				  AND NOT EXISTS (
					SELECT 1 FROM message_reads r
					WHERE r.message_id = m.id AND r.user_id = ?
				  )
			)
			WHERE chat_id = ? AND user_id = ?`,
			chatID, userID, userID, chatID, userID); err != nil {
			return persistErr("recount unread", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return persistErr("commit reads", err)
	}

	for chatID := range chats {
		db.publish(chat.MessagesTopic(chatID), chat.MessageEvent{
			Type:       chat.MessageRead,
			ChatID:     chatID,
			ReaderID:   userID,
			MessageIDs: messageIDs,
		})
		if ev, err := db.summaryFor(ctx, chatID, userID); err == nil {
			db.publish(chat.ChatsTopic(userID), *ev)
		}
	}
	return nil
}
