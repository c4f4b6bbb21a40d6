package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AddChatMessage inserts a chat log row (idempotent on message_id).
func (db *DB) AddChatMessage(m *ChatMessage) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chat_messages (message_id, chat_id, contact, content, mime_type, direction, status, is_group, read, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			status = excluded.status,
			read = MAX(chat_messages.read, excluded.read)`,
		m.MessageID, m.ChatID, m.Contact, m.Content, m.MimeType, m.Direction,
		m.Status, m.IsGroup, m.Read, m.Timestamp, now)
	return err
}

const selectChat = `
	SELECT message_id, chat_id, contact, content, mime_type, direction, status, is_group, read, timestamp
	FROM chat_messages`

// GetChatMessage returns a chat log row by message id, or nil.
func (db *DB) GetChatMessage(messageID string) (*ChatMessage, error) {
	var m ChatMessage
	err := db.QueryRow(selectChat+` WHERE message_id = ?`, messageID).
		Scan(&m.MessageID, &m.ChatID, &m.Contact, &m.Content, &m.MimeType,
			&m.Direction, &m.Status, &m.IsGroup, &m.Read, &m.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteChatMessage removes a chat log row. Absent rows are a no-op.
func (db *DB) DeleteChatMessage(messageID string) error {
	_, err := db.Exec(`DELETE FROM chat_messages WHERE message_id = ?`, messageID)
	return err
}

// MarkChatMessageRead sets the read flag and DISPLAYED status on a chat row.
func (db *DB) MarkChatMessageRead(messageID string) error {
	_, err := db.Exec(`UPDATE chat_messages SET read = 1, status = ? WHERE message_id = ?`,
		ChatStatusDisplayed, messageID)
	return err
}

// SetChatMessageStatus updates the delivery status of a chat row.
func (db *DB) SetChatMessageStatus(messageID, status string) error {
	_, err := db.Exec(`UPDATE chat_messages SET status = ? WHERE message_id = ?`, status, messageID)
	return err
}

// UpsertGroupChat creates or updates a group chat with its participant set.
// Participants default to CONNECTED when no status is given.
func (db *DB) UpsertGroupChat(g *GroupChat) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO group_chats (chat_id, rejoin_id, subject)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			rejoin_id = excluded.rejoin_id,
			subject = CASE WHEN excluded.subject != '' THEN excluded.subject ELSE group_chats.subject END`,
		g.ChatID, g.RejoinID, g.Subject); err != nil {
		return fmt.Errorf("upsert group chat: %w", err)
	}

	for _, member := range g.Members {
		status := member.Status
		if status == "" {
			status = GroupMemberConnected
		}
		if _, err := tx.Exec(`
			INSERT INTO group_members (chat_id, contact, status)
			VALUES (?, ?, ?)
			ON CONFLICT(chat_id, contact) DO UPDATE SET status = excluded.status`,
			g.ChatID, member.Contact, status); err != nil {
			return fmt.Errorf("upsert group member: %w", err)
		}
	}
	return tx.Commit()
}

// GetGroupChat returns a group chat and its participants, or nil.
func (db *DB) GetGroupChat(chatID string) (*GroupChat, error) {
	var g GroupChat
	err := db.QueryRow(`SELECT chat_id, rejoin_id, subject FROM group_chats WHERE chat_id = ?`, chatID).
		Scan(&g.ChatID, &g.RejoinID, &g.Subject)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`SELECT contact, status FROM group_members WHERE chat_id = ? ORDER BY contact`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var m GroupMember
		if err := rows.Scan(&m.Contact, &m.Status); err != nil {
			return nil, err
		}
		g.Members = append(g.Members, m)
	}
	return &g, rows.Err()
}
