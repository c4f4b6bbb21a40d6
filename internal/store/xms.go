package store

import (
	"database/sql"
	"time"
)

// AddXms inserts an XMS log row (idempotent on message_id). Re-inserting an
// existing message only refreshes the read flag and native tether.
func (db *DB) AddXms(m *XmsMessage) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO xms_messages (message_id, contact, mime_type, direction, body, correlator, mms_id, read, native_id, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			read = MAX(xms_messages.read, excluded.read),
			native_id = COALESCE(excluded.native_id, xms_messages.native_id)`,
		m.MessageID, m.Contact, m.MimeType, m.Direction, m.Body, m.Correlator,
		m.MmsID, m.Read, m.NativeID, m.Timestamp, now)
	return err
}

const selectXms = `
	SELECT message_id, contact, mime_type, direction, body, correlator, mms_id, read, native_id, timestamp
	FROM xms_messages`

// GetXmsMessage returns an XMS log row by message id, or nil.
func (db *DB) GetXmsMessage(messageID string) (*XmsMessage, error) {
	return scanXmsRow(db.QueryRow(selectXms+` WHERE message_id = ?`, messageID))
}

// GetXmsByNativeID returns the XMS log row tethered to a native provider
// row, or nil if it was already removed. SMS and MMS provider ids come
// from independent sequences, so the lookup is scoped to the type.
func (db *DB) GetXmsByNativeID(t MessageType, nativeID int64) (*XmsMessage, error) {
	return scanXmsRow(db.QueryRow(selectXms+` WHERE native_id = ? AND mime_type = ?`, nativeID, nativeMime(t)))
}

func nativeMime(t MessageType) string {
	if t == TypeMms {
		return MimeTypeMms
	}
	return MimeTypeSms
}

// FindXmsByMmsID returns the XMS log row carrying the given MMS transport
// message id, or nil.
func (db *DB) FindXmsByMmsID(mmsID string) (*XmsMessage, error) {
	if mmsID == "" {
		return nil, nil
	}
	return scanXmsRow(db.QueryRow(selectXms+` WHERE mms_id = ? ORDER BY created_at DESC LIMIT 1`, mmsID))
}

// FindXmsCandidates returns the correlation candidates for a fingerprint,
// most recent first. Ordering is by insertion so repeated runs scan the
// candidates in the same sequence.
func (db *DB) FindXmsCandidates(contact string, direction Direction, correlator string) ([]XmsMessage, error) {
	rows, err := db.Query(selectXms+`
		WHERE contact = ? AND direction = ? AND correlator = ?
		ORDER BY created_at DESC, rowid DESC`,
		contact, direction, correlator)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []XmsMessage
	for rows.Next() {
		m, err := scanXms(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// DeleteXmsMessage removes an XMS log row. Deleting an absent row is a no-op.
func (db *DB) DeleteXmsMessage(messageID string) error {
	_, err := db.Exec(`DELETE FROM xms_messages WHERE message_id = ?`, messageID)
	return err
}

// MarkXmsRead sets the read flag on a single XMS log row.
func (db *DB) MarkXmsRead(messageID string) error {
	_, err := db.Exec(`UPDATE xms_messages SET read = 1 WHERE message_id = ?`, messageID)
	return err
}

// MarkXmsConversationRead marks every unread row of a contact read and
// returns the affected messages so the caller can propagate the flag.
func (db *DB) MarkXmsConversationRead(contact string) ([]XmsMessage, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(selectXms+` WHERE contact = ? AND read = 0`, contact)
	if err != nil {
		return nil, err
	}
	var unread []XmsMessage
	for rows.Next() {
		m, err := scanXms(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		unread = append(unread, *m)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if _, err := tx.Exec(`UPDATE xms_messages SET read = 1 WHERE contact = ? AND read = 0`, contact); err != nil {
		return nil, err
	}
	return unread, tx.Commit()
}

// XmsMessageIDsForContact returns every XMS message id of a conversation.
func (db *DB) XmsMessageIDsForContact(contact string) ([]string, error) {
	rows, err := db.Query(`SELECT message_id FROM xms_messages WHERE contact = ?`, contact)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanXms(s rowScanner) (*XmsMessage, error) {
	var m XmsMessage
	err := s.Scan(&m.MessageID, &m.Contact, &m.MimeType, &m.Direction, &m.Body,
		&m.Correlator, &m.MmsID, &m.Read, &m.NativeID, &m.Timestamp)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanXmsRow(row *sql.Row) (*XmsMessage, error) {
	m, err := scanXms(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}
