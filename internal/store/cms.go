package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/rcsync/internal/state"
)

// AddCmsMessage inserts or updates a shadow-store row. The upsert key is
// (message_id, message_type) when the message is already known, otherwise
// (folder, uid) when a uid is present. Re-applying the same record is a
// no-op apart from the uid/native_id linkage columns; statuses only ever
// move forward.
func (db *DB) AddCmsMessage(m *CmsMessage) error {
	if !m.ReadStatus.Valid() {
		m.ReadStatus = state.ReadUnread
	}
	if !m.DeleteStatus.Valid() {
		m.DeleteStatus = state.DeleteNotDeleted
	}
	if !m.PushStatus.Valid() {
		m.PushStatus = state.PushRequested
	}
	if !m.MessageType.Valid() {
		return fmt.Errorf("add cms message: unsupported message type %q", m.MessageType)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanCmsRow(tx.QueryRow(selectCms+` WHERE message_id = ? AND message_type = ?`,
		m.MessageID, m.MessageType))
	if err != nil {
		return err
	}
	if existing == nil && m.UID.Valid {
		existing, err = scanCmsRow(tx.QueryRow(selectCms+` WHERE folder = ? AND uid = ?`,
			m.Folder, m.UID.Int64))
		if err != nil {
			return err
		}
	}

	if existing == nil {
		_, err = tx.Exec(`
			INSERT INTO cms_messages (folder, uid, read_status, delete_status, push_status, message_type, message_id, native_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.Folder, m.UID, m.ReadStatus, m.DeleteStatus, m.PushStatus,
			m.MessageType, m.MessageID, m.NativeID, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("insert cms message: %w", err)
		}
		return tx.Commit()
	}

	uid := existing.UID
	if m.UID.Valid {
		uid = m.UID
	}
	nativeID := existing.NativeID
	if m.NativeID.Valid {
		nativeID = m.NativeID
	}
	_, err = tx.Exec(`
		UPDATE cms_messages
		SET folder = ?, uid = ?, read_status = ?, delete_status = ?, push_status = ?, message_id = ?, native_id = ?
		WHERE id = ?`,
		m.Folder, uid,
		state.MaxRead(existing.ReadStatus, m.ReadStatus),
		state.MaxDelete(existing.DeleteStatus, m.DeleteStatus),
		state.MaxPush(existing.PushStatus, m.PushStatus),
		m.MessageID, nativeID, existing.ID)
	if err != nil {
		return fmt.Errorf("update cms message: %w", err)
	}
	return tx.Commit()
}

const selectCms = `
	SELECT id, folder, uid, read_status, delete_status, push_status, message_type, message_id, native_id
	FROM cms_messages`

// GetCmsMessage returns the shadow-store row for (folder, uid), or nil.
func (db *DB) GetCmsMessage(folder string, uid int64) (*CmsMessage, error) {
	return scanCmsRow(db.QueryRow(selectCms+` WHERE folder = ? AND uid = ?`, folder, uid))
}

// GetCmsMessageByID returns the shadow-store row for (type, message id), or nil.
func (db *DB) GetCmsMessageByID(t MessageType, messageID string) (*CmsMessage, error) {
	return scanCmsRow(db.QueryRow(selectCms+` WHERE message_type = ? AND message_id = ?`, t, messageID))
}

// GetCmsMessageByNativeID returns the shadow-store row for (type, native id), or nil.
func (db *DB) GetCmsMessageByNativeID(t MessageType, nativeID int64) (*CmsMessage, error) {
	return scanCmsRow(db.QueryRow(selectCms+` WHERE message_type = ? AND native_id = ?`, t, nativeID))
}

// UpdateReadStatus advances the read status of (type, message id).
// The update is monotonic: a target behind or equal to the current status
// matches no row and is a silent no-op.
func (db *DB) UpdateReadStatus(t MessageType, messageID string, target state.ReadStatus) error {
	guard, args := readGuard(target)
	args = append([]any{target, t, messageID}, args...)
	_, err := db.Exec(`UPDATE cms_messages SET read_status = ? WHERE message_type = ? AND message_id = ? AND `+guard, args...)
	return err
}

// UpdateReadStatusByUID advances the read status of (folder, uid).
func (db *DB) UpdateReadStatusByUID(folder string, uid int64, target state.ReadStatus) error {
	guard, args := readGuard(target)
	args = append([]any{target, folder, uid}, args...)
	_, err := db.Exec(`UPDATE cms_messages SET read_status = ? WHERE folder = ? AND uid = ? AND `+guard, args...)
	return err
}

// UpdateReadStatusByNativeID advances the read status of (type, native id).
func (db *DB) UpdateReadStatusByNativeID(t MessageType, nativeID int64, target state.ReadStatus) error {
	guard, args := readGuard(target)
	args = append([]any{target, t, nativeID}, args...)
	_, err := db.Exec(`UPDATE cms_messages SET read_status = ? WHERE message_type = ? AND native_id = ? AND `+guard, args...)
	return err
}

// UpdateDeleteStatus advances the delete status of (type, message id).
// Reaching the terminal DELETED state detaches the native tether so the
// row becomes eligible for PurgeDeletedMessages.
func (db *DB) UpdateDeleteStatus(t MessageType, messageID string, target state.DeleteStatus) error {
	guard, args := deleteGuard(target)
	set := deleteSet(target)
	args = append([]any{target, t, messageID}, args...)
	_, err := db.Exec(`UPDATE cms_messages SET `+set+` WHERE message_type = ? AND message_id = ? AND `+guard, args...)
	return err
}

// UpdateDeleteStatusByUID advances the delete status of (folder, uid).
func (db *DB) UpdateDeleteStatusByUID(folder string, uid int64, target state.DeleteStatus) error {
	guard, args := deleteGuard(target)
	set := deleteSet(target)
	args = append([]any{target, folder, uid}, args...)
	_, err := db.Exec(`UPDATE cms_messages SET `+set+` WHERE folder = ? AND uid = ? AND `+guard, args...)
	return err
}

// UpdateDeleteStatusByNativeID advances the delete status of (type, native id).
func (db *DB) UpdateDeleteStatusByNativeID(t MessageType, nativeID int64, target state.DeleteStatus) error {
	guard, args := deleteGuard(target)
	set := deleteSet(target)
	args = append([]any{target, t, nativeID}, args...)
	_, err := db.Exec(`UPDATE cms_messages SET `+set+` WHERE message_type = ? AND native_id = ? AND `+guard, args...)
	return err
}

// RequestDelete moves the row (type, message id) toward remote deletion.
// A row that was never uploaded (no uid, upload still pending) has no
// remote copy to report against and goes straight to the terminal DELETED
// state, where the purge sweep reclaims it.
func (db *DB) RequestDelete(t MessageType, messageID string) error {
	return db.requestDelete(`message_type = ? AND message_id = ?`, t, messageID)
}

// RequestDeleteByNativeID is RequestDelete keyed by (type, native id).
func (db *DB) RequestDeleteByNativeID(t MessageType, nativeID int64) error {
	return db.requestDelete(`message_type = ? AND native_id = ?`, t, nativeID)
}

func (db *DB) requestDelete(where string, keys ...any) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	args := append([]any{state.DeleteDeleted}, keys...)
	args = append(args, state.PushRequested, state.DeleteNotDeleted)
	res, err := tx.Exec(`
		UPDATE cms_messages SET delete_status = ?, native_id = NULL
		WHERE `+where+` AND uid IS NULL AND push_status = ? AND delete_status = ?`, args...)
	if err != nil {
		return fmt.Errorf("request delete: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n > 0 {
		return tx.Commit()
	}

	guard, guardArgs := deleteGuard(state.DeleteReportRequested)
	args = append([]any{state.DeleteReportRequested}, keys...)
	args = append(args, guardArgs...)
	if _, err := tx.Exec(`UPDATE cms_messages SET delete_status = ? WHERE `+where+` AND `+guard, args...); err != nil {
		return fmt.Errorf("request delete report: %w", err)
	}
	return tx.Commit()
}

// MarkPushed records a successful push: the remote uid is assigned and the
// push status becomes PUSHED.
func (db *DB) MarkPushed(t MessageType, messageID string, uid int64) error {
	_, err := db.Exec(`
		UPDATE cms_messages SET uid = ?, push_status = ?
		WHERE message_type = ? AND message_id = ?`,
		uid, state.Pushed, t, messageID)
	return err
}

// GetNativeMessages returns native_id -> flags for every row of the given
// type still tethered to a native provider row.
func (db *DB) GetNativeMessages(t MessageType) (map[int64]NativeFlags, error) {
	rows, err := db.Query(`
		SELECT native_id, read_status, delete_status
		FROM cms_messages
		WHERE message_type = ? AND native_id IS NOT NULL`, t)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int64]NativeFlags)
	for rows.Next() {
		var id int64
		var f NativeFlags
		if err := rows.Scan(&id, &f.ReadStatus, &f.DeleteStatus); err != nil {
			return nil, err
		}
		out[id] = f
	}
	return out, rows.Err()
}

// PushRequested returns the rows of a folder still waiting for upload,
// oldest first.
func (db *DB) PushRequested(folder string) ([]CmsMessage, error) {
	return db.listCms(selectCms+`
		WHERE folder = ? AND push_status = ? AND delete_status = ?
		ORDER BY created_at ASC, id ASC`,
		folder, state.PushRequested, state.DeleteNotDeleted)
}

// PendingFlagReports returns mapped rows with an unreported read or delete
// flag, oldest first.
func (db *DB) PendingFlagReports() ([]CmsMessage, error) {
	return db.listCms(selectCms+`
		WHERE uid IS NOT NULL AND (read_status = ? OR delete_status = ?)
		ORDER BY created_at ASC, id ASC`,
		state.ReadReportRequested, state.DeleteReportRequested)
}

// PurgeDeletedMessages removes rows whose deletion the remote store has
// acknowledged and which no native row references anymore. Returns the
// number of rows reclaimed.
func (db *DB) PurgeDeletedMessages() (int64, error) {
	res, err := db.Exec(`
		DELETE FROM cms_messages
		WHERE delete_status = ? AND native_id IS NULL`, state.DeleteDeleted)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RemoveFolder deletes a mailbox and all of its shadow rows.
func (db *DB) RemoveFolder(name string) error {
	return db.RemoveFolders([]string{name})
}

// RemoveFolders deletes several mailboxes and their shadow rows in one
// transaction, used when a conversation is deleted end to end.
func (db *DB) RemoveFolders(names []string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, name := range names {
		if _, err := tx.Exec(`DELETE FROM cms_messages WHERE folder = ?`, name); err != nil {
			return fmt.Errorf("remove folder messages: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM folders WHERE name = ?`, name); err != nil {
			return fmt.Errorf("remove folder: %w", err)
		}
	}
	return tx.Commit()
}

func (db *DB) listCms(query string, args ...any) ([]CmsMessage, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []CmsMessage
	for rows.Next() {
		var m CmsMessage
		if err := rows.Scan(&m.ID, &m.Folder, &m.UID, &m.ReadStatus, &m.DeleteStatus,
			&m.PushStatus, &m.MessageType, &m.MessageID, &m.NativeID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCmsRow(row rowScanner) (*CmsMessage, error) {
	var m CmsMessage
	err := row.Scan(&m.ID, &m.Folder, &m.UID, &m.ReadStatus, &m.DeleteStatus,
		&m.PushStatus, &m.MessageType, &m.MessageID, &m.NativeID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// readGuard builds the monotonic WHERE clause for a read-status update.
func readGuard(target state.ReadStatus) (string, []any) {
	preds := target.Predecessors()
	if len(preds) == 0 {
		return `1 = 0`, nil
	}
	args := make([]any, len(preds))
	for i, p := range preds {
		args[i] = p
	}
	return `read_status IN (` + placeholders(len(preds)) + `)`, args
}

// deleteGuard builds the monotonic WHERE clause for a delete-status update.
func deleteGuard(target state.DeleteStatus) (string, []any) {
	preds := target.Predecessors()
	if len(preds) == 0 {
		return `1 = 0`, nil
	}
	args := make([]any, len(preds))
	for i, p := range preds {
		args[i] = p
	}
	return `delete_status IN (` + placeholders(len(preds)) + `)`, args
}

func deleteSet(target state.DeleteStatus) string {
	if target.Terminal() {
		return `delete_status = ?, native_id = NULL`
	}
	return `delete_status = ?`
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
