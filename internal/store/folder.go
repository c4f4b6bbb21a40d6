package store

import (
	"database/sql"
	"fmt"
)

// EnsureFolder creates the mailbox row on first reference and returns it.
func (db *DB) EnsureFolder(name string) (*Folder, error) {
	_, err := db.Exec(`INSERT OR IGNORE INTO folders (name) VALUES (?)`, name)
	if err != nil {
		return nil, fmt.Errorf("ensure folder: %w", err)
	}
	return db.GetFolder(name)
}

// GetFolder returns a mailbox row, or nil if it was never referenced.
func (db *DB) GetFolder(name string) (*Folder, error) {
	var f Folder
	err := db.QueryRow(`
		SELECT name, next_uid, modseq, uid_validity, max_uid
		FROM folders WHERE name = ?`, name).
		Scan(&f.Name, &f.NextUID, &f.Modseq, &f.UIDValidity, &f.MaxUID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ApplyUIDValidity records the remote mailbox generation. When the value
// changes the mailbox was recreated remotely: counters are reset and every
// uid mapping of the folder is stale, so mapped rows go back to
// PUSH_REQUESTED with no uid. Returns true when a reset happened.
func (db *DB) ApplyUIDValidity(name string, uidValidity int64) (bool, error) {
	f, err := db.EnsureFolder(name)
	if err != nil {
		return false, err
	}
	if f.UIDValidity == uidValidity {
		return false, nil
	}
	if f.UIDValidity == 0 {
		_, err := db.Exec(`UPDATE folders SET uid_validity = ? WHERE name = ?`, uidValidity, name)
		return false, err
	}

	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		UPDATE folders SET uid_validity = ?, next_uid = 1, modseq = 0, max_uid = 0
		WHERE name = ?`, uidValidity, name); err != nil {
		return false, fmt.Errorf("reset folder counters: %w", err)
	}
	if _, err := tx.Exec(`
		UPDATE cms_messages SET uid = NULL, push_status = 'PUSH_REQUESTED'
		WHERE folder = ? AND uid IS NOT NULL`, name); err != nil {
		return false, fmt.Errorf("clear stale uid mappings: %w", err)
	}
	return true, tx.Commit()
}

// RecordUID advances the mailbox counters after a uid was observed or
// assigned. Safe to re-apply.
func (db *DB) RecordUID(name string, uid int64) error {
	if _, err := db.EnsureFolder(name); err != nil {
		return err
	}
	_, err := db.Exec(`
		UPDATE folders
		SET max_uid = MAX(max_uid, ?), next_uid = MAX(next_uid, ? + 1)
		WHERE name = ?`, uid, uid, name)
	return err
}

// BumpModseq increments the mailbox change sequence and returns the new value.
func (db *DB) BumpModseq(name string) (int64, error) {
	if _, err := db.EnsureFolder(name); err != nil {
		return 0, err
	}
	if _, err := db.Exec(`UPDATE folders SET modseq = modseq + 1 WHERE name = ?`, name); err != nil {
		return 0, err
	}
	var modseq int64
	err := db.QueryRow(`SELECT modseq FROM folders WHERE name = ?`, name).Scan(&modseq)
	return modseq, err
}
