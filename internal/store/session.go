package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const sessionColumns = `id, status, phone_identity, pairing_code, retention_days,
	sync_contacts_enabled, sync_history_enabled, auto_reply_enabled, is_syncing, sync_progress,
	last_connected_at, last_history_sync_at, last_contact_sync_at, created_at, updated_at`

func scanSession(s scanner, sess *Session) error {
	return s.Scan(&sess.ID, &sess.Status, &sess.PhoneIdentity, &sess.PairingCode, &sess.RetentionDays,
		&sess.SyncContactsEnabled, &sess.SyncHistoryEnabled, &sess.AutoReplyEnabled, &sess.IsSyncing, &sess.SyncProgress,
		&sess.LastConnectedAt, &sess.LastHistorySyncAt, &sess.LastContactSyncAt, &sess.CreatedAt, &sess.UpdatedAt)
}

// SaveSession creates the session row or updates its settings. Connection
// fields of an existing row are left alone.
func (db *DB) SaveSession(id string, s SessionSettings) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sessions (id, retention_days, sync_contacts_enabled, sync_history_enabled, auto_reply_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			retention_days = excluded.retention_days,
			sync_contacts_enabled = excluded.sync_contacts_enabled,
			sync_history_enabled = excluded.sync_history_enabled,
			auto_reply_enabled = excluded.auto_reply_enabled,
			updated_at = excluded.updated_at`,
		id, s.RetentionDays, s.SyncContactsEnabled, s.SyncHistoryEnabled, s.AutoReplyEnabled, now, now)
	return err
}

// GetSession returns a session by id, or nil if absent.
func (db *DB) GetSession(id string) (*Session, error) {
	var s Session
	err := scanSession(db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id), &s)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns sessions, optionally filtered by status.
func (db *DB) ListSessions(statuses ...string) ([]Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if len(statuses) > 0 {
		q += ` WHERE status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	q += ` ORDER BY id`

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := scanSession(rows, &s); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatus writes a connection status transition.
func (db *DB) UpdateSessionStatus(id string, u StatusUpdate) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE sessions SET
			status = ?,
			pairing_code = ?,
			phone_identity = CASE WHEN ? THEN '' WHEN ? != '' THEN ? ELSE phone_identity END,
			last_connected_at = CASE WHEN ? THEN ? ELSE last_connected_at END,
			updated_at = ?
		WHERE id = ?`,
		u.Status, u.PairingCode,
		u.ClearIdentity, u.PhoneIdentity, u.PhoneIdentity,
		u.Connected, now,
		now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update status: session %q not found", id)
	}
	return nil
}

// SetSyncState sets the syncing flag and progress string.
func (db *DB) SetSyncState(id string, syncing bool, progress string) error {
	_, err := db.Exec(`UPDATE sessions SET is_syncing = ?, sync_progress = ?, updated_at = ? WHERE id = ?`,
		syncing, progress, time.Now().UnixMilli(), id)
	return err
}

// SetSyncProgress updates the human-readable progress string.
func (db *DB) SetSyncProgress(id, progress string) error {
	_, err := db.Exec(`UPDATE sessions SET sync_progress = ?, updated_at = ? WHERE id = ?`,
		progress, time.Now().UnixMilli(), id)
	return err
}

// EndSync clears the syncing flag and keeps the last progress string.
func (db *DB) EndSync(id string) error {
	_, err := db.Exec(`UPDATE sessions SET is_syncing = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	return err
}

// ResetSyncing clears the syncing flag of every session. Flags left set
// by a previous process describe work that no longer runs.
func (db *DB) ResetSyncing() (int64, error) {
	res, err := db.Exec(`UPDATE sessions SET is_syncing = 0, sync_progress = '', updated_at = ? WHERE is_syncing = 1`,
		time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FinishHistorySync stamps last_history_sync_at. The syncing flag is
// cleared separately once every sync task of the connection is done.
func (db *DB) FinishHistorySync(id string, at time.Time, progress string) error {
	_, err := db.Exec(`UPDATE sessions SET sync_progress = ?, last_history_sync_at = ?, updated_at = ? WHERE id = ?`,
		progress, at.UnixMilli(), time.Now().UnixMilli(), id)
	return err
}

// FinishContactSync stamps last_contact_sync_at.
func (db *DB) FinishContactSync(id string, at time.Time) error {
	_, err := db.Exec(`UPDATE sessions SET last_contact_sync_at = ?, updated_at = ? WHERE id = ?`,
		at.UnixMilli(), time.Now().UnixMilli(), id)
	return err
}

// SetRetentionDays changes the retention window of a session.
func (db *DB) SetRetentionDays(id string, days int) error {
	_, err := db.Exec(`UPDATE sessions SET retention_days = ?, updated_at = ? WHERE id = ?`,
		days, time.Now().UnixMilli(), id)
	return err
}
