package store

import (
	"database/sql"
	"time"
)

const contactColumns = `id, session_id, name, phone, avatar_url, provider_identifier, synced_from_provider, created_at, updated_at`

func scanContact(s scanner, c *Contact) error {
	return s.Scan(&c.ID, &c.SessionID, &c.Name, &c.Phone, &c.AvatarURL, &c.ProviderIdentifier,
		&c.SyncedFromProvider, &c.CreatedAt, &c.UpdatedAt)
}

// FindContact looks a contact up by provider identifier or phone.
// Returns nil if neither matches.
func (db *DB) FindContact(sessionID, identifier, phone string) (*Contact, error) {
	var c Contact
	err := scanContact(db.QueryRow(`SELECT `+contactColumns+` FROM contacts
		WHERE session_id = ?
			AND ((? != '' AND provider_identifier = ?) OR (? != '' AND phone = ?))
		ORDER BY CASE WHEN provider_identifier = ? THEN 0 ELSE 1 END, id
		LIMIT 1`,
		sessionID, identifier, identifier, phone, phone, identifier), &c)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetContact returns a contact by id, or nil if absent.
func (db *DB) GetContact(id int64) (*Contact, error) {
	var c Contact
	err := scanContact(db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id), &c)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateContact inserts a contact and sets its ID.
func (db *DB) CreateContact(c *Contact) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO contacts (session_id, name, phone, avatar_url, provider_identifier, synced_from_provider, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SessionID, c.Name, c.Phone, c.AvatarURL, c.ProviderIdentifier, c.SyncedFromProvider, now, now)
	if err != nil {
		return err
	}
	c.ID, _ = res.LastInsertId()
	c.CreatedAt, c.UpdatedAt = now, now
	return nil
}

// FillContact sets name, avatar and provider identifier only where the
// stored value is empty. User-authored values are never overwritten.
// Reports whether anything changed.
func (db *DB) FillContact(id int64, name, avatarURL, identifier string) (bool, error) {
	res, err := db.Exec(`
		UPDATE contacts SET
			name = CASE WHEN name = '' THEN ? ELSE name END,
			avatar_url = CASE WHEN avatar_url = '' THEN ? ELSE avatar_url END,
			provider_identifier = CASE WHEN provider_identifier = '' THEN ? ELSE provider_identifier END,
			updated_at = ?
		WHERE id = ?
			AND ((name = '' AND ? != '') OR (avatar_url = '' AND ? != '') OR (provider_identifier = '' AND ? != ''))`,
		name, avatarURL, identifier, time.Now().UnixMilli(), id,
		name, avatarURL, identifier)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListContacts returns all contacts of a session ordered by name.
func (db *DB) ListContacts(sessionID string) ([]Contact, error) {
	rows, err := db.Query(`SELECT `+contactColumns+` FROM contacts WHERE session_id = ? ORDER BY name, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := scanContact(rows, &c); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}
