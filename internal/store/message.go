package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `id, session_id, COALESCE(provider_message_id, ''), COALESCE(client_msg_id, ''),
	chat_id, from_id, to_id, sender_name, body,
	media_kind, media_url, media_mime_type, media_duration_seconds, media_file_name,
	is_from_me, is_read, status, timestamp`

func scanMessage(s scanner, m *Message) error {
	return s.Scan(&m.ID, &m.SessionID, &m.ProviderMessageID, &m.ClientMsgID,
		&m.ChatID, &m.From, &m.To, &m.SenderName, &m.Body,
		&m.Media.Kind, &m.Media.URL, &m.Media.MimeType, &m.Media.DurationSeconds, &m.Media.FileName,
		&m.IsFromMe, &m.IsRead, &m.Status, &m.Timestamp)
}

func insertMessage(x execer, m *Message) (bool, error) {
	if m.Status == "" {
		m.Status = StatusReceived
	}
	res, err := x.Exec(`
		INSERT INTO messages (session_id, provider_message_id, client_msg_id, chat_id, from_id, to_id, sender_name, body,
			media_kind, media_url, media_mime_type, media_duration_seconds, media_file_name, media_ref,
			is_from_me, is_read, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		m.SessionID, nullable(m.ProviderMessageID), nullable(m.ClientMsgID), m.ChatID, m.From, m.To, m.SenderName, m.Body,
		m.Media.Kind, m.Media.URL, m.Media.MimeType, m.Media.DurationSeconds, m.Media.FileName, m.MediaRef,
		m.IsFromMe, m.IsRead, m.Status, m.Timestamp, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	m.ID, _ = res.LastInsertId()
	return true, nil
}

// UpsertMessage stores a provider message keyed by (session_id,
// provider_message_id). A repeated id is a no-op and leaves the stored
// row untouched. Reports whether a new row was written.
func (db *DB) UpsertMessage(m *Message) (bool, error) {
	if m.ProviderMessageID == "" {
		return false, errors.New("upsert message: provider message id is required")
	}
	return insertMessage(db, m)
}

// UpsertMessages stores a batch of provider messages in one transaction
// and returns how many were new.
func (db *DB) UpsertMessages(msgs []*Message) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, m := range msgs {
		if m.ProviderMessageID == "" {
			continue
		}
		ok, err := insertMessage(tx, m)
		if err != nil {
			return 0, fmt.Errorf("upsert message %q: %w", m.ProviderMessageID, err)
		}
		if ok {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// InsertOutgoing records a locally originated message before the provider
// has confirmed it. The row is keyed by ClientMsgID; when a row with the
// same key exists it is returned instead.
func (db *DB) InsertOutgoing(m *Message) (*Message, error) {
	if m.ClientMsgID == "" {
		return nil, errors.New("insert outgoing: client message id is required")
	}
	m.IsFromMe = true
	m.IsRead = true
	if m.Status == "" {
		m.Status = StatusSending
	}
	if _, err := insertMessage(db, m); err != nil {
		return nil, err
	}
	return db.GetMessageByClientID(m.ClientMsgID)
}

// ConfirmSent attaches the provider id to a locally originated message.
// If the provider id was already ingested through the live stream the
// local row is dropped so only one row per provider id survives.
func (db *DB) ConfirmSent(sessionID, clientMsgID, providerMessageID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int64
	err = tx.QueryRow(`SELECT id FROM messages WHERE session_id = ? AND provider_message_id = ?`,
		sessionID, providerMessageID).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.Exec(`UPDATE messages SET provider_message_id = ?, status = ? WHERE client_msg_id = ?`,
			providerMessageID, StatusSent, clientMsgID); err != nil {
			return fmt.Errorf("confirm sent: %w", err)
		}
	case err != nil:
		return err
	default:
		if _, err := tx.Exec(`DELETE FROM messages WHERE client_msg_id = ? AND id != ?`, clientMsgID, existing); err != nil {
			return fmt.Errorf("drop duplicate local row: %w", err)
		}
		if _, err := tx.Exec(`UPDATE messages SET status = ?, client_msg_id = ? WHERE id = ?`,
			StatusSent, clientMsgID, existing); err != nil {
			return fmt.Errorf("confirm sent: %w", err)
		}
	}
	return tx.Commit()
}

// MarkSendFailed flags a locally originated message as failed.
func (db *DB) MarkSendFailed(clientMsgID string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE client_msg_id = ? AND status != ?`,
		StatusFailed, clientMsgID, StatusSent)
	return err
}

// GetMessage returns a message by provider id, or nil if absent.
func (db *DB) GetMessage(sessionID, providerMessageID string) (*Message, error) {
	var m Message
	err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages
		WHERE session_id = ? AND provider_message_id = ?`, sessionID, providerMessageID), &m)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessageByClientID returns a locally originated message, or nil if absent.
func (db *DB) GetMessageByClientID(clientMsgID string) (*Message, error) {
	var m Message
	err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE client_msg_id = ?`, clientMsgID), &m)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// MediaRef returns the provider download reference stored with a message.
func (db *DB) MediaRef(sessionID, providerMessageID string) ([]byte, error) {
	var ref []byte
	err := db.QueryRow(`SELECT media_ref FROM messages WHERE session_id = ? AND provider_message_id = ?`,
		sessionID, providerMessageID).Scan(&ref)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ref, err
}

// SetMediaURL back-fills the public URL of an offloaded attachment.
func (db *DB) SetMediaURL(sessionID, providerMessageID, url string) error {
	res, err := db.Exec(`UPDATE messages SET media_url = ? WHERE session_id = ? AND provider_message_id = ?`,
		url, sessionID, providerMessageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set media url: message %q not found", providerMessageID)
	}
	return nil
}

// UnreadInbound lists unread inbound messages of a chat.
func (db *DB) UnreadInbound(sessionID, chatID string) ([]ReadTarget, error) {
	rows, err := db.Query(`
		SELECT provider_message_id, from_id FROM messages
		WHERE session_id = ? AND chat_id = ? AND is_read = 0 AND is_from_me = 0 AND provider_message_id IS NOT NULL
		ORDER BY timestamp ASC`, sessionID, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var targets []ReadTarget
	for rows.Next() {
		var t ReadTarget
		if err := rows.Scan(&t.ProviderMessageID, &t.From); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// MarkChatRead flags every inbound message of a chat as read.
func (db *DB) MarkChatRead(sessionID, chatID string) (int64, error) {
	res, err := db.Exec(`UPDATE messages SET is_read = 1 WHERE session_id = ? AND chat_id = ? AND is_read = 0`,
		sessionID, chatID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListMessages returns messages for a chat using keyset pagination by timestamp.
func (db *DB) ListMessages(sessionID, chatID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`SELECT `+messageColumns+` FROM messages
		WHERE session_id = ? AND chat_id = ? AND timestamp < ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, sessionID, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteMessagesBefore removes every message of a session older than cutoff (unix ms).
func (db *DB) DeleteMessagesBefore(sessionID string, cutoff int64) (int64, error) {
	res, err := db.Exec(`DELETE FROM messages WHERE session_id = ? AND timestamp < ?`, sessionID, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DistinctChats returns every chat id seen for a session, with the most
// recent non-empty push name of the other party.
func (db *DB) DistinctChats(sessionID string) ([]ChatRef, error) {
	rows, err := db.Query(`
		SELECT chat_id, COALESCE(MAX(CASE WHEN is_from_me = 0 AND sender_name != '' THEN sender_name END), '')
		FROM messages
		WHERE session_id = ?
		GROUP BY chat_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var refs []ChatRef
	for rows.Next() {
		var r ChatRef
		if err := rows.Scan(&r.ChatID, &r.PushName); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// MessageCount returns the number of stored messages of a session.
func (db *DB) MessageCount(sessionID string) (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count)
	return count, err
}

// OldestPerChat returns the oldest provider message of every chat, the
// anchors for on-demand history requests.
func (db *DB) OldestPerChat(sessionID string) ([]Message, error) {
	rows, err := db.Query(`SELECT `+messageColumns+` FROM messages m
		WHERE session_id = ? AND id = (
			SELECT m2.id FROM messages m2
			WHERE m2.session_id = m.session_id AND m2.chat_id = m.chat_id AND m2.provider_message_id IS NOT NULL
			ORDER BY m2.timestamp ASC, m2.id ASC LIMIT 1)
		ORDER BY chat_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
