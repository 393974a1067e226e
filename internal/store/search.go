package store

// SearchMessages performs a full-text search on message bodies of a session.
func (db *DB) SearchMessages(sessionID, query, chatID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.session_id, COALESCE(m.provider_message_id, ''), COALESCE(m.client_msg_id, ''),
		       m.chat_id, m.from_id, m.to_id, m.sender_name, m.body,
		       m.media_kind, m.media_url, m.media_mime_type, m.media_duration_seconds, m.media_file_name,
		       m.is_from_me, m.is_read, m.status, m.timestamp,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ? AND m.session_id = ?`

	args := []any{query, sessionID}
	if chatID != "" {
		q += " AND m.chat_id = ?"
		args = append(args, chatID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		m := &r.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.ProviderMessageID, &m.ClientMsgID,
			&m.ChatID, &m.From, &m.To, &m.SenderName, &m.Body,
			&m.Media.Kind, &m.Media.URL, &m.Media.MimeType, &m.Media.DurationSeconds, &m.Media.FileName,
			&m.IsFromMe, &m.IsRead, &m.Status, &m.Timestamp, &r.Snippet); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
