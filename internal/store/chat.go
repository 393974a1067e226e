package store

import "strings"

// ListChats returns the conversations of a session sorted by last message
// timestamp descending. Names come from the matching contact, falling back
// to the chat id.
func (db *DB) ListChats(sessionID string, limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT m.chat_id,
			COALESCE((SELECT NULLIF(c.name, '') FROM contacts c
				WHERE c.session_id = m.session_id AND c.provider_identifier = m.chat_id
				ORDER BY c.id LIMIT 1), m.chat_id),
			SUM(CASE WHEN m.is_read = 0 AND m.is_from_me = 0 THEN 1 ELSE 0 END),
			MAX(m.timestamp),
			COALESCE((SELECT l.body FROM messages l
				WHERE l.session_id = m.session_id AND l.chat_id = m.chat_id
				ORDER BY l.timestamp DESC, l.id DESC LIMIT 1), '')
		FROM messages m
		WHERE m.session_id = ?
		GROUP BY m.chat_id
		ORDER BY MAX(m.timestamp) DESC
		LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Name, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		c.IsGroup = strings.HasSuffix(c.ID, "@g.us")
		c.LastMessagePreview = truncate(c.LastMessagePreview, 100)
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// ChatCount returns the number of distinct chats of a session.
func (db *DB) ChatCount(sessionID string) (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(DISTINCT chat_id) FROM messages WHERE session_id = ?`, sessionID).Scan(&count)
	return count, err
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
