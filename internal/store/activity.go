package store

import "time"

// AddActivity appends to the CRM activity log. A repeated
// (session, message, kind) triple is ignored; reports whether a row was written.
func (db *DB) AddActivity(a *Activity) (bool, error) {
	if a.CreatedAt == 0 {
		a.CreatedAt = time.Now().UnixMilli()
	}
	res, err := db.Exec(`
		INSERT INTO activities (session_id, contact_id, kind, message_id, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		a.SessionID, a.ContactID, a.Kind, a.MessageID, a.Summary, a.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if n > 0 {
		a.ID, _ = res.LastInsertId()
	}
	return n > 0, err
}

// ListActivities returns the most recent activity entries of a session.
func (db *DB) ListActivities(sessionID string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, session_id, contact_id, kind, message_id, summary, created_at
		FROM activities WHERE session_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.SessionID, &a.ContactID, &a.Kind, &a.MessageID, &a.Summary, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
