package api

import (
	"github.com/matheus3301/wppcrm/internal/queue"
	"github.com/matheus3301/wppcrm/internal/store"
)

// Session is the wire form of a session row.
type Session struct {
	ID                  string `json:"id"`
	Status              string `json:"status"`
	Live                bool   `json:"live"`
	PhoneIdentity       string `json:"phone_identity,omitempty"`
	RetentionDays       int    `json:"retention_days"`
	SyncHistoryEnabled  bool   `json:"sync_history_enabled"`
	SyncContactsEnabled bool   `json:"sync_contacts_enabled"`
	AutoReplyEnabled    bool   `json:"auto_reply_enabled"`
	IsSyncing           bool   `json:"is_syncing"`
	SyncProgress        string `json:"sync_progress,omitempty"`
	LastConnectedAtMs   int64  `json:"last_connected_at_ms,omitempty"`
	LastHistorySyncAtMs int64  `json:"last_history_sync_at_ms,omitempty"`
	LastContactSyncAtMs int64  `json:"last_contact_sync_at_ms,omitempty"`
	MessageCount        int64  `json:"message_count"`
	ChatCount           int64  `json:"chat_count"`
}

// Message is the wire form of a stored message.
type Message struct {
	ID              string `json:"id"`
	ClientMsgID     string `json:"client_msg_id,omitempty"`
	ChatID          string `json:"chat_id"`
	From            string `json:"from,omitempty"`
	To              string `json:"to,omitempty"`
	SenderName      string `json:"sender_name,omitempty"`
	Body            string `json:"body,omitempty"`
	MediaKind       string `json:"media_kind,omitempty"`
	MediaURL        string `json:"media_url,omitempty"`
	MimeType        string `json:"mime_type,omitempty"`
	FileName        string `json:"file_name,omitempty"`
	DurationSeconds uint32 `json:"duration_seconds,omitempty"`
	IsFromMe        bool   `json:"is_from_me"`
	IsRead          bool   `json:"is_read"`
	Status          string `json:"status"`
	TimestampUnixMs int64  `json:"timestamp_unix_ms"`
}

// Chat is the wire form of a conversation summary.
type Chat struct {
	ID                  string `json:"id"`
	Name                string `json:"name,omitempty"`
	IsGroup             bool   `json:"is_group"`
	UnreadCount         int    `json:"unread_count"`
	LastMessageAtUnixMs int64  `json:"last_message_at_unix_ms"`
	LastMessagePreview  string `json:"last_message_preview,omitempty"`
}

// PageInfo reports whether more rows follow.
type PageInfo struct {
	HasMore bool `json:"has_more"`
}

type ConnectRequest struct {
	SessionID     string `json:"session_id"`
	RetentionDays int    `json:"retention_days"`
	SyncHistory   bool   `json:"sync_history"`
	SyncContacts  bool   `json:"sync_contacts"`
	AutoReply     bool   `json:"auto_reply"`
}

// ConnectResponse carries the pairing code, also rendered as a PNG QR,
// when the device still has to be linked.
type ConnectResponse struct {
	Status      string `json:"status"`
	PairingCode string `json:"pairing_code,omitempty"`
	PairingQR   []byte `json:"pairing_qr,omitempty"`
}

type SessionRequest struct {
	SessionID string `json:"session_id"`
}

type DisconnectResponse struct {
	Status string `json:"status"`
}

type StatusResponse struct {
	Session Session `json:"session"`
}

type ListSessionsRequest struct{}

type ListSessionsResponse struct {
	Sessions []Session `json:"sessions"`
}

type UpdateSettingsRequest struct {
	SessionID     string `json:"session_id"`
	RetentionDays int    `json:"retention_days"`
	SyncHistory   bool   `json:"sync_history"`
	SyncContacts  bool   `json:"sync_contacts"`
	AutoReply     bool   `json:"auto_reply"`
}

type UpdateSettingsResponse struct {
	Deleted int64 `json:"deleted"`
}

// WatchEventsRequest filters bus events by kind prefix, e.g. "message.".
// An empty session id watches every session.
type WatchEventsRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
}

// EventEnvelope is one bus event on the wire.
type EventEnvelope struct {
	EventID          string `json:"event_id"`
	SessionID        string `json:"session_id"`
	Kind             string `json:"kind"`
	OccurredAtUnixMs int64  `json:"occurred_at_unix_ms"`
	Payload          any    `json:"payload,omitempty"`
}

type SendRequest struct {
	SessionID   string `json:"session_id"`
	To          string `json:"to"`
	Text        string `json:"text"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

type SendResponse struct {
	ClientMsgID string `json:"client_msg_id"`
	Accepted    bool   `json:"accepted"`
}

type MarkReadRequest struct {
	SessionID string `json:"session_id"`
	ChatID    string `json:"chat_id"`
}

type MarkReadResponse struct{}

type ListMessagesRequest struct {
	SessionID    string `json:"session_id"`
	ChatID       string `json:"chat_id"`
	BeforeUnixMs int64  `json:"before_unix_ms,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	PageInfo PageInfo  `json:"page_info"`
}

type SearchMessagesRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
	ChatID    string `json:"chat_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// SearchResult is a message with its highlighted snippet.
type SearchResult struct {
	Message Message `json:"message"`
	Snippet string  `json:"snippet"`
}

type SearchMessagesResponse struct {
	Results  []SearchResult `json:"results"`
	PageInfo PageInfo       `json:"page_info"`
}

type ListChatsRequest struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

type ListChatsResponse struct {
	Chats    []Chat   `json:"chats"`
	PageInfo PageInfo `json:"page_info"`
}

type SyncContactsResponse struct {
	Synced int `json:"synced"`
}

type SyncHistoryRequest struct {
	SessionID string `json:"session_id"`
	Days      int    `json:"days"`
}

type SyncHistoryResponse struct {
	Accepted bool `json:"accepted"`
}

type CleanRequest struct {
	SessionID string `json:"session_id"`
	Days      int    `json:"days"`
}

type CleanResponse struct {
	Deleted int64 `json:"deleted"`
}

type JobStatsRequest struct{}

type JobStatsResponse struct {
	Queues []queue.Stats `json:"queues"`
}

type ListFailedRequest struct {
	Queue string `json:"queue"`
}

// Job is the wire form of a failed job.
type Job struct {
	ID          string `json:"id"`
	Queue       string `json:"queue"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`
	Payload     string `json:"payload"`
	FinishedAt  int64  `json:"finished_at_unix_ms"`
}

type ListFailedResponse struct {
	Jobs []Job `json:"jobs"`
}

func messageToWire(m *store.Message) Message {
	return Message{
		ID:              m.ProviderMessageID,
		ClientMsgID:     m.ClientMsgID,
		ChatID:          m.ChatID,
		From:            m.From,
		To:              m.To,
		SenderName:      m.SenderName,
		Body:            m.Body,
		MediaKind:       string(m.Media.Kind),
		MediaURL:        m.Media.URL,
		MimeType:        m.Media.MimeType,
		FileName:        m.Media.FileName,
		DurationSeconds: m.Media.DurationSeconds,
		IsFromMe:        m.IsFromMe,
		IsRead:          m.IsRead,
		Status:          m.Status,
		TimestampUnixMs: m.Timestamp,
	}
}

func chatToWire(c *store.Chat) Chat {
	return Chat{
		ID:                  c.ID,
		Name:                c.Name,
		IsGroup:             c.IsGroup,
		UnreadCount:         c.UnreadCount,
		LastMessageAtUnixMs: c.LastMessageAt,
		LastMessagePreview:  c.LastMessagePreview,
	}
}
