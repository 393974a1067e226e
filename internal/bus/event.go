package bus

import "time"

// Event kinds published by the chat core. Subscribers filter by prefix,
// e.g. "session." or "message.".
const (
	SessionStatusChanged = "session.status_changed"
	SessionPairingCode   = "session.pairing_code"
	SessionLoggedOut     = "session.logged_out"

	SyncHistoryProgress = "sync.history_progress"
	SyncHistoryDone     = "sync.history_done"
	SyncContactsDone    = "sync.contacts_done"
	SyncRetentionSwept  = "sync.retention_swept"

	MessageUpserted   = "message.upserted"
	MessageSendAck    = "message.send_ack"
	MessageSendFailed = "message.send_failed"
	MessageMediaReady = "message.media_ready"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	SessionID string
	Timestamp time.Time
	Payload   any
}
