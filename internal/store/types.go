package store

// Session is the durable record of one provider connection.
type Session struct {
	ID                  string
	Status              string
	PhoneIdentity       string
	PairingCode         string
	RetentionDays       int
	SyncContactsEnabled bool
	SyncHistoryEnabled  bool
	AutoReplyEnabled    bool
	IsSyncing           bool
	SyncProgress        string
	LastConnectedAt     int64
	LastHistorySyncAt   int64
	LastContactSyncAt   int64
	CreatedAt           int64
	UpdatedAt           int64
}

// SessionSettings are the operator-controlled fields of a session.
type SessionSettings struct {
	RetentionDays       int
	SyncContactsEnabled bool
	SyncHistoryEnabled  bool
	AutoReplyEnabled    bool
}

// StatusUpdate describes a connection status write.
type StatusUpdate struct {
	Status        string
	PhoneIdentity string // kept when empty unless ClearIdentity is set
	PairingCode   string
	ClearIdentity bool
	Connected     bool // stamps last_connected_at
}

// MediaKind tags the media variant carried by a message.
type MediaKind string

const (
	MediaNone      MediaKind = ""
	MediaImage     MediaKind = "image"
	MediaVideo     MediaKind = "video"
	MediaAudio     MediaKind = "audio"
	MediaVoiceNote MediaKind = "voice-note"
	MediaDocument  MediaKind = "document"
	MediaSticker   MediaKind = "sticker"
)

// Media is the attachment of a message. Kind selects which of the
// optional fields are meaningful: DurationSeconds for audio, video and
// voice notes, FileName for documents.
type Media struct {
	Kind            MediaKind
	URL             string
	MimeType        string
	DurationSeconds uint32
	FileName        string
}

// IsNone reports whether the message has no attachment.
func (m Media) IsNone() bool {
	return m.Kind == MediaNone
}

// Folder returns the object storage folder for this media kind.
func (m Media) Folder() string {
	switch m.Kind {
	case MediaImage:
		return "images"
	case MediaVideo:
		return "videos"
	case MediaAudio:
		return "audio"
	case MediaVoiceNote:
		return "voice-notes"
	case MediaDocument:
		return "documents"
	case MediaSticker:
		return "stickers"
	default:
		return "misc"
	}
}

// Message statuses.
const (
	StatusReceived = "received"
	StatusSending  = "sending"
	StatusSent     = "sent"
	StatusFailed   = "failed"
)

// Message represents a stored chat message.
type Message struct {
	ID                int64
	SessionID         string
	ProviderMessageID string
	ClientMsgID       string
	ChatID            string
	From              string
	To                string
	SenderName        string
	Body              string
	Media             Media
	MediaRef          []byte
	IsFromMe          bool
	IsRead            bool
	Status            string
	Timestamp         int64
}

// ReadTarget identifies an unread inbound message for a read receipt.
type ReadTarget struct {
	ProviderMessageID string
	From              string
}

// ChatRef is a distinct chat seen in the message store.
type ChatRef struct {
	ChatID   string
	PushName string
}

// Chat is a conversation summary derived from stored messages.
type Chat struct {
	ID                 string
	Name               string
	IsGroup            bool
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Contact is a CRM contact.
type Contact struct {
	ID                 int64
	SessionID          string
	Name               string
	Phone              string
	AvatarURL          string
	ProviderIdentifier string
	SyncedFromProvider bool
	CreatedAt          int64
	UpdatedAt          int64
}

// Activity is an entry of the CRM activity log.
type Activity struct {
	ID        int64
	SessionID string
	ContactID int64
	Kind      string
	MessageID string
	Summary   string
	CreatedAt int64
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
