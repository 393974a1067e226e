package wa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/matheus3301/wppcrm/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

var errPairingTimeout = errors.New("pairing timed out")

// Dialer opens whatsmeow clients backed by per-session keystores.
type Dialer struct {
	logger *zap.Logger
}

// NewDialer creates a dialer and sets the device name shown on the phone.
func NewDialer(logger *zap.Logger) *Dialer {
	wastore.SetOSInfo("WPP-CRM", [3]uint32{0, 1, 0})
	return &Dialer{logger: logger}
}

// Dial opens the keystore at keystorePath and returns a client that is not
// yet connected. Events are delivered to handler in provider order.
func (d *Dialer) Dial(ctx context.Context, sessionID, keystorePath string, handler func(Event)) (*Client, error) {
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", keystorePath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("get device store: %w", err)
	}

	wc := whatsmeow.NewClient(device, nil)
	// The connection manager owns reconnects.
	wc.EnableAutoReconnect = false

	c := &Client{
		sessionID: sessionID,
		client:    wc,
		container: container,
		handler:   handler,
		logger:    d.logger.With(zap.String("session", sessionID)),
	}
	wc.AddEventHandler(c.handle)
	return c, nil
}

// Client is one session's provider connection.
type Client struct {
	sessionID string
	client    *whatsmeow.Client
	container *sqlstore.Container
	handler   func(Event)
	logger    *zap.Logger

	closeOnce sync.Once
	qrCancel  context.CancelFunc
}

// Connect starts the connection. Unpaired devices stream pairing codes
// first; the QR channel must be requested before connecting.
func (c *Client) Connect(ctx context.Context) error {
	if c.client.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		c.qrCancel = cancel
		qrChan, err := c.client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("get QR channel: %w", err)
		}
		go c.watchPairing(qrChan)
	}

	c.logger.Info("connecting to WhatsApp")
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (c *Client) watchPairing(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			c.emit(PairingCode{Code: item.Code})
		case "success":
			c.logger.Info("pairing succeeded")
			return
		case "timeout":
			c.emit(Failed{Err: errPairingTimeout})
			return
		default:
			if item.Error != nil {
				c.emit(Failed{Err: item.Error})
				return
			}
		}
	}
}

// Disconnect closes the socket and the keystore. Safe to call twice.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.logger.Info("disconnecting from WhatsApp")
		if c.qrCancel != nil {
			c.qrCancel()
		}
		c.client.Disconnect()
		_ = c.container.Close()
	})
}

// Logout invalidates the credentials on the provider side.
func (c *Client) Logout(ctx context.Context) error {
	return c.client.Logout(ctx)
}

// PhoneIdentity returns the paired account's user part, or empty.
func (c *Client) PhoneIdentity() string {
	if c.client == nil || c.client.Store == nil || c.client.Store.ID == nil {
		return ""
	}
	return c.client.Store.ID.ToNonAD().String()
}

// SendText sends a text message. Returns the provider message id.
func (c *Client) SendText(ctx context.Context, to, text string) (string, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	resp, err := c.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.ID, nil
}

// MarkRead sends read receipts. Group chats need one receipt per sender.
func (c *Client) MarkRead(ctx context.Context, chatID string, targets []store.ReadTarget) error {
	chat, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("parse JID: %w", err)
	}
	bySender := make(map[string][]types.MessageID)
	for _, t := range targets {
		bySender[t.From] = append(bySender[t.From], t.ProviderMessageID)
	}
	now := time.Now()
	for from, ids := range bySender {
		var sender types.JID
		if chat.Server == types.GroupServer && from != "" {
			if sender, err = types.ParseJID(from); err != nil {
				return fmt.Errorf("parse sender JID: %w", err)
			}
		}
		if err := c.client.MarkRead(ctx, ids, now, chat, sender); err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
	}
	return nil
}

// DownloadMedia fetches and decrypts the media node serialized in ref.
func (c *Client) DownloadMedia(ctx context.Context, ref []byte) ([]byte, error) {
	var msg waE2E.Message
	if err := proto.Unmarshal(ref, &msg); err != nil {
		return nil, fmt.Errorf("decode media ref: %w", err)
	}
	var d whatsmeow.DownloadableMessage
	switch {
	case msg.GetImageMessage() != nil:
		d = msg.GetImageMessage()
	case msg.GetVideoMessage() != nil:
		d = msg.GetVideoMessage()
	case msg.GetAudioMessage() != nil:
		d = msg.GetAudioMessage()
	case msg.GetDocumentMessage() != nil:
		d = msg.GetDocumentMessage()
	case msg.GetStickerMessage() != nil:
		d = msg.GetStickerMessage()
	default:
		return nil, errors.New("media ref carries no downloadable node")
	}
	return c.client.Download(ctx, d)
}

// ProfilePictureURL returns the provider URL of an avatar, or empty when unset.
func (c *Client) ProfilePictureURL(ctx context.Context, identifier string) (string, error) {
	jid, err := types.ParseJID(identifier)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	info, err := c.client.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{})
	if errors.Is(err, whatsmeow.ErrProfilePictureNotSet) || errors.Is(err, whatsmeow.ErrProfilePictureUnauthorized) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", nil
	}
	return info.URL, nil
}

// RequestHistory asks the primary device for count messages older than
// oldest in its chat. With no anchor the provider picks the newest backlog.
func (c *Client) RequestHistory(ctx context.Context, oldest *store.Message, count int) error {
	if c.client.Store.ID == nil {
		return errors.New("not paired")
	}
	var anchor *types.MessageInfo
	if oldest != nil {
		chat, err := types.ParseJID(oldest.ChatID)
		if err != nil {
			return fmt.Errorf("parse JID: %w", err)
		}
		anchor = &types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:     chat,
				IsFromMe: oldest.IsFromMe,
				IsGroup:  chat.Server == types.GroupServer,
			},
			ID:        oldest.ProviderMessageID,
			Timestamp: time.UnixMilli(oldest.Timestamp),
		}
	}
	req := c.client.BuildHistorySyncRequest(anchor, count)
	_, err := c.client.SendMessage(ctx, c.client.Store.ID.ToNonAD(), req, whatsmeow.SendRequestExtra{Peer: true})
	if err != nil {
		return fmt.Errorf("request history: %w", err)
	}
	return nil
}

// ContactNames returns provider-side names keyed by identifier.
func (c *Client) ContactNames(ctx context.Context) (map[string]string, error) {
	all, err := c.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("get contacts: %w", err)
	}
	names := make(map[string]string, len(all))
	for jid, info := range all {
		name := info.FullName
		if name == "" {
			name = info.PushName
		}
		if name != "" {
			names[jid.ToNonAD().String()] = name
		}
	}
	return names, nil
}

// ResolvePhone returns the phone number behind an identifier, following
// LID mappings. Empty when unknown.
func (c *Client) ResolvePhone(ctx context.Context, identifier string) string {
	jid, err := types.ParseJID(identifier)
	if err != nil {
		return ""
	}
	jid = c.resolveLIDContext(ctx, jid)
	if jid.Server != types.DefaultUserServer {
		return ""
	}
	return jid.User
}

func (c *Client) resolveLID(jid types.JID) types.JID {
	return c.resolveLIDContext(context.Background(), jid)
}

// resolveLIDContext maps a LID JID to its phone number JID. Returns the
// original JID when it is not a LID or resolution fails.
func (c *Client) resolveLIDContext(ctx context.Context, jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer && jid.Server != types.HostedLIDServer {
		return jid
	}
	if c.client == nil || c.client.Store == nil || c.client.Store.LIDs == nil {
		return jid
	}
	pn, err := c.client.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		return jid
	}
	return pn
}
