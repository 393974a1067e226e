package wa

import (
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"

	"github.com/matheus3301/wppcrm/internal/store"
)

// Event is a provider occurrence translated into domain terms. The set of
// variants is closed.
type Event interface {
	isEvent()
}

// PairingCode carries a fresh QR pairing code.
type PairingCode struct {
	Code string
}

// Opened signals an authenticated, usable connection.
type Opened struct {
	PhoneIdentity string
}

// Closed signals the connection went away. LoggedOut means credentials are void.
type Closed struct {
	LoggedOut bool
	Reason    string
}

// Failed signals the connection could not be set up.
type Failed struct {
	Err error
}

// IncomingMessage is a live message, inbound or echoed from another device.
type IncomingMessage struct {
	Message *store.Message
}

// HistoryBatch is one provider history payload.
type HistoryBatch struct {
	Messages []*store.Message
	Contacts []ContactInfo
	Final    bool
}

// ContactUpdated carries a provider-side name change.
type ContactUpdated struct {
	Contact ContactInfo
}

// ContactInfo is a provider-side contact hint.
type ContactInfo struct {
	Identifier string
	Name       string
}

func (PairingCode) isEvent()     {}
func (Opened) isEvent()          {}
func (Closed) isEvent()          {}
func (Failed) isEvent()          {}
func (IncomingMessage) isEvent() {}
func (HistoryBatch) isEvent()    {}
func (ContactUpdated) isEvent()  {}

// handle translates whatsmeow events and forwards them to the session handler.
func (c *Client) handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		c.logger.Info("WhatsApp connected")
		c.emit(Opened{PhoneIdentity: c.PhoneIdentity()})
	case *events.Disconnected:
		c.logger.Warn("WhatsApp disconnected")
		c.emit(Closed{Reason: "disconnected"})
	case *events.StreamReplaced:
		c.logger.Warn("WhatsApp stream replaced")
		c.emit(Closed{Reason: "stream replaced"})
	case *events.ConnectFailure:
		c.logger.Warn("WhatsApp connect failure", zap.String("reason", evt.Reason.String()))
		c.emit(Closed{LoggedOut: evt.Reason.IsLoggedOut(), Reason: evt.Reason.String()})
	case *events.LoggedOut:
		c.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		c.emit(Closed{LoggedOut: true, Reason: evt.Reason.String()})
	case *events.Message:
		info := evt.Info
		info.Sender = c.resolveLID(info.Sender)
		if m := parseMessage(c.sessionID, c.PhoneIdentity(), info, evt.Message); m != nil {
			c.emit(IncomingMessage{Message: m})
		}
	case *events.HistorySync:
		if evt.Data == nil {
			return
		}
		batch := parseHistory(c.sessionID, c.PhoneIdentity(), evt.Data)
		c.logger.Info("history payload received",
			zap.String("type", evt.Data.GetSyncType().String()),
			zap.Int("messages", len(batch.Messages)),
			zap.Bool("final", batch.Final))
		c.emit(batch)
	case *events.PushName:
		c.emit(ContactUpdated{Contact: ContactInfo{
			Identifier: evt.JID.ToNonAD().String(),
			Name:       evt.NewPushName,
		}})
	case *events.Contact:
		if name := evt.Action.GetFullName(); name != "" {
			c.emit(ContactUpdated{Contact: ContactInfo{
				Identifier: evt.JID.ToNonAD().String(),
				Name:       name,
			}})
		}
	}
}

func (c *Client) emit(ev Event) {
	if c.handler != nil {
		c.handler(ev)
	}
}
