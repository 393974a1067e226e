// Package sync keeps the message store in step with the provider: live
// ingestion, history backlog replay, contact enrichment and retention.
package sync

import (
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wppcrm/internal/bus"
	"github.com/matheus3301/wppcrm/internal/store"
)

// Dispatcher hands stored messages to the asynchronous workers.
type Dispatcher interface {
	Inbound(sessionID, providerMessageID string) error
	MediaDownload(sessionID, providerMessageID string) error
}

// Upserted is the payload of message.upserted events.
type Upserted struct {
	ChatID            string
	ProviderMessageID string
	IsFromMe          bool
	HasMedia          bool
}

// Engine handles idempotent ingestion of live messages.
type Engine struct {
	db       *store.DB
	bus      *bus.Bus
	dispatch Dispatcher
	logger   *zap.Logger
}

// NewEngine creates a new ingestion engine. dispatch may be nil.
func NewEngine(db *store.DB, b *bus.Bus, dispatch Dispatcher, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{db: db, bus: b, dispatch: dispatch, logger: logger}
}

// IngestMessage stores a live message. A redelivered provider id is a
// no-op and reports false. New rows are announced on the bus and handed to
// the inbound and media workers; ingestion never waits for either.
func (e *Engine) IngestMessage(msg *store.Message) (bool, error) {
	inserted, err := e.db.UpsertMessage(msg)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}

	e.bus.Publish(bus.Event{
		Kind:      bus.MessageUpserted,
		SessionID: msg.SessionID,
		Timestamp: time.Now(),
		Payload: Upserted{
			ChatID:            msg.ChatID,
			ProviderMessageID: msg.ProviderMessageID,
			IsFromMe:          msg.IsFromMe,
			HasMedia:          !msg.Media.IsNone(),
		},
	})

	if e.dispatch == nil {
		return true, nil
	}
	if err := e.dispatch.Inbound(msg.SessionID, msg.ProviderMessageID); err != nil {
		e.logger.Error("failed to enqueue inbound job", zap.Error(err), zap.String("msg_id", msg.ProviderMessageID))
	}
	if !msg.Media.IsNone() {
		if err := e.dispatch.MediaDownload(msg.SessionID, msg.ProviderMessageID); err != nil {
			e.logger.Error("failed to enqueue media download", zap.Error(err), zap.String("msg_id", msg.ProviderMessageID))
		}
	}
	return true, nil
}

// CutoffFor returns the start of the day that lies days before now, in
// now's location. Messages strictly older fall outside the window.
func CutoffFor(now time.Time, days int) time.Time {
	y, m, d := now.AddDate(0, 0, -days).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}
