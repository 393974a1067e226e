package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wppcrm/internal/bus"
	"github.com/matheus3301/wppcrm/internal/connection"
	"github.com/matheus3301/wppcrm/internal/queue"
	"github.com/matheus3301/wppcrm/internal/status"
	"github.com/matheus3301/wppcrm/internal/store"
	intsync "github.com/matheus3301/wppcrm/internal/sync"
)

// SendAck is the payload of message.send_ack events.
type SendAck struct {
	ClientMsgID       string
	ProviderMessageID string
}

// SendFailed is the payload of message.send_failed events.
type SendFailed struct {
	ClientMsgID string
	Error       string
	Final       bool
}

// ChatID turns a bare phone number into a user identifier.
func ChatID(to string) string {
	if strings.Contains(to, "@") {
		return to
	}
	return strings.TrimPrefix(to, "+") + "@s.whatsapp.net"
}

// outbound sends one text message. The local row is written first so the
// message shows up right away; a client id already sent is a no-op.
func (w *Workers) outbound(ctx context.Context, job *queue.Job) error {
	var p OutboundJob
	if err := decode(job, &p); err != nil {
		return err
	}
	if p.ClientMsgID == "" || p.To == "" {
		return queue.Permanent(fmt.Errorf("outbound job %s: client id and recipient are required", job.ID))
	}
	log := w.logger.With(zap.String("session", p.SessionID), zap.String("client_msg_id", p.ClientMsgID))

	chatID := ChatID(p.To)
	row, err := w.db.InsertOutgoing(&store.Message{
		SessionID:   p.SessionID,
		ClientMsgID: p.ClientMsgID,
		ChatID:      chatID,
		To:          chatID,
		Body:        p.Text,
		Timestamp:   time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("insert outgoing: %w", err)
	}
	if row.Status == store.StatusSent {
		log.Debug("message already sent")
		return nil
	}
	w.bus.Emit(bus.MessageUpserted, p.SessionID, intsync.Upserted{ChatID: chatID, IsFromMe: true})

	providerID, err := w.conns.SendMessage(ctx, p.SessionID, chatID, p.Text)
	if err != nil {
		if errors.Is(err, connection.ErrNotConnected) && w.sessionDown(p.SessionID) {
			err = queue.Permanent(err)
		}
		final := queue.IsPermanent(err) || job.Attempts >= job.MaxAttempts
		log.Warn("failed to send message", zap.Int("attempt", job.Attempts), zap.Bool("final", final), zap.Error(err))
		if markErr := w.db.MarkSendFailed(p.ClientMsgID); markErr != nil {
			log.Error("failed to mark message failed", zap.Error(markErr))
		}
		w.bus.Emit(bus.MessageSendFailed, p.SessionID, SendFailed{ClientMsgID: p.ClientMsgID, Error: err.Error(), Final: final})
		return err
	}

	if err := w.db.ConfirmSent(p.SessionID, p.ClientMsgID, providerID); err != nil {
		return queue.Permanent(fmt.Errorf("confirm sent: %w", err))
	}
	log.Info("message sent", zap.String("msg_id", providerID))
	w.bus.Emit(bus.MessageSendAck, p.SessionID, SendAck{ClientMsgID: p.ClientMsgID, ProviderMessageID: providerID})
	return nil
}

// sessionDown reports whether the session is stored as logged out or
// failed. Nothing reconnects such a session on its own, so retrying the
// send cannot succeed.
func (w *Workers) sessionDown(id string) bool {
	sess, err := w.db.GetSession(id)
	if err != nil {
		return false
	}
	if sess == nil {
		return true
	}
	switch status.ParseState(sess.Status) {
	case status.Disconnected, status.Error:
		return true
	}
	return false
}
