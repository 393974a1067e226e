package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/wppcrm/internal/ai"
	"github.com/matheus3301/wppcrm/internal/broker"
	"github.com/matheus3301/wppcrm/internal/bus"
	"github.com/matheus3301/wppcrm/internal/connection"
	"github.com/matheus3301/wppcrm/internal/media"
	"github.com/matheus3301/wppcrm/internal/queue"
	"github.com/matheus3301/wppcrm/internal/store"
	intsync "github.com/matheus3301/wppcrm/internal/sync"
)

const defaultHistoryTurns = 20

// Activity kinds.
const (
	ActivityMessageReceived = "message.received"
	ActivityMessageSent     = "message.sent"
)

// Connections is the part of the connection manager the workers use.
type Connections interface {
	SendMessage(ctx context.Context, sessionID, to, text string) (string, error)
	MediaSource(ctx context.Context, sessionID string) (connection.Transport, error)
}

// Publisher publishes JSON payloads to the broker.
type Publisher interface {
	Publish(subject string, payload any) error
}

// Replier drafts automatic answers.
type Replier interface {
	Enabled() bool
	Reply(ctx context.Context, history []ai.Turn) (string, error)
}

// Deps are the collaborators of the workers.
type Deps struct {
	DB           *store.DB
	Bus          *bus.Bus
	Queue        *queue.Service
	Enqueuer     *Enqueuer
	Conns        Connections
	Media        *media.Pipeline
	Publisher    Publisher
	AI           Replier
	AILimiter    *rate.Limiter
	HistoryTurns int
	Logger       *zap.Logger
}

// Workers implements the handler of every named queue.
type Workers struct {
	db           *store.DB
	bus          *bus.Bus
	q            *queue.Service
	enq          *Enqueuer
	conns        Connections
	media        *media.Pipeline
	pub          Publisher
	ai           Replier
	aiLimiter    *rate.Limiter
	historyTurns int
	logger       *zap.Logger
}

// New creates the workers.
func New(d Deps) *Workers {
	turns := d.HistoryTurns
	if turns <= 0 {
		turns = defaultHistoryTurns
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workers{
		db:           d.DB,
		bus:          d.Bus,
		q:            d.Queue,
		enq:          d.Enqueuer,
		conns:        d.Conns,
		media:        d.Media,
		pub:          d.Publisher,
		ai:           d.AI,
		aiLimiter:    d.AILimiter,
		historyTurns: turns,
		logger:       logger,
	}
}

// Register registers every named queue with its handler.
func (w *Workers) Register() error {
	handlers := map[string]queue.Handler{
		QueueInbound:      w.inbound,
		QueueOutbound:     w.outbound,
		QueueMedia:        w.mediaDownload,
		QueueAutomation:   w.automation,
		QueueNotification: w.notification,
		QueueAIReply:      w.aiReply,
	}
	for _, cfg := range Queues(w.aiLimiter) {
		if err := w.q.Register(cfg, handlers[cfg.Name]); err != nil {
			return fmt.Errorf("register %s: %w", cfg.Name, err)
		}
	}
	return nil
}

func decode(job *queue.Job, v any) error {
	if err := job.Decode(v); err != nil {
		return queue.Permanent(fmt.Errorf("decode %s payload: %w", job.Queue, err))
	}
	return nil
}

func isGroup(chatID string) bool {
	return strings.HasSuffix(chatID, "@g.us")
}

// inbound records the message in the activity log and fans it out to
// notification, automation and, when enabled, ai-reply.
func (w *Workers) inbound(_ context.Context, job *queue.Job) error {
	var p InboundJob
	if err := decode(job, &p); err != nil {
		return err
	}
	msg, err := w.db.GetMessage(p.SessionID, p.ProviderMessageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if msg == nil {
		return queue.Permanent(media.ErrMessageNotFound)
	}
	sess, err := w.db.GetSession(p.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return queue.Permanent(fmt.Errorf("session %q not found", p.SessionID))
	}

	contact, err := w.contactFor(msg)
	if err != nil {
		return err
	}
	var contactID int64
	var contactName string
	if contact != nil {
		contactID, contactName = contact.ID, contact.Name
	}

	kind := ActivityMessageReceived
	if msg.IsFromMe {
		kind = ActivityMessageSent
	}
	if _, err := w.db.AddActivity(&store.Activity{
		SessionID: msg.SessionID,
		ContactID: contactID,
		Kind:      kind,
		MessageID: msg.ProviderMessageID,
		Summary:   Summary(msg),
	}); err != nil {
		return fmt.Errorf("add activity: %w", err)
	}
	if msg.IsFromMe {
		return nil
	}

	title := contactName
	if title == "" {
		title = msg.SenderName
	}
	if title == "" {
		title = intsync.PhoneFromIdentifier(msg.From)
	}
	if err := w.enq.Notification(NotificationJob{
		SessionID:         msg.SessionID,
		Title:             title,
		Body:              Summary(msg),
		ChatID:            msg.ChatID,
		ProviderMessageID: msg.ProviderMessageID,
	}); err != nil {
		return err
	}
	if err := w.enq.AutomationTrigger(AutomationJob{
		Event:             ActivityMessageReceived,
		SessionID:         msg.SessionID,
		ContactID:         contactID,
		ChatID:            msg.ChatID,
		ProviderMessageID: msg.ProviderMessageID,
		Body:              msg.Body,
		MediaKind:         string(msg.Media.Kind),
		Timestamp:         msg.Timestamp,
	}); err != nil {
		return err
	}
	if sess.AutoReplyEnabled && w.ai != nil && w.ai.Enabled() && !isGroup(msg.ChatID) && msg.Body != "" {
		if err := w.enq.AIReply(AIReplyJob{
			SessionID:         msg.SessionID,
			ChatID:            msg.ChatID,
			ProviderMessageID: msg.ProviderMessageID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// contactFor finds or creates the CRM contact of the other party.
func (w *Workers) contactFor(msg *store.Message) (*store.Contact, error) {
	identifier := msg.ChatID
	if isGroup(identifier) {
		identifier = msg.From
	}
	if msg.IsFromMe && isGroup(msg.ChatID) {
		return nil, nil
	}
	if intsync.Skip(identifier) {
		return nil, nil
	}
	phone := intsync.PhoneFromIdentifier(identifier)
	contact, err := w.db.FindContact(msg.SessionID, identifier, phone)
	if err != nil {
		return nil, fmt.Errorf("find contact: %w", err)
	}
	if contact != nil {
		return contact, nil
	}
	name := ""
	if !msg.IsFromMe {
		name = msg.SenderName
	}
	contact = &store.Contact{
		SessionID:          msg.SessionID,
		Name:               name,
		Phone:              phone,
		ProviderIdentifier: identifier,
		SyncedFromProvider: true,
	}
	if err := w.db.CreateContact(contact); err != nil {
		return nil, fmt.Errorf("create contact: %w", err)
	}
	return contact, nil
}

// Summary is a one-line description of a message.
func Summary(m *store.Message) string {
	const maxLen = 120
	text := strings.Join(strings.Fields(m.Body), " ")
	if text == "" && !m.Media.IsNone() {
		return "[" + string(m.Media.Kind) + "]"
	}
	if utf8.RuneCountInString(text) > maxLen {
		r := []rune(text)
		text = string(r[:maxLen-3]) + "..."
	}
	return text
}

func (w *Workers) mediaDownload(ctx context.Context, job *queue.Job) error {
	var p MediaJob
	if err := decode(job, &p); err != nil {
		return err
	}
	src, err := w.conns.MediaSource(ctx, p.SessionID)
	if err != nil {
		return fmt.Errorf("borrow transport: %w", err)
	}
	url, err := w.media.Offload(ctx, src, p.SessionID, p.ProviderMessageID)
	if errors.Is(err, media.ErrMessageNotFound) || errors.Is(err, media.ErrNoMedia) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}
	w.logger.Debug("media offloaded",
		zap.String("session", p.SessionID),
		zap.String("msg_id", p.ProviderMessageID),
		zap.String("url", url))
	return nil
}

// automation hands the trigger to the automation engine. What the
// automation does is not decided here.
func (w *Workers) automation(_ context.Context, job *queue.Job) error {
	return w.pub.Publish(broker.SubjectAutomation, job.Payload)
}

func (w *Workers) notification(_ context.Context, job *queue.Job) error {
	return w.pub.Publish(broker.SubjectNotifications, job.Payload)
}

// aiReply drafts an answer from the recent conversation and queues it for
// sending. The client message id derives from the inbound message, so a
// retried job cannot answer twice.
func (w *Workers) aiReply(ctx context.Context, job *queue.Job) error {
	var p AIReplyJob
	if err := decode(job, &p); err != nil {
		return err
	}
	sess, err := w.db.GetSession(p.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess == nil || !sess.AutoReplyEnabled {
		return nil
	}

	msgs, err := w.db.ListMessages(p.SessionID, p.ChatID, 0, w.historyTurns)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	slices.Reverse(msgs)
	turns := make([]ai.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, ai.Turn{FromMe: m.IsFromMe, Text: m.Body})
	}

	reply, err := w.ai.Reply(ctx, turns)
	if errors.Is(err, ai.ErrDisabled) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}
	if reply == "" {
		return nil
	}
	_, err = w.enq.OutboundSend(OutboundJob{
		SessionID:   p.SessionID,
		ClientMsgID: "ai-" + p.ProviderMessageID,
		To:          p.ChatID,
		Text:        reply,
	})
	return err
}
