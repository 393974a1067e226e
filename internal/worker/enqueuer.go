package worker

import (
	"github.com/google/uuid"

	"github.com/matheus3301/wppcrm/internal/queue"
)

// Enqueuer offers one typed method per queue. Job ids derive from the
// message they concern, so a redelivered message never runs twice.
type Enqueuer struct {
	q *queue.Service
}

// NewEnqueuer wraps a queue service.
func NewEnqueuer(q *queue.Service) *Enqueuer {
	return &Enqueuer{q: q}
}

func jobID(kind, sessionID, key string) string {
	return kind + ":" + sessionID + ":" + key
}

// Inbound enqueues the processing of a stored message.
func (e *Enqueuer) Inbound(sessionID, providerMessageID string) error {
	_, err := e.q.Enqueue(QueueInbound,
		InboundJob{SessionID: sessionID, ProviderMessageID: providerMessageID},
		queue.WithJobID(jobID("inbound", sessionID, providerMessageID)))
	return err
}

// MediaDownload enqueues the offload of a message attachment.
func (e *Enqueuer) MediaDownload(sessionID, providerMessageID string) error {
	_, err := e.q.Enqueue(QueueMedia,
		MediaJob{SessionID: sessionID, ProviderMessageID: providerMessageID},
		queue.WithJobID(jobID("media", sessionID, providerMessageID)))
	return err
}

// OutboundSend enqueues a text message and returns its client message id,
// generated when empty.
func (e *Enqueuer) OutboundSend(job OutboundJob) (string, error) {
	if job.ClientMsgID == "" {
		job.ClientMsgID = uuid.NewString()
	}
	_, err := e.q.Enqueue(QueueOutbound, job,
		queue.WithJobID(jobID("outbound", job.SessionID, job.ClientMsgID)))
	return job.ClientMsgID, err
}

// AutomationTrigger enqueues an automation trigger.
func (e *Enqueuer) AutomationTrigger(job AutomationJob) error {
	_, err := e.q.Enqueue(QueueAutomation, job,
		queue.WithJobID(jobID("automation", job.SessionID, job.Event+":"+job.ProviderMessageID)))
	return err
}

// Notification enqueues an app notification.
func (e *Enqueuer) Notification(job NotificationJob) error {
	_, err := e.q.Enqueue(QueueNotification, job,
		queue.WithJobID(jobID("notification", job.SessionID, job.ProviderMessageID)))
	return err
}

// AIReply enqueues an automatic answer.
func (e *Enqueuer) AIReply(job AIReplyJob) error {
	_, err := e.q.Enqueue(QueueAIReply, job,
		queue.WithJobID(jobID("ai", job.SessionID, job.ProviderMessageID)))
	return err
}
