// Package worker holds the asynchronous processors of the chat core, one
// per named queue, and the typed helpers that enqueue their jobs.
package worker

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/matheus3301/wppcrm/internal/queue"
)

// Queue names.
const (
	QueueInbound      = "inbound-message"
	QueueOutbound     = "outbound-send"
	QueueMedia        = "media-download"
	QueueAutomation   = "automation-trigger"
	QueueNotification = "notification"
	QueueAIReply      = "ai-reply"
)

// Queues returns the configuration of every named queue. aiLimiter gates
// ai-reply job starts and may be nil.
func Queues(aiLimiter *rate.Limiter) []queue.Config {
	return []queue.Config{
		{Name: QueueInbound, Priority: queue.PriorityHigh, Concurrency: 5, Attempts: 3, Backoff: time.Second, Timeout: 30 * time.Second},
		{Name: QueueOutbound, Priority: queue.PriorityHigh, Concurrency: 3, Attempts: 3, Backoff: time.Second, Timeout: 30 * time.Second},
		{Name: QueueMedia, Priority: queue.PriorityNormal, Concurrency: 3, Attempts: 5, Backoff: 2 * time.Second, Timeout: 2 * time.Minute},
		{Name: QueueAutomation, Priority: queue.PriorityNormal, Concurrency: 2, Attempts: 3, Backoff: time.Second, Timeout: 10 * time.Second},
		{Name: QueueNotification, Priority: queue.PriorityLow, Concurrency: 5, Attempts: 3, Backoff: time.Second, Timeout: 10 * time.Second},
		{Name: QueueAIReply, Priority: queue.PriorityHigh, Concurrency: 2, Attempts: 2, Backoff: 3 * time.Second, Timeout: time.Minute, Limiter: aiLimiter},
	}
}

// PerMinute builds a limiter allowing n starts per minute with a burst of one.
// n <= 0 disables limiting.
func PerMinute(n int) *rate.Limiter {
	if n <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
}

// InboundJob asks for the processing of a stored message.
type InboundJob struct {
	SessionID         string `json:"session_id"`
	ProviderMessageID string `json:"provider_message_id"`
}

// MediaJob asks for the offload of a message attachment.
type MediaJob struct {
	SessionID         string `json:"session_id"`
	ProviderMessageID string `json:"provider_message_id"`
}

// OutboundJob is a text message to send. ClientMsgID is the idempotency key.
type OutboundJob struct {
	SessionID   string `json:"session_id"`
	ClientMsgID string `json:"client_msg_id"`
	To          string `json:"to"`
	Text        string `json:"text"`
}

// AutomationJob is published to the automation engine as is.
type AutomationJob struct {
	Event             string `json:"event"`
	SessionID         string `json:"session_id"`
	ContactID         int64  `json:"contact_id,omitempty"`
	ChatID            string `json:"chat_id"`
	ProviderMessageID string `json:"provider_message_id"`
	Body              string `json:"body,omitempty"`
	MediaKind         string `json:"media_kind,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// NotificationJob is an app notification.
type NotificationJob struct {
	SessionID         string `json:"session_id"`
	Title             string `json:"title"`
	Body              string `json:"body"`
	ChatID            string `json:"chat_id"`
	ProviderMessageID string `json:"provider_message_id"`
}

// AIReplyJob asks for an automatic answer to an inbound message.
type AIReplyJob struct {
	SessionID         string `json:"session_id"`
	ChatID            string `json:"chat_id"`
	ProviderMessageID string `json:"provider_message_id"`
}
