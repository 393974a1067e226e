// Package broker connects the chat core to NATS. Job lifecycle events,
// automation triggers and app notifications are published there for
// consumers outside the daemon.
package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/matheus3301/wppcrm/internal/queue"
)

// Subjects.
const (
	SubjectAutomation    = "automation.trigger"
	SubjectNotifications = "notifications.app"
)

// JobSubject returns the subject of a job lifecycle event.
func JobSubject(queueName string, state queue.State) string {
	return "jobs." + queueName + "." + string(state)
}

// StartEmbedded runs an in-process NATS server on host:port. Port -1 picks
// a free port.
func StartEmbedded(host string, port int, logger *zap.Logger) (*server.Server, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	s, err := server.NewServer(&server.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(10 * time.Second) {
		s.Shutdown()
		return nil, errors.New("nats server not ready in time")
	}
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		logger.Info("embedded NATS server started", zap.String("addr", net.JoinHostPort(host, strconv.Itoa(addr.Port))))
	}
	return s, nil
}

// Publisher publishes JSON payloads.
type Publisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// Connect dials the NATS server at url.
func Connect(url string, logger *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("wppcrm"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Publisher{nc: nc, logger: logger}, nil
}

// Conn returns the underlying connection.
func (p *Publisher) Conn() *nats.Conn {
	return p.nc
}

// Publish marshals payload as JSON and publishes it on subject.
func (p *Publisher) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return p.nc.Publish(subject, data)
}

// JobEvent is the wire form of a job lifecycle change.
type JobEvent struct {
	Queue   string `json:"queue"`
	JobID   string `json:"job_id"`
	State   string `json:"state"`
	Attempt int    `json:"attempt"`
	DelayMs int64  `json:"delay_ms,omitempty"`
	Error   string `json:"error,omitempty"`
}

// JobHook returns a queue hook that mirrors job lifecycle events to
// jobs.<queue>.<state>.
func (p *Publisher) JobHook() queue.Hook {
	return func(ev queue.Event) {
		je := JobEvent{
			Queue:   ev.Queue,
			JobID:   ev.JobID,
			State:   string(ev.State),
			Attempt: ev.Attempt,
			DelayMs: ev.Delay.Milliseconds(),
		}
		if ev.Err != nil {
			je.Error = ev.Err.Error()
		}
		if err := p.Publish(JobSubject(ev.Queue, ev.State), je); err != nil {
			p.logger.Warn("failed to publish job event", zap.String("queue", ev.Queue), zap.Error(err))
		}
	}
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	return p.nc.Drain()
}
