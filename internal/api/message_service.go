package api

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/wppcrm/internal/connection"
	"github.com/matheus3301/wppcrm/internal/status"
	"github.com/matheus3301/wppcrm/internal/store"
	"github.com/matheus3301/wppcrm/internal/worker"
)

// Outbox queues outgoing messages.
type Outbox interface {
	OutboundSend(job worker.OutboundJob) (string, error)
}

// MessageServer is the server API of the message service.
type MessageServer interface {
	Send(context.Context, *SendRequest) (*SendResponse, error)
	MarkRead(context.Context, *MarkReadRequest) (*MarkReadResponse, error)
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
	SearchMessages(context.Context, *SearchMessagesRequest) (*SearchMessagesResponse, error)
}

const messageServiceName = "wppcrm.v1.MessageService"

// MessageServiceDesc describes the message service.
var MessageServiceDesc = grpc.ServiceDesc{
	ServiceName: messageServiceName,
	HandlerType: (*MessageServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: unary("/"+messageServiceName+"/Send", MessageServer.Send)},
		{MethodName: "MarkRead", Handler: unary("/"+messageServiceName+"/MarkRead", MessageServer.MarkRead)},
		{MethodName: "ListMessages", Handler: unary("/"+messageServiceName+"/ListMessages", MessageServer.ListMessages)},
		{MethodName: "SearchMessages", Handler: unary("/"+messageServiceName+"/SearchMessages", MessageServer.SearchMessages)},
	},
}

// MessageService implements MessageServer.
type MessageService struct {
	conns  Connections
	outbox Outbox
	db     *store.DB
}

// NewMessageService creates a new message service backed by the store.
func NewMessageService(conns Connections, outbox Outbox, db *store.DB) *MessageService {
	return &MessageService{conns: conns, outbox: outbox, db: db}
}

// Send queues a text message. Sessions that are not meant to be connected
// are refused right away instead of failing in the queue.
func (s *MessageService) Send(_ context.Context, req *SendRequest) (*SendResponse, error) {
	if req.To == "" || strings.TrimSpace(req.Text) == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "to and text are required")
	}
	st, err := s.conns.Status(req.SessionID)
	if err != nil {
		return nil, toStatus("send", err)
	}
	switch st {
	case status.Connected, status.Connecting, status.QRCode:
	default:
		return nil, toStatus("send", connection.ErrNotConnected)
	}

	id, err := s.outbox.OutboundSend(worker.OutboundJob{
		SessionID:   req.SessionID,
		ClientMsgID: req.ClientMsgID,
		To:          req.To,
		Text:        req.Text,
	})
	if err != nil {
		return nil, toStatus("queue message", err)
	}
	return &SendResponse{ClientMsgID: id, Accepted: true}, nil
}

func (s *MessageService) MarkRead(ctx context.Context, req *MarkReadRequest) (*MarkReadResponse, error) {
	if err := s.conns.MarkRead(ctx, req.SessionID, req.ChatID); err != nil {
		return nil, toStatus("mark read", err)
	}
	return &MarkReadResponse{}, nil
}

func (s *MessageService) ListMessages(_ context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	limit := 50
	if req.Limit > 0 {
		limit = req.Limit
	}
	msgs, err := s.db.ListMessages(req.SessionID, req.ChatID, req.BeforeUnixMs, limit)
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	resp := &ListMessagesResponse{
		Messages: make([]Message, 0, len(msgs)),
		PageInfo: PageInfo{HasMore: len(msgs) == limit},
	}
	for i := range msgs {
		resp.Messages = append(resp.Messages, messageToWire(&msgs[i]))
	}
	return resp, nil
}

func (s *MessageService) SearchMessages(_ context.Context, req *SearchMessagesRequest) (*SearchMessagesResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "query is required")
	}
	limit := 50
	if req.Limit > 0 {
		limit = req.Limit
	}
	results, err := s.db.SearchMessages(req.SessionID, req.Query, req.ChatID, limit)
	if err != nil {
		return nil, toStatus("search messages", err)
	}
	resp := &SearchMessagesResponse{
		Results:  make([]SearchResult, 0, len(results)),
		PageInfo: PageInfo{HasMore: len(results) == limit},
	}
	for i := range results {
		resp.Results = append(resp.Results, SearchResult{
			Message: messageToWire(&results[i].Message),
			Snippet: results[i].Snippet,
		})
	}
	return resp, nil
}
