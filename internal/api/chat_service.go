package api

import (
	"context"

	"google.golang.org/grpc"
)

// ChatServer is the server API of the chat service.
type ChatServer interface {
	ListChats(context.Context, *ListChatsRequest) (*ListChatsResponse, error)
}

const chatServiceName = "wppcrm.v1.ChatService"

// ChatServiceDesc describes the chat service.
var ChatServiceDesc = grpc.ServiceDesc{
	ServiceName: chatServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListChats", Handler: unary("/"+chatServiceName+"/ListChats", ChatServer.ListChats)},
	},
}

// ChatService implements ChatServer.
type ChatService struct {
	conns Connections
}

// NewChatService creates a new chat service.
func NewChatService(conns Connections) *ChatService {
	return &ChatService{conns: conns}
}

func (s *ChatService) ListChats(_ context.Context, req *ListChatsRequest) (*ListChatsResponse, error) {
	limit := 50
	if req.Limit > 0 {
		limit = req.Limit
	}
	chats, err := s.conns.GetChats(req.SessionID, limit, req.Offset)
	if err != nil {
		return nil, toStatus("list chats", err)
	}
	resp := &ListChatsResponse{
		Chats:    make([]Chat, 0, len(chats)),
		PageInfo: PageInfo{HasMore: len(chats) == limit},
	}
	for i := range chats {
		resp.Chats = append(resp.Chats, chatToWire(&chats[i]))
	}
	return resp, nil
}
