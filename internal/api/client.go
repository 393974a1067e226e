package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Register adds every service to a gRPC server.
func Register(srv *grpc.Server, sessions SessionServer, messages MessageServer, chats ChatServer, syncs SyncServer, jobs JobServer) {
	srv.RegisterService(&SessionServiceDesc, sessions)
	srv.RegisterService(&MessageServiceDesc, messages)
	srv.RegisterService(&ChatServiceDesc, chats)
	srv.RegisterService(&SyncServiceDesc, syncs)
	srv.RegisterService(&JobServiceDesc, jobs)
}

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn    *grpc.ClientConn
	Session *SessionClient
	Message *MessageClient
	Chat    *ChatClient
	Sync    *SyncClient
	Job     *JobClient
}

// New dials the daemon's Unix domain socket and returns typed service clients.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{
		conn:    conn,
		Session: &SessionClient{cc: conn},
		Message: &MessageClient{cc: conn},
		Chat:    &ChatClient{cc: conn},
		Sync:    &SyncClient{cc: conn},
		Job:     &JobClient{cc: conn},
	}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SessionClient calls the session service.
type SessionClient struct {
	cc grpc.ClientConnInterface
}

func (c *SessionClient) Connect(ctx context.Context, req *ConnectRequest) (*ConnectResponse, error) {
	return invoke[ConnectResponse](ctx, c.cc, "/"+sessionServiceName+"/Connect", req)
}

func (c *SessionClient) Disconnect(ctx context.Context, req *SessionRequest) (*DisconnectResponse, error) {
	return invoke[DisconnectResponse](ctx, c.cc, "/"+sessionServiceName+"/Disconnect", req)
}

func (c *SessionClient) Status(ctx context.Context, req *SessionRequest) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, "/"+sessionServiceName+"/Status", req)
}

func (c *SessionClient) ListSessions(ctx context.Context, req *ListSessionsRequest) (*ListSessionsResponse, error) {
	return invoke[ListSessionsResponse](ctx, c.cc, "/"+sessionServiceName+"/ListSessions", req)
}

func (c *SessionClient) UpdateSettings(ctx context.Context, req *UpdateSettingsRequest) (*UpdateSettingsResponse, error) {
	return invoke[UpdateSettingsResponse](ctx, c.cc, "/"+sessionServiceName+"/UpdateSettings", req)
}

// EventStream receives watched events.
type EventStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event.
func (s *EventStream) Recv() (*EventEnvelope, error) {
	env := new(EventEnvelope)
	if err := s.stream.RecvMsg(env); err != nil {
		return nil, err
	}
	return env, nil
}

// WatchEvents opens an event stream; cancel ctx to stop it.
func (c *SessionClient) WatchEvents(ctx context.Context, req *WatchEventsRequest) (*EventStream, error) {
	stream, err := c.cc.NewStream(ctx, &SessionServiceDesc.Streams[0], "/"+sessionServiceName+"/WatchEvents")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}

// MessageClient calls the message service.
type MessageClient struct {
	cc grpc.ClientConnInterface
}

func (c *MessageClient) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	return invoke[SendResponse](ctx, c.cc, "/"+messageServiceName+"/Send", req)
}

func (c *MessageClient) MarkRead(ctx context.Context, req *MarkReadRequest) (*MarkReadResponse, error) {
	return invoke[MarkReadResponse](ctx, c.cc, "/"+messageServiceName+"/MarkRead", req)
}

func (c *MessageClient) ListMessages(ctx context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	return invoke[ListMessagesResponse](ctx, c.cc, "/"+messageServiceName+"/ListMessages", req)
}

func (c *MessageClient) SearchMessages(ctx context.Context, req *SearchMessagesRequest) (*SearchMessagesResponse, error) {
	return invoke[SearchMessagesResponse](ctx, c.cc, "/"+messageServiceName+"/SearchMessages", req)
}

// ChatClient calls the chat service.
type ChatClient struct {
	cc grpc.ClientConnInterface
}

func (c *ChatClient) ListChats(ctx context.Context, req *ListChatsRequest) (*ListChatsResponse, error) {
	return invoke[ListChatsResponse](ctx, c.cc, "/"+chatServiceName+"/ListChats", req)
}

// SyncClient calls the sync service.
type SyncClient struct {
	cc grpc.ClientConnInterface
}

func (c *SyncClient) SyncContacts(ctx context.Context, req *SessionRequest) (*SyncContactsResponse, error) {
	return invoke[SyncContactsResponse](ctx, c.cc, "/"+syncServiceName+"/SyncContacts", req)
}

func (c *SyncClient) SyncHistory(ctx context.Context, req *SyncHistoryRequest) (*SyncHistoryResponse, error) {
	return invoke[SyncHistoryResponse](ctx, c.cc, "/"+syncServiceName+"/SyncHistory", req)
}

func (c *SyncClient) CleanOldMessages(ctx context.Context, req *CleanRequest) (*CleanResponse, error) {
	return invoke[CleanResponse](ctx, c.cc, "/"+syncServiceName+"/CleanOldMessages", req)
}

// JobClient calls the job service.
type JobClient struct {
	cc grpc.ClientConnInterface
}

func (c *JobClient) Stats(ctx context.Context, req *JobStatsRequest) (*JobStatsResponse, error) {
	return invoke[JobStatsResponse](ctx, c.cc, "/"+jobServiceName+"/Stats", req)
}

func (c *JobClient) ListFailed(ctx context.Context, req *ListFailedRequest) (*ListFailedResponse, error) {
	return invoke[ListFailedResponse](ctx, c.cc, "/"+jobServiceName+"/ListFailed", req)
}
