package api

import (
	"context"
	"errors"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/wppcrm/internal/bus"
	"github.com/matheus3301/wppcrm/internal/connection"
	"github.com/matheus3301/wppcrm/internal/status"
	"github.com/matheus3301/wppcrm/internal/store"
)

// Connections is the part of the connection manager the API drives.
type Connections interface {
	CreateOrResumeSession(ctx context.Context, id string, s connection.Settings) (connection.Result, error)
	Disconnect(ctx context.Context, id string) error
	Status(id string) (status.State, error)
	IsLive(id string) bool
	UpdateSettings(id string, s connection.Settings) (int64, error)
	MarkRead(ctx context.Context, id, chatID string) error
	GetChats(id string, limit, offset int) ([]store.Chat, error)
	SyncContacts(ctx context.Context, id string) (int, error)
	SyncHistory(ctx context.Context, id string, days int) error
	CleanOldMessages(id string, days int) (int64, error)
}

// SessionServer is the server API of the session service.
type SessionServer interface {
	Connect(context.Context, *ConnectRequest) (*ConnectResponse, error)
	Disconnect(context.Context, *SessionRequest) (*DisconnectResponse, error)
	Status(context.Context, *SessionRequest) (*StatusResponse, error)
	ListSessions(context.Context, *ListSessionsRequest) (*ListSessionsResponse, error)
	UpdateSettings(context.Context, *UpdateSettingsRequest) (*UpdateSettingsResponse, error)
	WatchEvents(*WatchEventsRequest, grpc.ServerStream) error
}

const sessionServiceName = "wppcrm.v1.SessionService"

// SessionServiceDesc describes the session service.
var SessionServiceDesc = grpc.ServiceDesc{
	ServiceName: sessionServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Connect", Handler: unary("/"+sessionServiceName+"/Connect", SessionServer.Connect)},
		{MethodName: "Disconnect", Handler: unary("/"+sessionServiceName+"/Disconnect", SessionServer.Disconnect)},
		{MethodName: "Status", Handler: unary("/"+sessionServiceName+"/Status", SessionServer.Status)},
		{MethodName: "ListSessions", Handler: unary("/"+sessionServiceName+"/ListSessions", SessionServer.ListSessions)},
		{MethodName: "UpdateSettings", Handler: unary("/"+sessionServiceName+"/UpdateSettings", SessionServer.UpdateSettings)},
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "WatchEvents",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(WatchEventsRequest)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return srv.(SessionServer).WatchEvents(in, stream)
		},
	}},
}

// SessionService implements SessionServer.
type SessionService struct {
	conns            Connections
	db               *store.DB
	bus              *bus.Bus
	defaultRetention int
	logger           *zap.Logger
}

// NewSessionService creates a new session service.
func NewSessionService(conns Connections, db *store.DB, b *bus.Bus, defaultRetention int, logger *zap.Logger) *SessionService {
	if defaultRetention <= 0 {
		defaultRetention = 30
	}
	return &SessionService{conns: conns, db: db, bus: b, defaultRetention: defaultRetention, logger: logger}
}

func (s *SessionService) Connect(ctx context.Context, req *ConnectRequest) (*ConnectResponse, error) {
	days := req.RetentionDays
	if days <= 0 {
		days = s.defaultRetention
	}
	res, err := s.conns.CreateOrResumeSession(ctx, req.SessionID, connection.Settings{
		RetentionDays: days,
		SyncHistory:   req.SyncHistory,
		SyncContacts:  req.SyncContacts,
		AutoReply:     req.AutoReply,
	})
	if err != nil {
		return nil, toStatus("connect", err)
	}

	resp := &ConnectResponse{Status: string(res.Status), PairingCode: res.PairingCode}
	if res.PairingCode != "" {
		png, err := qrcode.Encode(res.PairingCode, qrcode.Medium, 256)
		if err != nil {
			s.logger.Warn("failed to render pairing qr", zap.String("session", req.SessionID), zap.Error(err))
		} else {
			resp.PairingQR = png
		}
	}
	return resp, nil
}

func (s *SessionService) Disconnect(ctx context.Context, req *SessionRequest) (*DisconnectResponse, error) {
	if err := s.conns.Disconnect(ctx, req.SessionID); err != nil {
		return nil, toStatus("disconnect", err)
	}
	st, err := s.conns.Status(req.SessionID)
	if err != nil {
		return nil, toStatus("status", err)
	}
	return &DisconnectResponse{Status: string(st)}, nil
}

func (s *SessionService) Status(_ context.Context, req *SessionRequest) (*StatusResponse, error) {
	sess, err := s.db.GetSession(req.SessionID)
	if err != nil {
		return nil, toStatus("load session", err)
	}
	if sess == nil {
		return nil, grpcstatus.Errorf(codes.NotFound, "session %q not found", req.SessionID)
	}
	return &StatusResponse{Session: s.sessionToWire(sess)}, nil
}

func (s *SessionService) ListSessions(_ context.Context, _ *ListSessionsRequest) (*ListSessionsResponse, error) {
	sessions, err := s.db.ListSessions()
	if err != nil {
		return nil, toStatus("list sessions", err)
	}
	resp := &ListSessionsResponse{Sessions: make([]Session, 0, len(sessions))}
	for i := range sessions {
		resp.Sessions = append(resp.Sessions, s.sessionToWire(&sessions[i]))
	}
	return resp, nil
}

func (s *SessionService) UpdateSettings(_ context.Context, req *UpdateSettingsRequest) (*UpdateSettingsResponse, error) {
	if req.RetentionDays <= 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "retention_days must be positive")
	}
	n, err := s.conns.UpdateSettings(req.SessionID, connection.Settings{
		RetentionDays: req.RetentionDays,
		SyncHistory:   req.SyncHistory,
		SyncContacts:  req.SyncContacts,
		AutoReply:     req.AutoReply,
	})
	if err != nil {
		return nil, toStatus("update settings", err)
	}
	return &UpdateSettingsResponse{Deleted: n}, nil
}

// WatchEvents streams bus events until the client goes away.
func (s *SessionService) WatchEvents(req *WatchEventsRequest, stream grpc.ServerStream) error {
	ch, unsub := s.bus.Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if req.SessionID != "" && evt.SessionID != req.SessionID {
				continue
			}
			env := &EventEnvelope{
				EventID:          uuid.New().String(),
				SessionID:        evt.SessionID,
				Kind:             evt.Kind,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				Payload:          evt.Payload,
			}
			if err := stream.SendMsg(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *SessionService) sessionToWire(sess *store.Session) Session {
	out := Session{
		ID:                  sess.ID,
		Status:              sess.Status,
		Live:                s.conns.IsLive(sess.ID),
		PhoneIdentity:       sess.PhoneIdentity,
		RetentionDays:       sess.RetentionDays,
		SyncHistoryEnabled:  sess.SyncHistoryEnabled,
		SyncContactsEnabled: sess.SyncContactsEnabled,
		AutoReplyEnabled:    sess.AutoReplyEnabled,
		IsSyncing:           sess.IsSyncing,
		SyncProgress:        sess.SyncProgress,
		LastConnectedAtMs:   sess.LastConnectedAt,
		LastHistorySyncAtMs: sess.LastHistorySyncAt,
		LastContactSyncAtMs: sess.LastContactSyncAt,
	}
	if st, err := s.conns.Status(sess.ID); err == nil {
		out.Status = string(st)
	} else if !errors.Is(err, connection.ErrUnknownSession) {
		s.logger.Debug("failed to read live status", zap.String("session", sess.ID), zap.Error(err))
	}
	if n, err := s.db.MessageCount(sess.ID); err == nil {
		out.MessageCount = n
	}
	if n, err := s.db.ChatCount(sess.ID); err == nil {
		out.ChatCount = n
	}
	return out
}
