package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// SyncServer is the server API of the sync service.
type SyncServer interface {
	SyncContacts(context.Context, *SessionRequest) (*SyncContactsResponse, error)
	SyncHistory(context.Context, *SyncHistoryRequest) (*SyncHistoryResponse, error)
	CleanOldMessages(context.Context, *CleanRequest) (*CleanResponse, error)
}

const syncServiceName = "wppcrm.v1.SyncService"

// SyncServiceDesc describes the sync service.
var SyncServiceDesc = grpc.ServiceDesc{
	ServiceName: syncServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SyncContacts", Handler: unary("/"+syncServiceName+"/SyncContacts", SyncServer.SyncContacts)},
		{MethodName: "SyncHistory", Handler: unary("/"+syncServiceName+"/SyncHistory", SyncServer.SyncHistory)},
		{MethodName: "CleanOldMessages", Handler: unary("/"+syncServiceName+"/CleanOldMessages", SyncServer.CleanOldMessages)},
	},
}

// SyncService implements SyncServer.
type SyncService struct {
	conns Connections
}

// NewSyncService creates a new sync service.
func NewSyncService(conns Connections) *SyncService {
	return &SyncService{conns: conns}
}

func (s *SyncService) SyncContacts(ctx context.Context, req *SessionRequest) (*SyncContactsResponse, error) {
	n, err := s.conns.SyncContacts(ctx, req.SessionID)
	if err != nil {
		return nil, toStatus("sync contacts", err)
	}
	return &SyncContactsResponse{Synced: n}, nil
}

// SyncHistory starts an on-demand backlog request. Batches arrive later
// and are reported as sync.* events.
func (s *SyncService) SyncHistory(ctx context.Context, req *SyncHistoryRequest) (*SyncHistoryResponse, error) {
	if req.Days <= 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "days must be positive")
	}
	if err := s.conns.SyncHistory(ctx, req.SessionID, req.Days); err != nil {
		return nil, toStatus("sync history", err)
	}
	return &SyncHistoryResponse{Accepted: true}, nil
}

func (s *SyncService) CleanOldMessages(_ context.Context, req *CleanRequest) (*CleanResponse, error) {
	if req.Days <= 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "days must be positive")
	}
	n, err := s.conns.CleanOldMessages(req.SessionID, req.Days)
	if err != nil {
		return nil, toStatus("clean old messages", err)
	}
	return &CleanResponse{Deleted: n}, nil
}
