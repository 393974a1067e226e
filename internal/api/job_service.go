package api

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/wppcrm/internal/queue"
)

// JobServer is the server API of the job inspection service.
type JobServer interface {
	Stats(context.Context, *JobStatsRequest) (*JobStatsResponse, error)
	ListFailed(context.Context, *ListFailedRequest) (*ListFailedResponse, error)
}

const jobServiceName = "wppcrm.v1.JobService"

// JobServiceDesc describes the job service.
var JobServiceDesc = grpc.ServiceDesc{
	ServiceName: jobServiceName,
	HandlerType: (*JobServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Stats", Handler: unary("/"+jobServiceName+"/Stats", JobServer.Stats)},
		{MethodName: "ListFailed", Handler: unary("/"+jobServiceName+"/ListFailed", JobServer.ListFailed)},
	},
}

// JobService implements JobServer.
type JobService struct {
	q *queue.Service
}

// NewJobService creates a new job service.
func NewJobService(q *queue.Service) *JobService {
	return &JobService{q: q}
}

func (s *JobService) Stats(_ context.Context, _ *JobStatsRequest) (*JobStatsResponse, error) {
	return &JobStatsResponse{Queues: s.q.Stats()}, nil
}

func (s *JobService) ListFailed(_ context.Context, req *ListFailedRequest) (*ListFailedResponse, error) {
	jobs, err := s.q.Jobs(req.Queue, queue.Failed)
	if errors.Is(err, queue.ErrUnknownQueue) {
		return nil, grpcstatus.Errorf(codes.NotFound, "queue %q not found", req.Queue)
	}
	if err != nil {
		return nil, toStatus("list failed jobs", err)
	}
	resp := &ListFailedResponse{Jobs: make([]Job, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, Job{
			ID:          j.ID,
			Queue:       j.Queue,
			Attempts:    j.Attempts,
			MaxAttempts: j.MaxAttempts,
			LastError:   j.LastError,
			Payload:     string(j.Payload),
			FinishedAt:  j.FinishedAt.UnixMilli(),
		})
	}
	return resp, nil
}
