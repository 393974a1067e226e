// Package api exposes the chat core over gRPC on the daemon's Unix socket.
// Messages are plain Go structs carried by a JSON codec.
package api

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/wppcrm/internal/connection"
	"github.com/matheus3301/wppcrm/internal/session"
)

// CodecName is the gRPC content subtype used by every service.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// unary builds a method handler for a typed call.
func unary[S, Req, Resp any](fullMethod string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(S), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(S), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// toStatus maps domain errors to gRPC status codes.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, connection.ErrNotConnected):
		code = codes.FailedPrecondition
	case errors.Is(err, connection.ErrUnknownSession):
		code = codes.NotFound
	case errors.Is(err, connection.ErrShutdown):
		code = codes.Unavailable
	case errors.Is(err, session.ErrInvalidName):
		code = codes.InvalidArgument
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
