package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	twetch "github.com/samooth/twetch-go"
)

// StreamServerInterceptor creates a gRPC stream server interceptor that
// publishes one action before the stream begins. No request message exists
// yet, so the payload comes from the rule or the twetch-payload metadata.
func StreamServerInterceptor(cfg twetch.HookConfig) grpc.StreamServerInterceptor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid twetch hook config: %v", err))
	}

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()

		rule, ok := cfg.MatchMethod(info.FullMethod)
		if !ok {
			return handler(srv, ss)
		}

		payload, err := grpcPayload(ctx, rule, nil)
		if err != nil {
			return status.Error(codes.InvalidArgument, fmt.Sprintf("invalid action payload: %v", err))
		}

		p, err := publish(ctx, &cfg, rule, info.FullMethod, payload)
		if err != nil {
			return err
		}

		wrapped := &publishServerStream{
			ServerStream: ss,
			ctx:          twetch.WithPublishContext(ctx, p),
		}

		if err := handler(srv, wrapped); err != nil {
			return err
		}

		setResultTrailer(ctx, &cfg, p, func(md metadata.MD) error {
			ss.SetTrailer(md)
			return nil
		})
		return nil
	}
}

// publishServerStream wraps grpc.ServerStream to carry the publish context
type publishServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context carrying the publish context
func (s *publishServerStream) Context() context.Context {
	return s.ctx
}
