// Package grpc records Twetch actions for native gRPC services.
package grpc

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	twetch "github.com/samooth/twetch-go"
)

// UnaryServerInterceptor creates a gRPC unary server interceptor that publishes
// an action before the handler runs. A failed publish aborts the call.
func UnaryServerInterceptor(cfg twetch.HookConfig) grpc.UnaryServerInterceptor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid twetch hook config: %v", err))
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		rule, ok := cfg.MatchMethod(info.FullMethod)
		if !ok {
			return handler(ctx, req)
		}

		payload, err := grpcPayload(ctx, rule, req)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("invalid action payload: %v", err))
		}

		p, err := publish(ctx, &cfg, rule, info.FullMethod, payload)
		if err != nil {
			return nil, err
		}
		ctx = twetch.WithPublishContext(ctx, p)

		resp, err := handler(ctx, req)
		if err != nil {
			return nil, err
		}

		setResultTrailer(ctx, &cfg, p, func(md metadata.MD) error { return grpc.SetTrailer(ctx, md) })
		return resp, nil
	}
}

// publish records the action and maps a failed Result to a gRPC status.
func publish(ctx context.Context, cfg *twetch.HookConfig, rule *twetch.ActionRule, method string, payload map[string]any) (*twetch.PublishContext, error) {
	res := cfg.Publisher.Publish(ctx, rule.Action, rule.Payload(payload), nil)
	if res.OK() {
		return &twetch.PublishContext{Action: rule.Action, TxID: res.TxID}, nil
	}

	cfg.Logger.Warn("action hook failed",
		zap.String("method", method),
		zap.String("action", rule.Action),
		zap.String("code", res.Code),
		zap.String("error", res.Error),
	)

	switch res.Code {
	case twetch.ErrCodeUnauthenticated, twetch.ErrCodeAuthenticationRequired:
		return nil, status.Error(codes.Unauthenticated, res.Error)
	case twetch.ErrCodeEncoding:
		return nil, status.Error(codes.InvalidArgument, res.Error)
	case twetch.ErrCodeInsufficientFunds:
		return nil, status.Error(codes.FailedPrecondition, res.Error)
	default:
		return nil, status.Error(codes.Unavailable, res.Error)
	}
}

// grpcPayload resolves the payload from the rule, the twetch-payload
// metadata, or the protojson form of the request, in that order. Zero valued
// request fields are kept so they encode as empty values.
func grpcPayload(ctx context.Context, rule *twetch.ActionRule, req any) (map[string]any, error) {
	if rule.GRPCPayload != nil {
		return rule.GRPCPayload(ctx, req)
	}

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(MetadataKeyPayload); len(values) > 0 {
			return DecodePayload(values[0])
		}
	}

	msg, ok := req.(proto.Message)
	if !ok || msg == nil {
		return map[string]any{}, nil
	}
	data, err := protojson.MarshalOptions{UseProtoNames: true, EmitUnpopulated: true}.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	payload := map[string]any{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	return payload, nil
}

// setResultTrailer does not fail the call; the action is already recorded.
func setResultTrailer(ctx context.Context, cfg *twetch.HookConfig, p *twetch.PublishContext, set func(metadata.MD) error) {
	encoded, err := EncodePublishResult(p)
	if err == nil {
		err = set(metadata.Pairs(MetadataKeyPublishResult, encoded))
	}
	if err != nil {
		cfg.Logger.Debug("failed to set publish trailer", zap.String("txid", p.TxID), zap.Error(err))
	}
}
