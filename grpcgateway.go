package twetch

import (
	"context"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

// Metadata keys used to forward a PublishContext to gRPC handlers.
const (
	MetadataAction = "x-twetch-action"
	MetadataTxID   = "x-twetch-txid"
)

// WithPublishMetadata returns a ServeMuxOption that propagates the action
// recorded by ActionMiddleware from HTTP context to gRPC metadata
func WithPublishMetadata() runtime.ServeMuxOption {
	return runtime.WithMetadata(func(ctx context.Context, r *http.Request) metadata.MD {
		md := metadata.MD{}

		p, ok := GetPublishFromContext(ctx)
		if !ok || p == nil || p.TxID == "" {
			return md
		}

		md.Set(MetadataAction, p.Action)
		md.Set(MetadataTxID, p.TxID)
		return md
	})
}

// GetPublishFromGRPCContext extracts the recorded action from gRPC metadata.
// It also finds a PublishContext stored directly by the gRPC interceptors.
func GetPublishFromGRPCContext(ctx context.Context) (*PublishContext, bool) {
	if p, ok := GetPublishFromContext(ctx); ok {
		return p, true
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	txid := md.Get(MetadataTxID)
	if len(txid) == 0 || txid[0] == "" {
		return nil, false
	}

	p := &PublishContext{TxID: txid[0]}
	if action := md.Get(MetadataAction); len(action) > 0 {
		p.Action = action[0]
	}
	return p, true
}

// GetHTTPPathPattern extracts the HTTP path pattern from grpc-gateway context
// This is useful if an action rule should depend on the matched route
func GetHTTPPathPattern(ctx context.Context) (string, bool) {
	return runtime.HTTPPathPattern(ctx)
}
