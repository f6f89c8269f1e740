package twetch

import (
	"context"
	"encoding/json"

	"github.com/samooth/twetch-go/types"
)

// Result is the outcome of a pipeline call. Pipeline entry points never
// return errors or panic; a failure sets Error (and Code).
type Result struct {
	// TxID is the locally computed transaction id
	TxID string

	// Error is the caller facing failure description, empty on success
	Error string

	// Code is the ClientError code of the failure
	Code string

	// Action is the encoded action in its final substituted state
	Action types.EncodedAction

	// Payees and Invoice are the pricing answer the action was built against
	Payees  []types.Payee
	Invoice types.Invoice

	// Response holds the fields returned by the publish endpoint
	Response map[string]any
}

// OK reports whether the call succeeded.
func (r *Result) OK() bool {
	return r != nil && r.Error == ""
}

// MarshalJSON flattens the server response and the local fields into one
// object. Local fields take precedence over server fields of the same name.
func (r *Result) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Response)+5)
	for k, v := range r.Response {
		out[k] = v
	}
	if r.Error != "" {
		out["error"] = r.Error
		if r.Code != "" {
			out["code"] = r.Code
		}
		return json.Marshal(out)
	}
	if r.TxID != "" {
		out["txid"] = r.TxID
	}
	if len(r.Payees) > 0 {
		out["payees"] = r.Payees
	}
	if !r.Invoice.IsZero() {
		out["invoice"] = r.Invoice
	}
	if r.Action != nil {
		out["abi"] = map[string]any{"action": r.Action.Action(), "args": r.Action.Args()}
	}
	return json.Marshal(out)
}

// Publisher records actions. *Client implements it; hooks depend on it.
type Publisher interface {
	Publish(ctx context.Context, action string, payload map[string]any, file *types.File) *Result
}

// PublishContext describes the action recorded for a hooked request.
type PublishContext struct {
	Action string `json:"action"`
	TxID   string `json:"txid"`
}

type contextKey string

const (
	// PublishContextKey is the key used to store publish context in request context
	PublishContextKey contextKey = "twetch-publish"
)

// GetPublishFromContext extracts the publish context stored by ActionMiddleware.
func GetPublishFromContext(ctx context.Context) (*PublishContext, bool) {
	p, ok := ctx.Value(PublishContextKey).(*PublishContext)
	return p, ok
}

// WithPublishContext stores p in ctx.
func WithPublishContext(ctx context.Context, p *PublishContext) context.Context {
	return context.WithValue(ctx, PublishContextKey, p)
}
