package twetch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// TxIDHeader carries the id of the transaction recorded for a request.
const TxIDHeader = "X-TWETCH-TXID"

const maxPayloadBytes = 1 << 20

// ActionMiddleware creates HTTP middleware that publishes an action for every
// request matching cfg before passing it on. It returns standard
// http.Handler middleware and works in front of grpc-gateway.
func ActionMiddleware(cfg HookConfig) func(http.Handler) http.Handler {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid twetch middleware configuration: %v", err))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rule, ok := cfg.MatchEndpoint(r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			payload, err := httpPayload(r, rule)
			if err != nil {
				sendError(w, http.StatusBadRequest, fmt.Sprintf("Invalid action payload: %v", err))
				return
			}

			ctx := r.Context()
			res := cfg.Publisher.Publish(ctx, rule.Action, rule.Payload(payload), nil)
			if !res.OK() {
				cfg.Logger.Warn("action hook failed",
					zap.String("path", r.URL.Path),
					zap.String("action", rule.Action),
					zap.String("code", res.Code),
					zap.String("error", res.Error),
				)
				status := http.StatusBadGateway
				if res.Code == ErrCodeUnauthenticated {
					status = http.StatusUnauthorized
				}
				sendError(w, status, res.Error)
				return
			}

			ctx = WithPublishContext(ctx, &PublishContext{Action: rule.Action, TxID: res.TxID})
			w.Header().Set(TxIDHeader, res.TxID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// httpPayload reads the rule payload or the JSON body. The body is restored
// for the next handler.
func httpPayload(r *http.Request, rule *ActionRule) (map[string]any, error) {
	if rule.HTTPPayload != nil {
		return rule.HTTPPayload(r)
	}
	if r.Body == nil || r.Body == http.NoBody {
		return map[string]any{}, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if len(body) > maxPayloadBytes {
		return nil, fmt.Errorf("payload too large: limit is %d bytes", maxPayloadBytes)
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	payload := map[string]any{}
	if len(bytes.TrimSpace(body)) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return payload, nil
}

// sendError sends a JSON error response
func sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
