package twetch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"

	"github.com/samooth/twetch-go/types"
)

// mockPublisher is a mock implementation of Publisher for testing
type mockPublisher struct {
	PublishFunc func(ctx context.Context, action string, payload map[string]any) *Result

	action  string
	payload map[string]any
	calls   int
}

func (m *mockPublisher) Publish(ctx context.Context, action string, payload map[string]any, _ *types.File) *Result {
	m.calls++
	m.action = action
	m.payload = payload
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, action, payload)
	}
	return &Result{TxID: "txid-1"}
}

func okHandler(t *testing.T, wantBody string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != wantBody {
			t.Errorf("handler saw body %q, want %q", body, wantBody)
		}
		if p, ok := GetPublishFromContext(r.Context()); ok {
			w.Header().Set("X-Seen-TxID", p.TxID)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("success"))
	})
}

func TestActionMiddleware_NoRule(t *testing.T) {
	pub := &mockPublisher{}
	config := HookConfig{
		Publisher:       pub,
		EndpointActions: map[string]ActionRule{"/v1/posts": {Action: "twetch/post@0.0.1"}},
	}

	handler := ActionMiddleware(config)(okHandler(t, ""))

	req := httptest.NewRequest("GET", "/v1/free", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "success" {
		t.Errorf("expected body 'success', got %s", w.Body.String())
	}
	if pub.calls != 0 {
		t.Errorf("expected no publish, got %d", pub.calls)
	}
	if w.Header().Get(TxIDHeader) != "" {
		t.Error("expected no txid header")
	}
}

func TestActionMiddleware_Publishes(t *testing.T) {
	pub := &mockPublisher{}
	config := HookConfig{
		Publisher: pub,
		EndpointActions: map[string]ActionRule{
			"/v1/posts": {Action: "twetch/post@0.0.1", Fields: map[string]any{"app": "gateway"}},
		},
	}

	body := `{"text":"hello"}`
	handler := ActionMiddleware(config)(okHandler(t, body))

	req := httptest.NewRequest("POST", "/v1/posts", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if pub.action != "twetch/post@0.0.1" {
		t.Errorf("expected post action, got %s", pub.action)
	}
	if pub.payload["text"] != "hello" || pub.payload["app"] != "gateway" {
		t.Errorf("unexpected payload %v", pub.payload)
	}
	if got := w.Header().Get(TxIDHeader); got != "txid-1" {
		t.Errorf("expected txid header txid-1, got %q", got)
	}
	if got := w.Header().Get("X-Seen-TxID"); got != "txid-1" {
		t.Errorf("handler did not see publish context, got %q", got)
	}
}

func TestActionMiddleware_PayloadFunc(t *testing.T) {
	pub := &mockPublisher{}
	config := HookConfig{
		Publisher: pub,
		DefaultAction: &ActionRule{
			Action: "twetch/like@0.0.1",
			HTTPPayload: func(r *http.Request) (map[string]any, error) {
				return map[string]any{"postTransaction": r.URL.Query().Get("tx")}, nil
			},
		},
	}

	handler := ActionMiddleware(config)(okHandler(t, ""))
	req := httptest.NewRequest("GET", "/v1/like?tx=abc", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if pub.payload["postTransaction"] != "abc" {
		t.Errorf("unexpected payload %v", pub.payload)
	}
}

func TestActionMiddleware_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		result     *Result
		wantStatus int
		wantError  string
	}{
		{
			name:       "invalid json",
			body:       `{"text":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid action payload",
		},
		{
			name:       "oversized body",
			body:       `{"text":"` + strings.Repeat("a", maxPayloadBytes) + `"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "payload too large",
		},
		{
			name:       "unauthenticated",
			body:       `{"text":"hi"}`,
			result:     &Result{Error: MessageUnauthenticated, Code: ErrCodeUnauthenticated},
			wantStatus: http.StatusUnauthorized,
			wantError:  "unauthenticated",
		},
		{
			name:       "upstream",
			body:       `{"text":"hi"}`,
			result:     &Result{Error: MessageUpstream, Code: ErrCodeUpstream},
			wantStatus: http.StatusBadGateway,
			wantError:  "something went wrong",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &mockPublisher{PublishFunc: func(context.Context, string, map[string]any) *Result { return tt.result }}
			config := HookConfig{
				Publisher:       pub,
				EndpointActions: map[string]ActionRule{"/v1/posts": {Action: "twetch/post@0.0.1"}},
			}

			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("handler should not be called")
			})
			handler := ActionMiddleware(config)(next)

			req := httptest.NewRequest("POST", "/v1/posts", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			var resp map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("invalid error body: %v", err)
			}
			if !strings.Contains(resp["error"], tt.wantError) {
				t.Errorf("expected error containing %q, got %q", tt.wantError, resp["error"])
			}
		})
	}
}

func TestActionMiddleware_InvalidConfigPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for missing publisher")
		}
	}()
	ActionMiddleware(HookConfig{})
}

func TestWithPublishMetadata(t *testing.T) {
	mux := runtime.NewServeMux(WithPublishMetadata())

	req := httptest.NewRequest("GET", "/v1/posts", nil)
	ctx := WithPublishContext(req.Context(), &PublishContext{Action: "twetch/post@0.0.1", TxID: "abc"})
	annotated, err := runtime.AnnotateContext(ctx, mux, req.WithContext(ctx), "/posts.v1.Posts/List")
	if err != nil {
		t.Fatal(err)
	}
	md, _ := metadata.FromOutgoingContext(annotated)
	if got := md.Get(MetadataTxID); len(got) != 1 || got[0] != "abc" {
		t.Errorf("expected txid metadata, got %v", got)
	}

	incoming := metadata.NewIncomingContext(context.Background(), md)
	p, ok := GetPublishFromGRPCContext(incoming)
	if !ok || p.TxID != "abc" || p.Action != "twetch/post@0.0.1" {
		t.Errorf("unexpected publish context %+v", p)
	}
}

func TestGetPublishFromGRPCContext_Missing(t *testing.T) {
	if _, ok := GetPublishFromGRPCContext(context.Background()); ok {
		t.Error("expected no publish context")
	}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetadataAction, "a"))
	if _, ok := GetPublishFromGRPCContext(ctx); ok {
		t.Error("expected no publish context without txid")
	}
}
