package twetch

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"

	"go.uber.org/zap"
)

// HookConfig configures the HTTP middleware and gRPC interceptors that record
// an action whenever a matching request is served
type HookConfig struct {
	// Publisher records the actions, usually a *Client
	Publisher Publisher

	// EndpointActions maps URL patterns to action rules
	// Patterns support exact matches ("/v1/posts") and wildcards ("/v1/*")
	// Used by HTTP middleware (grpc-gateway)
	EndpointActions map[string]ActionRule

	// MethodActions maps gRPC method names to action rules
	// Methods are full names like "/package.Service/Method"
	// Supports wildcards: "/package.Service/*" matches all methods in a service
	// Used by native gRPC interceptors
	MethodActions map[string]ActionRule

	// DefaultAction is used when no pattern matches (optional)
	// If nil, unmatched requests record nothing
	DefaultAction *ActionRule

	// SkipPaths lists paths that never record an action
	SkipPaths []string

	// SkipMethods lists gRPC methods that never record an action
	SkipMethods []string

	// Logger defaults to a no-op logger
	Logger *zap.Logger
}

// ActionRule describes the action recorded for a route
type ActionRule struct {
	// Action is the ABI action name, e.g. "twetch/post@0.0.1"
	Action string

	// Fields are static payload entries. They override request values
	Fields map[string]any

	// HTTPPayload builds the payload from an HTTP request (optional)
	// If nil, the JSON request body is used
	HTTPPayload func(r *http.Request) (map[string]any, error)

	// GRPCPayload builds the payload from a gRPC request message (optional)
	// If nil, the twetch-payload metadata or the protojson form of the
	// message is used
	GRPCPayload func(ctx context.Context, req any) (map[string]any, error)
}

// Validate checks if the configuration is valid
func (c *HookConfig) Validate() error {
	if c.Publisher == nil {
		return fmt.Errorf("publisher is required")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	for pattern, rule := range c.EndpointActions {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("invalid action rule for pattern %q: %w", pattern, err)
		}
	}

	for method, rule := range c.MethodActions {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("invalid action rule for method %q: %w", method, err)
		}
	}

	if c.DefaultAction != nil {
		if err := c.DefaultAction.Validate(); err != nil {
			return fmt.Errorf("invalid default action rule: %w", err)
		}
	}
	return nil
}

// Validate checks if the action rule is valid
func (r *ActionRule) Validate() error {
	if r.Action == "" {
		return fmt.Errorf("action is required")
	}
	return nil
}

// Payload merges the static fields over base.
func (r *ActionRule) Payload(base map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(r.Fields))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range r.Fields {
		out[k] = v
	}
	return out
}

// MatchEndpoint finds the action rule for a given path
func (c *HookConfig) MatchEndpoint(requestPath string) (*ActionRule, bool) {
	return match(requestPath, c.SkipPaths, c.EndpointActions, c.DefaultAction)
}

// MatchMethod finds the action rule for a given gRPC method
func (c *HookConfig) MatchMethod(fullMethod string) (*ActionRule, bool) {
	return match(fullMethod, c.SkipMethods, c.MethodActions, c.DefaultAction)
}

// match tries skips, exact matches, the longest matching pattern, then the
// default rule.
func match(name string, skips []string, rules map[string]ActionRule, def *ActionRule) (*ActionRule, bool) {
	for _, skip := range skips {
		if matchPath(name, skip) {
			return nil, false
		}
	}

	if rule, ok := rules[name]; ok {
		return &rule, true
	}

	var bestMatch string
	var bestRule *ActionRule
	for pattern, rule := range rules {
		if !matchPath(name, pattern) {
			continue
		}
		// Longer patterns are more specific; ties go to the lexically smaller
		// pattern so the choice does not depend on map order.
		if bestRule == nil || len(pattern) > len(bestMatch) || (len(pattern) == len(bestMatch) && pattern < bestMatch) {
			bestMatch = pattern
			ruleCopy := rule
			bestRule = &ruleCopy
		}
	}
	if bestRule != nil {
		return bestRule, true
	}

	if def != nil {
		return def, true
	}
	return nil, false
}

// matchPath checks if a request path matches a pattern
// Supports wildcards: /v1/* matches /v1/foo, /v1/foo/bar, etc.
func matchPath(requestPath, pattern string) bool {
	if requestPath == pattern {
		return true
	}

	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(requestPath, prefix+"/") || requestPath == prefix
	}

	matched, _ := path.Match(pattern, requestPath)
	return matched
}
