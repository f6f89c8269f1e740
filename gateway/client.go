// Package gateway is the HTTP adapter for the twetch API, the auth API and
// the cloud-functions endpoints.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samooth/twetch-go/types"
)

// Default endpoints.
const (
	DefaultAPIURL   = "https://api.twetch.app/v1"
	DefaultAuthURL  = "https://auth.twetch.app"
	DefaultCloudURL = "https://cloud-functions.twetch.app/api"
)

// TokenSource supplies the bearer token for authenticated calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Client talks to the twetch API and cloud functions.
type Client struct {
	baseURL    string
	cloudURL   string
	httpClient *http.Client
	tokens     TokenSource
}

// Option configures a Client or AuthClient.
type Option func(*options)

type options struct {
	httpClient *http.Client
	cloudURL   string
	tokens     TokenSource
}

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithCloudURL overrides DefaultCloudURL.
func WithCloudURL(u string) Option {
	return func(o *options) { o.cloudURL = u }
}

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(ts TokenSource) Option {
	return func(o *options) { o.tokens = ts }
}

func buildOptions(opts []Option) options {
	o := options{cloudURL: DefaultCloudURL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return o
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	o := buildOptions(opts)
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		cloudURL:   strings.TrimRight(o.cloudURL, "/"),
		httpClient: o.httpClient,
		tokens:     o.tokens,
	}
}

// FetchSchema loads the ABI document via GET /abi.
func (c *Client) FetchSchema(ctx context.Context) (*types.ActionSchema, error) {
	var schema types.ActionSchema
	if err := c.do(ctx, "fetch abi", http.MethodGet, c.baseURL+"/abi", nil, false, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

// FetchPayees prices an argument set via POST /payees.
func (c *Client) FetchPayees(ctx context.Context, req *PayeesRequest) (*PayeesResponse, error) {
	var resp PayeesResponse
	if err := c.do(ctx, "fetch payees", http.MethodPost, c.baseURL+"/payees", req, true, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Submit hands a signed transaction to POST /publish and returns the
// response object as sent by the server.
func (c *Client) Submit(ctx context.Context, req *SubmitRequest) (map[string]any, error) {
	resp := make(map[string]any)
	if err := c.do(ctx, "publish", http.MethodPost, c.baseURL+"/publish", req, true, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Query runs a GraphQL document and decodes its data into out.
func (c *Client) Query(ctx context.Context, query string, variables map[string]any, out any) error {
	if variables == nil {
		variables = map[string]any{}
	}
	var resp graphQLResponse
	req := &GraphQLRequest{Query: query, Variables: variables}
	if err := c.do(ctx, "graphql", http.MethodPost, c.baseURL+"/graphql", req, true, &resp); err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		gqlErr := &Error{Op: "graphql", StatusCode: http.StatusOK}
		for _, e := range resp.Errors {
			gqlErr.Errors = append(gqlErr.Errors, e.Message)
		}
		return gqlErr
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("failed to decode graphql data: %w", err)
	}
	return nil
}

// ExchangeRate returns the BSV/USD price from the cloud functions.
func (c *Client) ExchangeRate(ctx context.Context) (float64, error) {
	var resp exchangeRateResponse
	if err := c.do(ctx, "exchange rate", http.MethodGet, c.cloudURL+"/exchange-rate", nil, false, &resp); err != nil {
		return 0, err
	}
	return resp.Price, nil
}

// BSVAlias resolves the identity public key of a paymail.
func (c *Client) BSVAlias(ctx context.Context, paymail string) (string, error) {
	var resp bsvAliasResponse
	u := c.cloudURL + "/bsvalias?address=" + url.QueryEscape(paymail)
	if err := c.do(ctx, "bsvalias", http.MethodGet, u, nil, false, &resp); err != nil {
		return "", err
	}
	if resp.PubKey == "" {
		return "", fmt.Errorf("bsvalias returned no pubkey for %s", paymail)
	}
	return resp.PubKey, nil
}

func (c *Client) do(ctx context.Context, op, method, u string, body any, auth bool, out any) error {
	var header http.Header
	if auth && c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get token for %s: %w", op, err)
		}
		if token != "" {
			header = http.Header{"Authorization": []string{"Bearer " + token}}
		}
	}
	return doJSON(ctx, c.httpClient, op, method, u, header, body, out)
}

func doJSON(ctx context.Context, hc *http.Client, op, method, u string, header http.Header, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s endpoint: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return newError(op, resp.StatusCode, respBody)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
