package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// AuthClient runs the challenge/response exchange that yields a bearer token.
type AuthClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAuthClient creates a client for the auth API rooted at baseURL.
func NewAuthClient(baseURL string, opts ...Option) *AuthClient {
	o := buildOptions(opts)
	if baseURL == "" {
		baseURL = DefaultAuthURL
	}
	return &AuthClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: o.httpClient,
	}
}

// Challenge fetches the message to sign.
func (a *AuthClient) Challenge(ctx context.Context) (string, error) {
	var resp ChallengeResponse
	if err := doJSON(ctx, a.httpClient, "auth challenge", http.MethodGet, a.baseURL+"/api/v1/challenge", nil, nil, &resp); err != nil {
		return "", err
	}
	if resp.Message == "" {
		return "", fmt.Errorf("auth challenge returned an empty message")
	}
	return resp.Message, nil
}

// Authenticate exchanges a signed challenge for a token.
func (a *AuthClient) Authenticate(ctx context.Context, req *AuthRequest) (string, error) {
	var resp AuthResponse
	if err := doJSON(ctx, a.httpClient, "authenticate", http.MethodPost, a.baseURL+"/api/v1/authenticate", nil, req, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("authenticate returned no token")
	}
	return resp.Token, nil
}
