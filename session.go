package twetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/samooth/twetch-go/gateway"
	"github.com/samooth/twetch-go/types"
)

// TokenStorageKey is where the bearer token is persisted.
const TokenStorageKey = "tokenTwetchAuth"

// session owns the bearer token. It implements gateway.TokenSource.
type session struct {
	store    types.KeyValueStore
	auth     *gateway.AuthClient
	signer   types.Signer
	protocol int
	logger   *zap.Logger

	mu            sync.RWMutex
	authenticated bool
	token         string
}

func newSession(store types.KeyValueStore, auth *gateway.AuthClient, signer types.Signer, protocol int, logger *zap.Logger) *session {
	return &session{
		store:    store,
		auth:     auth,
		signer:   signer,
		protocol: protocol,
		logger:   logger,
	}
}

func (s *session) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	if token != "" {
		return token, nil
	}

	stored, ok, err := s.store.Get(ctx, TokenStorageKey)
	if err != nil {
		return "", fmt.Errorf("load token: %w", err)
	}
	if !ok {
		return "", nil
	}
	return stored, nil
}

func (s *session) isAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// ensure makes sure a token is available. The current protocol performs one
// fresh challenge per client; the legacy protocol reuses a stored token
// until it expires.
func (s *session) ensure(ctx context.Context) error {
	if s.isAuthenticated() {
		return nil
	}

	if s.protocol == ProtocolLegacy {
		stored, ok, err := s.store.Get(ctx, TokenStorageKey)
		if err != nil {
			return NewClientError(ErrCodeAuthenticationRequired, "could not read stored token", err)
		}
		if ok && stored != "" && !tokenExpired(stored, time.Now()) {
			s.set(stored)
			return nil
		}
	}

	if _, err := s.authenticate(ctx, false); err != nil {
		return NewClientError(ErrCodeAuthenticationRequired, "could not obtain a session token", err)
	}
	return nil
}

// authenticate signs a fresh challenge and stores the resulting token.
func (s *session) authenticate(ctx context.Context, create bool) (string, error) {
	message, err := s.auth.Challenge(ctx)
	if err != nil {
		return "", err
	}
	signature, err := s.signer.Sign(message)
	if err != nil {
		return "", fmt.Errorf("sign challenge: %w", err)
	}
	address, err := s.signer.Address()
	if err != nil {
		return "", fmt.Errorf("wallet address: %w", err)
	}

	token, err := s.auth.Authenticate(ctx, &gateway.AuthRequest{
		Message:   message,
		Signature: signature,
		Address:   address,
		V2:        create,
	})
	if err != nil {
		return "", err
	}
	if err := s.store.Set(ctx, TokenStorageKey, token); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	s.set(token)
	s.logger.Debug("authenticated", zap.String("address", address))
	return token, nil
}

func (s *session) set(token string) {
	s.mu.Lock()
	s.token = token
	s.authenticated = true
	s.mu.Unlock()
}

// invalidate forgets the token after the server rejected it.
func (s *session) invalidate(ctx context.Context) {
	s.mu.Lock()
	s.token = ""
	s.authenticated = false
	s.mu.Unlock()

	if err := s.store.Delete(ctx, TokenStorageKey); err != nil {
		s.logger.Warn("failed to delete rejected token", zap.Error(err))
	}
}

// tokenExpired reports whether token is a JWT whose exp lies before now.
// Opaque tokens never expire locally.
func tokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now)
}
