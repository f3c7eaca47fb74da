// Package credentials resolves per-user LinkedIn access tokens. Tokens
// are refreshed through the standard OAuth2 flow; an expired or revoked
// grant surfaces as AuthError so publishing can fail permanently instead
// of retrying into a wall.
package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// AuthError marks a credential failure that no amount of retrying fixes.
type AuthError struct {
	UserID string
	Cause  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("credentials for user %s: %v", e.UserID, e.Cause)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// Provider hands out bearer tokens for outbound LinkedIn calls.
type Provider interface {
	// Token returns a currently valid access token for the user, refreshing
	// it when needed. A *AuthError means the grant itself is dead.
	Token(ctx context.Context, userID string) (string, error)
}

// TokenStore persists OAuth2 grants per user.
type TokenStore interface {
	Get(ctx context.Context, userID string) (*oauth2.Token, error)
	Put(ctx context.Context, userID string, token *oauth2.Token) error
}

// OAuthProvider refreshes tokens against the provider's token endpoint
// and writes refreshed grants back to the store.
type OAuthProvider struct {
	conf  *oauth2.Config
	store TokenStore
}

func NewOAuthProvider(clientID, clientSecret, tokenURL string, store TokenStore) *OAuthProvider {
	return &OAuthProvider{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		},
		store: store,
	}
}

func (p *OAuthProvider) Token(ctx context.Context, userID string) (string, error) {
	stored, err := p.store.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if stored == nil {
		return "", &AuthError{UserID: userID, Cause: fmt.Errorf("no grant on file")}
	}
	if stored.Valid() {
		return stored.AccessToken, nil
	}
	refreshed, err := p.conf.TokenSource(ctx, stored).Token()
	if err != nil {
		return "", &AuthError{UserID: userID, Cause: err}
	}
	if refreshed.AccessToken != stored.AccessToken {
		if err := p.store.Put(ctx, userID, refreshed); err != nil {
			return "", err
		}
	}
	return refreshed.AccessToken, nil
}

// MemoryStore keeps grants in memory. Used by tests and single-node
// deployments that load grants from config at startup.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]*oauth2.Token
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]*oauth2.Token)}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.grants[userID]
	if !ok {
		return nil, nil
	}
	copied := *tok
	return &copied, nil
}

func (s *MemoryStore) Put(_ context.Context, userID string, token *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *token
	s.grants[userID] = &copied
	return nil
}

// Seed installs a long-lived access token for a user. Handy for tokens
// issued out of band that never expire within the process lifetime.
func (s *MemoryStore) Seed(userID, accessToken string) {
	_ = s.Put(context.Background(), userID, &oauth2.Token{
		AccessToken: accessToken,
		Expiry:      time.Now().Add(24 * 365 * time.Hour),
	})
}

// SeedGrant installs a full grant for a user. An access token with no
// expiry is served as-is; a refresh-only grant is exchanged for an
// access token on first use.
func (s *MemoryStore) SeedGrant(userID, accessToken, refreshToken string) {
	_ = s.Put(context.Background(), userID, &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	})
}

// StaticProvider always returns the same token. Test double.
type StaticProvider struct {
	AccessToken string
	Err         error
}

func (p StaticProvider) Token(context.Context, string) (string, error) {
	return p.AccessToken, p.Err
}
