package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/youtube/v3"
)

// TokenManager holds the OAuth token for the YouTube account and persists
// it to a small JSON file so an operator does not have to re-consent on
// every restart. This file is the only state the orchestrator writes to
// disk; job and agent state stay in memory.
type TokenManager struct {
	mu     sync.Mutex
	cfg    *oauth2.Config
	token  *oauth2.Token
	path   string
	logger *zap.Logger
}

// NewTokenManager builds the OAuth config and loads any cached token from
// path. A missing or unreadable cache is not an error: the orchestrator
// runs without a token until the operator completes the consent flow.
func NewTokenManager(clientID, clientSecret, redirectURL, path string, logger *zap.Logger) *TokenManager {
	m := &TokenManager{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{youtube.YoutubeScope},
			Endpoint:     google.Endpoint,
		},
		path:   path,
		logger: logger.Named("oauth"),
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		m.logger.Warn("ignoring unreadable token cache", zap.String("path", path), zap.Error(err))
		return m
	}
	m.token = &tok
	m.logger.Info("loaded cached oauth token", zap.String("path", path))
	return m
}

// AuthURL returns the consent URL the operator must visit. Offline access
// with forced approval guarantees a refresh token comes back.
func (m *TokenManager) AuthURL(state string) string {
	return m.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token and persists it.
func (m *TokenManager) Exchange(ctx context.Context, code string) error {
	tok, err := m.cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("oauth code exchange: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = tok
	return m.persistLocked()
}

// UpdateRefreshToken rotates the refresh token without a process restart.
// The access token is invalidated so the next API call refreshes against
// the new credential.
func (m *TokenManager) UpdateRefreshToken(refreshToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == nil {
		m.token = &oauth2.Token{}
	}
	m.token.RefreshToken = refreshToken
	m.token.AccessToken = ""
	m.token.Expiry = time.Time{}
	return m.persistLocked()
}

// Clear drops the stored token and removes the cache file.
func (m *TokenManager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.token = nil
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove token cache: %w", err)
	}
	return nil
}

// HasToken reports whether a usable credential is held.
func (m *TokenManager) HasToken() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token != nil && m.token.RefreshToken != ""
}

// TokenSource returns an oauth2.TokenSource that refreshes as needed and
// writes refreshed tokens back to the cache file.
func (m *TokenManager) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	m.mu.Lock()
	tok := m.token
	m.mu.Unlock()

	if tok == nil {
		return nil, fmt.Errorf("no oauth token, complete the consent flow first")
	}
	return &savingSource{mgr: m, src: m.cfg.TokenSource(ctx, tok)}, nil
}

// persistLocked writes the current token to the cache file. Caller holds mu.
func (m *TokenManager) persistLocked() error {
	if m.token == nil {
		return nil
	}
	raw, err := json.Marshal(m.token)
	if err != nil {
		return fmt.Errorf("marshal oauth token: %w", err)
	}
	if err := os.WriteFile(m.path, raw, 0o600); err != nil {
		return fmt.Errorf("write token cache: %w", err)
	}
	return nil
}

// savingSource persists refreshed tokens so a restart does not lose the
// rotated access token.
type savingSource struct {
	mgr *TokenManager
	src oauth2.TokenSource
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}

	s.mgr.mu.Lock()
	if s.mgr.token == nil || s.mgr.token.AccessToken != tok.AccessToken {
		s.mgr.token = tok
		if perr := s.mgr.persistLocked(); perr != nil {
			s.mgr.logger.Warn("failed to persist refreshed token", zap.Error(perr))
		}
	}
	s.mgr.mu.Unlock()
	return tok, nil
}
