// Package session talks to the external session-issuance collaborator.
// A token is required to open the signaling channel; tokens are cached
// per region for the lifetime of the process.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/peerlink/peerlink/internal/domain"
)

// Token is the opaque bearer credential for the signaling channel.
type Token string

type initRequest struct {
	Region string `json:"region"`
	Locale string `json:"locale"`
}

type initResponse struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// TokenSource issues and caches session tokens.
type TokenSource struct {
	baseURL string
	locale  string
	client  *http.Client

	mu    sync.Mutex
	cache map[domain.Region]Token
}

func NewTokenSource(baseURL, locale string) *TokenSource {
	return &TokenSource{
		baseURL: baseURL,
		locale:  locale,
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   make(map[domain.Region]Token),
	}
}

// Get returns the cached token for the region, issuing a new one on
// first use.
func (s *TokenSource) Get(ctx context.Context, region domain.Region) (Token, error) {
	s.mu.Lock()
	if tok, ok := s.cache[region]; ok {
		s.mu.Unlock()
		return tok, nil
	}
	s.mu.Unlock()

	body, err := json.Marshal(initRequest{Region: string(region), Locale: s.locale})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/api/session/init", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("session init: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("session init: unexpected status %d", resp.StatusCode)
	}

	var out initResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("session init: decode: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("session init: empty token")
	}

	log.Info().Str("module", "session").Str("region", string(region)).
		Str("session_id", out.SessionID).Msg("session token issued")

	s.mu.Lock()
	s.cache[region] = Token(out.Token)
	s.mu.Unlock()
	return Token(out.Token), nil
}

// Invalidate drops the cached token for a region. The transport calls
// this after an authentication rejection so a later find re-issues.
func (s *TokenSource) Invalidate(region domain.Region) {
	s.mu.Lock()
	delete(s.cache, region)
	s.mu.Unlock()
}
