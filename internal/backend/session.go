package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/chatsync/internal/tokenfile"
)

const refreshPath = "/auth/v1/token?grant_type=refresh_token"

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	RefreshSession(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// AuthClient talks to the backend's auth service. Only silent refresh is
// supported; signing in happens elsewhere.
type AuthClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	nowFunc    func() time.Time
}

// NewAuthClient creates an auth client for the project at baseURL.
func NewAuthClient(baseURL, apiKey string, httpClient *http.Client) *AuthClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &AuthClient{baseURL: baseURL, apiKey: apiKey, httpClient: httpClient, nowFunc: time.Now}
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// RefreshSession implements Refresher. A rejected refresh token yields
// ErrUnauthorized.
func (a *AuthClient) RefreshSession(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, fmt.Errorf("backend: encoding refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+refreshPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("backend: creating refresh request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if a.apiKey != "" {
		req.Header.Set("apikey", a.apiKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: refreshing session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)

		sentinel := classifyStatus(resp.StatusCode)
		if resp.StatusCode == http.StatusBadRequest {
			// The auth service answers 400 for revoked or unknown tokens.
			sentinel = ErrUnauthorized
		}

		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(msg), Err: sentinel}
	}

	var rr refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("backend: decoding refresh response: %w", err)
	}

	tok := &oauth2.Token{
		AccessToken:  rr.AccessToken,
		TokenType:    rr.TokenType,
		RefreshToken: rr.RefreshToken,
	}

	if rr.ExpiresIn > 0 {
		tok.Expiry = a.nowFunc().Add(time.Duration(rr.ExpiresIn) * time.Second)
	}

	return tok, nil
}

// SessionSource is a TokenSource backed by a session file. Expired tokens
// are refreshed through the Refresher and written back to the file.
type SessionSource struct {
	userID   string
	username string
	src      oauth2.TokenSource
}

// NewSessionSource loads the session file at path. Returns ErrNoSession when
// the file does not exist. ctx bounds refresh calls and must outlive the
// source.
func NewSessionSource(ctx context.Context, path string, refresher Refresher, logger *slog.Logger) (*SessionSource, error) {
	sess, err := tokenfile.Load(path)
	if err != nil {
		return nil, fmt.Errorf("backend: loading session: %w", err)
	}

	if sess == nil {
		return nil, fmt.Errorf("%w: %s does not exist", ErrNoSession, path)
	}

	rs := &refreshingSource{
		ctx:       ctx,
		path:      path,
		refresher: refresher,
		logger:    logger,
		last:      sess.Token,
	}

	return &SessionSource{
		userID:   sess.UserID,
		username: sess.Username,
		src:      oauth2.ReuseTokenSource(sess.Token, rs),
	}, nil
}

// Token implements TokenSource.
func (s *SessionSource) Token() (string, error) {
	tok, err := s.src.Token()
	if err != nil {
		return "", err
	}

	return tok.AccessToken, nil
}

// UserID returns the signed-in user's id.
func (s *SessionSource) UserID() string {
	return s.userID
}

// Username returns the signed-in user's name, if the session file has one.
func (s *SessionSource) Username() string {
	return s.username
}

// refreshingSource produces a fresh token once the cached one expired:
// first by re-reading the file (another process may have refreshed it),
// then through the Refresher.
type refreshingSource struct {
	ctx       context.Context
	path      string
	refresher Refresher
	logger    *slog.Logger

	mu   sync.Mutex
	last *oauth2.Token
}

func (r *refreshingSource) Token() (*oauth2.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, err := tokenfile.Load(r.path); err == nil && sess != nil {
		r.last = sess.Token
		if sess.Token.Valid() {
			return sess.Token, nil
		}
	}

	if r.refresher == nil || r.last == nil || r.last.RefreshToken == "" {
		return nil, fmt.Errorf("%w: session expired", ErrUnauthorized)
	}

	tok, err := r.refresher.RefreshSession(r.ctx, r.last.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("backend: refreshing session: %w", err)
	}

	r.last = tok

	if err := tokenfile.UpdateToken(r.path, tok); err != nil {
		r.logger.Warn("backend: cannot persist refreshed session",
			slog.String("path", r.path),
			slog.String("error", err.Error()),
		)
	}

	r.logger.Info("backend: session refreshed", slog.Time("expiry", tok.Expiry))

	return tok, nil
}
