// Package credentials owns the chat bot's OAuth token pair. One Service
// instance per process guards the pair behind a mutex: every consumer asks it
// for the current access token and never caches the value across calls, so a
// refresh in one goroutine is immediately visible to the rest.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lurkerhound/lurkerhound/internal/logger"
	"github.com/lurkerhound/lurkerhound/internal/storage/pg"
	"github.com/lurkerhound/lurkerhound/internal/twitchapi"
)

// ErrNoCredentials means no token pair has ever been stored. The operator
// must complete the OAuth dance and submit the result via the servlet route.
var ErrNoCredentials = errors.New("credentials: no token pair on record")

// ErrInvalidPayload rejects a servlet submission that failed validation.
type ErrInvalidPayload struct {
	Field  string
	Reason string
}

func (e *ErrInvalidPayload) Error() string {
	return fmt.Sprintf("credentials: invalid %s: %s", e.Field, e.Reason)
}

var tokenPattern = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// TokenRefresher is the slice of the Twitch client the service needs.
type TokenRefresher interface {
	RefreshTokens(ctx context.Context, cfg twitchapi.Config, refreshToken string) (*twitchapi.TokenResponse, error)
}

// Credentials is what API consumers need per request.
type Credentials struct {
	AccessToken string
	ClientID    string
}

// TokenSubmission is the operator-supplied payload from the OAuth servlet.
// Scope accepts either a single space-delimited string or a list; both arrive
// in the wild depending on which grant produced the pair.
type TokenSubmission struct {
	AccessToken  string              `json:"access_token" binding:"required"`
	RefreshToken string              `json:"refresh_token" binding:"required"`
	ExpiresIn    int                 `json:"expires_in" binding:"required"`
	TokenType    string              `json:"token_type" binding:"required"`
	Scope        twitchapi.ScopeList `json:"scope"`
}

// Service is the process-wide credential manager.
type Service struct {
	mu       sync.Mutex
	db       pg.Querier
	refresh  TokenRefresher
	clientID string
	secret   string
	oauthURL string
	logger   *logger.Logger

	current *pg.Secret
	loaded  time.Time
}

func NewService(db pg.Querier, refresh TokenRefresher, clientID, clientSecret, oauthURL string, log *logger.Logger) *Service {
	return &Service{
		db:       db,
		refresh:  refresh,
		clientID: clientID,
		secret:   clientSecret,
		oauthURL: oauthURL,
		logger:   log.WithComponent("credentials"),
	}
}

// Validate checks a servlet submission without touching storage.
func (s *TokenSubmission) Validate() error {
	if !tokenPattern.MatchString(s.AccessToken) {
		return &ErrInvalidPayload{Field: "access_token", Reason: "must be alphanumeric"}
	}
	if !tokenPattern.MatchString(s.RefreshToken) {
		return &ErrInvalidPayload{Field: "refresh_token", Reason: "must be alphanumeric"}
	}
	if s.ExpiresIn <= 0 {
		return &ErrInvalidPayload{Field: "expires_in", Reason: "must be positive"}
	}
	if strings.ToLower(s.TokenType) != "bearer" {
		return &ErrInvalidPayload{Field: "token_type", Reason: "must be 'bearer'"}
	}
	return nil
}

// Ingest validates and persists an operator-submitted token pair, replacing
// whatever was stored before.
func (s *Service) Ingest(ctx context.Context, submission TokenSubmission) error {
	if err := submission.Validate(); err != nil {
		return err
	}

	secret := pg.Secret{
		AccessToken:         submission.AccessToken,
		RefreshToken:        submission.RefreshToken,
		ExpiresIn:           submission.ExpiresIn,
		TokenType:           strings.ToLower(submission.TokenType),
		Scope:               strings.Join(submission.Scope, " "),
		LastUpdateTimestamp: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.UpsertSecret(ctx, secret); err != nil {
		// Without a persisted pair the in-memory one is an orphan a process
		// restart would lose; drop it so the failure is visible now.
		s.current = nil
		return fmt.Errorf("credentials: store submitted tokens: %w", err)
	}
	s.current = &secret
	s.logger.Info("Stored operator-submitted token pair")
	return nil
}

// AccessToken returns a currently-valid access token, loading from storage on
// first use and refreshing against Twitch when the stored pair has expired.
func (s *Service) AccessToken(ctx context.Context) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoadedLocked(ctx); err != nil {
		return Credentials{}, err
	}
	if s.expiredLocked() {
		if err := s.refreshLocked(ctx); err != nil {
			return Credentials{}, err
		}
	}
	return Credentials{AccessToken: s.current.AccessToken, ClientID: s.clientID}, nil
}

// ForceRefresh refreshes the pair regardless of expiry. Used when an API call
// came back 401 before the clock said the token was stale.
func (s *Service) ForceRefresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoadedLocked(ctx); err != nil {
		return err
	}
	return s.refreshLocked(ctx)
}

func (s *Service) ensureLoadedLocked(ctx context.Context) error {
	if s.current != nil {
		return nil
	}
	secret, err := s.db.GetSecret(ctx)
	if errors.Is(err, pg.ErrNotFound) {
		return ErrNoCredentials
	}
	if err != nil {
		return fmt.Errorf("credentials: load stored tokens: %w", err)
	}
	s.current = &secret
	s.loaded = time.Now().UTC()
	return nil
}

func (s *Service) expiredLocked() bool {
	expiry := s.current.LastUpdateTimestamp.Add(time.Duration(s.current.ExpiresIn) * time.Second)
	return !time.Now().UTC().Before(expiry)
}

// refreshLocked exchanges the refresh token for a new pair and persists it.
// A failed exchange drops the in-memory pair so the next caller reloads from
// storage rather than reusing a pair Twitch may have revoked.
func (s *Service) refreshLocked(ctx context.Context) error {
	cfg := twitchapi.Config{
		ClientID:     s.clientID,
		ClientSecret: s.secret,
		OAuthURL:     s.oauthURL,
	}
	token, err := s.refresh.RefreshTokens(ctx, cfg, s.current.RefreshToken)
	if err != nil {
		s.current = nil
		return fmt.Errorf("credentials: refresh tokens: %w", err)
	}

	// Refreshed pairs go through the same validation as servlet submissions.
	refreshed := TokenSubmission{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresIn:    token.ExpiresIn,
		TokenType:    token.TokenType,
		Scope:        token.Scope,
	}
	if err := refreshed.Validate(); err != nil {
		s.current = nil
		return fmt.Errorf("credentials: refresh response rejected: %w", err)
	}

	secret := pg.Secret{
		AccessToken:         token.AccessToken,
		RefreshToken:        token.RefreshToken,
		ExpiresIn:           token.ExpiresIn,
		TokenType:           strings.ToLower(token.TokenType),
		Scope:               strings.Join(token.Scope, " "),
		LastUpdateTimestamp: time.Now().UTC(),
	}
	if err := s.db.UpsertSecret(ctx, secret); err != nil {
		return fmt.Errorf("credentials: store refreshed tokens: %w", err)
	}
	s.current = &secret
	s.logger.Info("Refreshed Twitch token pair")
	return nil
}
