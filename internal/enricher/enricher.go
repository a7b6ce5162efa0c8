// Package enricher fills in partial user profiles. Viewers enter storage as
// bare login names; the enricher resolves them in batches against the
// platform's user endpoint and records account-level detail.
package enricher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/lurkerhound/lurkerhound/internal/credentials"
	"github.com/lurkerhound/lurkerhound/internal/logger"
	"github.com/lurkerhound/lurkerhound/internal/metrics"
	"github.com/lurkerhound/lurkerhound/internal/storage/pg"
	"github.com/lurkerhound/lurkerhound/internal/twitchapi"
)

// UserLister is the slice of the Twitch client the enricher needs.
type UserLister interface {
	GetUsers(ctx context.Context, cfg twitchapi.Config, logins []string) ([]twitchapi.User, error)
}

// TokenSource mirrors the credential manager surface used per batch.
type TokenSource interface {
	AccessToken(ctx context.Context) (credentials.Credentials, error)
	ForceRefresh(ctx context.Context) error
}

// EnrichedFlagger is the slice of the sightings cache the enricher flips.
type EnrichedFlagger interface {
	SetEnriched(ctx context.Context, login string, enriched bool) (bool, error)
}

// Enricher runs the profile-enrichment batch job.
type Enricher struct {
	db        pg.Querier
	api       UserLister
	tokens    TokenSource
	cache     EnrichedFlagger
	helixURL  string
	batchSize int
	baseDelay time.Duration
	logger    *logger.Logger
}

func New(db pg.Querier, api UserLister, tokens TokenSource, cache EnrichedFlagger,
	helixURL string, batchSize int, log *logger.Logger) *Enricher {
	if batchSize <= 0 || batchSize > 100 {
		batchSize = 100
	}
	return &Enricher{
		db:        db,
		api:       api,
		tokens:    tokens,
		cache:     cache,
		helixURL:  helixURL,
		batchSize: batchSize,
		baseDelay: time.Second,
		logger:    log.WithComponent("enricher"),
	}
}

// RunOnce enriches up to one batch of unenriched profiles and returns how
// many it filled in. Schedulers call it repeatedly; an empty batch means the
// backlog is drained.
func (e *Enricher) RunOnce(ctx context.Context) (int, error) {
	logins, err := e.db.ListUnenrichedLogins(ctx, e.batchSize)
	if err != nil {
		return 0, fmt.Errorf("enricher: list unenriched logins: %w", err)
	}
	if len(logins) == 0 {
		return 0, nil
	}

	users, err := e.lookup(ctx, logins)
	if err != nil {
		return 0, err
	}

	enriched := 0
	for _, user := range users {
		if err := e.record(ctx, user); err != nil {
			e.logger.LogError(ctx, err, "Failed to record enriched profile", "login", user.Login)
			continue
		}
		enriched++
		metrics.ProfilesEnriched.Inc()
	}

	// Logins the platform no longer knows (renamed or deleted accounts)
	// would otherwise be retried forever.
	known := make(map[string]struct{}, len(users))
	for _, user := range users {
		known[user.Login] = struct{}{}
	}
	for _, login := range logins {
		if _, ok := known[login]; !ok {
			e.logger.Warn("Login unknown to platform, leaving profile partial", "login", login)
		}
	}

	e.logger.Info("Enrichment batch done", "requested", len(logins), "enriched", enriched)
	return enriched, nil
}

// lookup calls the user endpoint with 401-refresh, 429-backoff and bounded
// 5xx retries.
func (e *Enricher) lookup(ctx context.Context, logins []string) ([]twitchapi.User, error) {
	refreshed := false
	serverErrs := 0
	for {
		creds, err := e.tokens.AccessToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("enricher: obtain credentials: %w", err)
		}
		cfg := twitchapi.Config{
			AccessToken: creds.AccessToken,
			ClientID:    creds.ClientID,
			BaseURL:     e.helixURL,
		}

		users, err := e.api.GetUsers(ctx, cfg, logins)
		if err == nil {
			return users, nil
		}

		var apiErr *twitchapi.APIError
		if !errors.As(err, &apiErr) {
			return nil, fmt.Errorf("enricher: get users: %w", err)
		}
		switch {
		case apiErr.Status == http.StatusUnauthorized && !refreshed:
			refreshed = true
			if err := e.tokens.ForceRefresh(ctx); err != nil {
				return nil, fmt.Errorf("enricher: refresh after 401: %w", err)
			}
		case apiErr.Status == http.StatusTooManyRequests:
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.baseDelay):
			}
		case apiErr.Status >= 500 && serverErrs < 3:
			serverErrs++
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(serverErrs) * e.baseDelay):
			}
		default:
			return nil, fmt.Errorf("enricher: get users: %w", err)
		}
	}
}

func (e *Enricher) record(ctx context.Context, user twitchapi.User) error {
	accountID, err := strconv.ParseInt(user.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("enricher: bad account id %q: %w", user.ID, err)
	}

	profile := pg.TwitchUserData{
		TwitchAccountID: accountID,
		LoginName:       user.Login,
		HasBeenEnriched: true,
	}
	if user.Type != "" {
		profile.AccountType = &user.Type
	}
	if user.BroadcasterType != "" {
		profile.BroadcasterType = &user.BroadcasterType
	}
	if created, err := time.Parse(time.RFC3339, user.CreatedAt); err == nil {
		profile.AccountCreatedAt = &created
	}

	if err := e.db.UpsertEnrichedUserProfile(ctx, profile); err != nil {
		return fmt.Errorf("enricher: upsert profile: %w", err)
	}

	// The cache flag only exists while the login is in the current scan's
	// cache; a miss is normal for logins from older scans.
	if _, err := e.cache.SetEnriched(ctx, user.Login, true); err != nil {
		e.logger.LogError(ctx, err, "Failed to flag cache entry enriched", "login", user.Login)
	}
	return nil
}
