// Package enumerator walks the live-stream listing for a scan. Every stream
// matching the scan profile becomes a pending viewerlist fetch: a Postgres
// row plus a pending-queue entry for the conductor to meter out.
package enumerator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lurkerhound/lurkerhound/internal/config"
	"github.com/lurkerhound/lurkerhound/internal/credentials"
	"github.com/lurkerhound/lurkerhound/internal/logger"
	"github.com/lurkerhound/lurkerhound/internal/metrics"
	"github.com/lurkerhound/lurkerhound/internal/storage/pg"
	"github.com/lurkerhound/lurkerhound/internal/twitchapi"
)

// StreamLister is the slice of the Twitch client the enumerator needs.
type StreamLister interface {
	GetStreams(ctx context.Context, cfg twitchapi.Config, params twitchapi.GetStreamsParams) (*twitchapi.StreamsPage, error)
}

// TokenSource provides per-page credentials and a forced refresh when the
// platform rejects a token mid-walk.
type TokenSource interface {
	AccessToken(ctx context.Context) (credentials.Credentials, error)
	ForceRefresh(ctx context.Context) error
}

// Enqueuer is the pending-queue surface the enumerator writes to.
type Enqueuer interface {
	Enqueue(ctx context.Context, item any) error
}

// Enumerator fills a scan's pending queue from the live-stream listing.
type Enumerator struct {
	db       pg.Querier
	api      StreamLister
	tokens   TokenSource
	pending  Enqueuer
	helixURL string
	profile  *config.ScanProfile
	logger   *logger.Logger
}

func New(db pg.Querier, api StreamLister, tokens TokenSource, pending Enqueuer,
	helixURL string, profile *config.ScanProfile, log *logger.Logger) *Enumerator {
	return &Enumerator{
		db:       db,
		api:      api,
		tokens:   tokens,
		pending:  pending,
		helixURL: helixURL,
		profile:  profile,
		logger:   log.WithComponent("enumerator"),
	}
}

// Enumerate walks every page of live streams for the scan and returns how
// many fetches it staged. The scan's stream count is written once the walk
// finishes, so readers can tell a fully-enumerated scan from one mid-walk.
func (e *Enumerator) Enumerate(ctx context.Context, scanID uuid.UUID) (int, error) {
	ctx = logger.WithScanID(ctx, scanID.String())
	log := e.logger.WithContext(ctx)

	params := twitchapi.GetStreamsParams{First: 100}
	if e.profile != nil {
		params.GameIDs = e.profile.GameIDs
		params.Languages = e.profile.Languages
		if e.profile.PageSize > 0 {
			params.First = e.profile.PageSize
		}
	}

	total := 0
	refreshed := false
	for {
		creds, err := e.tokens.AccessToken(ctx)
		if err != nil {
			return total, fmt.Errorf("enumerator: obtain credentials: %w", err)
		}
		cfg := twitchapi.Config{
			AccessToken: creds.AccessToken,
			ClientID:    creds.ClientID,
			BaseURL:     e.helixURL,
		}

		page, err := e.api.GetStreams(ctx, cfg, params)
		if err != nil {
			var apiErr *twitchapi.APIError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized && !refreshed {
				refreshed = true
				if err := e.tokens.ForceRefresh(ctx); err != nil {
					return total, fmt.Errorf("enumerator: refresh after 401: %w", err)
				}
				continue
			}
			return total, fmt.Errorf("enumerator: list streams: %w", err)
		}

		for _, stream := range page.Streams {
			if err := e.stage(ctx, scanID, stream); err != nil {
				log.LogError(ctx, err, "Skipping stream", "channel", stream.UserLogin)
				continue
			}
			total++
			metrics.StreamsEnumerated.Inc()
		}

		if page.Cursor == "" {
			break
		}
		params.After = page.Cursor
	}

	if err := e.db.SetScanningSessionStreamCount(ctx, scanID, total); err != nil {
		return total, fmt.Errorf("enumerator: record stream count: %w", err)
	}
	log.Info("Enumeration complete", "streams", total)
	return total, nil
}

// stage turns one stream descriptor into a pending fetch: category and
// partial streamer profile upserts, the fetch row, and the queue entry.
func (e *Enumerator) stage(ctx context.Context, scanID uuid.UUID, stream twitchapi.Stream) error {
	ownerID, err := strconv.ParseInt(stream.UserID, 10, 64)
	if err != nil {
		return fmt.Errorf("enumerator: bad user id %q: %w", stream.UserID, err)
	}
	streamID, err := strconv.ParseInt(stream.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("enumerator: bad stream id %q: %w", stream.ID, err)
	}
	// Streams without a category report an empty game id.
	var categoryID int64
	if stream.GameID != "" {
		categoryID, err = strconv.ParseInt(stream.GameID, 10, 64)
		if err != nil {
			return fmt.Errorf("enumerator: bad game id %q: %w", stream.GameID, err)
		}
	}
	startedAt, err := time.Parse(time.RFC3339, stream.StartedAt)
	if err != nil {
		startedAt = time.Now().UTC()
	}

	if categoryID != 0 {
		err := e.db.UpsertStreamCategory(ctx, pg.StreamCategory{
			CategoryID:   categoryID,
			CategoryName: stream.GameName,
		})
		if err != nil {
			return fmt.Errorf("enumerator: upsert category: %w", err)
		}
	}
	if err := e.db.UpsertPartialUserProfile(ctx, ownerID, stream.UserLogin); err != nil {
		return fmt.Errorf("enumerator: upsert streamer profile: %w", err)
	}

	fetch := pg.StreamFetch{
		FetchID:           uuid.New(),
		ScanningSessionID: scanID,
		ChannelOwnerID:    ownerID,
		CategoryID:        categoryID,
		StreamID:          streamID,
		ViewerCount:       int(stream.ViewerCount),
		StreamStartedAt:   startedAt,
		Language:          stream.Language,
		IsMature:          stream.IsMature,
		WasLive:           stream.Type == "live",
		FetchStatus:       pg.FetchPending,
		FetchActionAt:     time.Now().UTC(),
	}
	if err := e.db.CreateStreamFetch(ctx, fetch); err != nil {
		return fmt.Errorf("enumerator: create fetch row: %w", err)
	}

	payload := map[string]string{
		"fetch_id": fetch.FetchID.String(),
		"scan_id":  scanID.String(),
		"channel":  stream.UserLogin,
	}
	if err := e.pending.Enqueue(ctx, payload); err != nil {
		return fmt.Errorf("enumerator: enqueue pending fetch: %w", err)
	}
	return nil
}
