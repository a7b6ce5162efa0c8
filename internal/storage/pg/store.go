package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Querier is the persistence surface the pipeline components depend on.
// Services take this interface so tests can hand them fakes.
type Querier interface {
	CreateScanningSession(ctx context.Context, scan ScanningSession) error
	GetScanningSession(ctx context.Context, id uuid.UUID) (ScanningSession, error)
	SetScanningSessionStreamCount(ctx context.Context, id uuid.UUID, streams int) error
	FinalizeScanningSession(ctx context.Context, params FinalizeScanParams) error
	GetLatestCompletedScan(ctx context.Context) (ScanningSession, error)

	CreateStreamFetch(ctx context.Context, fetch StreamFetch) error
	UpdateStreamFetchStatus(ctx context.Context, fetchID uuid.UUID, status FetchStatus) error
	CompleteStreamFetch(ctx context.Context, params CompleteFetchParams) error
	CountNonTerminalFetches(ctx context.Context, scanID uuid.UUID) (int64, error)
	CountFetchesByStatus(ctx context.Context, scanID uuid.UUID, status FetchStatus) (int64, error)

	CreateViewerSighting(ctx context.Context, sighting ViewerSighting) error
	ListSightingCountsForScan(ctx context.Context, scanID uuid.UUID) ([]LoginSightingCount, error)

	UpsertPartialUserProfile(ctx context.Context, accountID int64, loginName string) error
	UpsertEnrichedUserProfile(ctx context.Context, user TwitchUserData) error
	UpdateViewerAggregates(ctx context.Context, params ViewerAggregateParams) error
	ListUnenrichedLogins(ctx context.Context, limit int) ([]string, error)

	UpsertStreamCategory(ctx context.Context, category StreamCategory) error

	UpsertSecret(ctx context.Context, secret Secret) error
	GetSecret(ctx context.Context) (Secret, error)
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("pg: not found")

// Store implements Querier against a live database handle.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ Querier = (*Store)(nil)

func (s *Store) CreateScanningSession(ctx context.Context, scan ScanningSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scanning_sessions (id, time_started, reason_ended, streams_in_scan, viewerlists_fetched, error_count)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		scan.ID, scan.TimeStarted, scan.ReasonEnded, scan.StreamsInScan, scan.ViewerlistsFetched, scan.ErrorCount)
	if err != nil {
		return fmt.Errorf("failed to create scanning session: %w", err)
	}
	return nil
}

func (s *Store) GetScanningSession(ctx context.Context, id uuid.UUID) (ScanningSession, error) {
	var scan ScanningSession
	err := s.db.QueryRowContext(ctx, `
		SELECT id, time_started, time_ended, reason_ended, streams_in_scan, viewerlists_fetched, error_count
		FROM scanning_sessions WHERE id = $1`, id).
		Scan(&scan.ID, &scan.TimeStarted, &scan.TimeEnded, &scan.ReasonEnded,
			&scan.StreamsInScan, &scan.ViewerlistsFetched, &scan.ErrorCount)
	if errors.Is(err, sql.ErrNoRows) {
		return ScanningSession{}, ErrNotFound
	}
	if err != nil {
		return ScanningSession{}, fmt.Errorf("failed to get scanning session: %w", err)
	}
	return scan, nil
}

func (s *Store) SetScanningSessionStreamCount(ctx context.Context, id uuid.UUID, streams int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scanning_sessions SET streams_in_scan = $2 WHERE id = $1`, id, streams)
	if err != nil {
		return fmt.Errorf("failed to set stream count: %w", err)
	}
	return nil
}

func (s *Store) FinalizeScanningSession(ctx context.Context, params FinalizeScanParams) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scanning_sessions
		SET time_ended = $2, reason_ended = $3, viewerlists_fetched = $4, error_count = $5
		WHERE id = $1`,
		params.ID, params.TimeEnded, params.ReasonEnded, params.ViewerlistsFetched, params.ErrorCount)
	if err != nil {
		return fmt.Errorf("failed to finalize scanning session: %w", err)
	}
	return nil
}

// GetLatestCompletedScan returns the most recently finished complete scan,
// the one the aggregator rolls up.
func (s *Store) GetLatestCompletedScan(ctx context.Context) (ScanningSession, error) {
	var scan ScanningSession
	err := s.db.QueryRowContext(ctx, `
		SELECT id, time_started, time_ended, reason_ended, streams_in_scan, viewerlists_fetched, error_count
		FROM scanning_sessions
		WHERE reason_ended = 'complete'
		ORDER BY time_ended DESC
		LIMIT 1`).
		Scan(&scan.ID, &scan.TimeStarted, &scan.TimeEnded, &scan.ReasonEnded,
			&scan.StreamsInScan, &scan.ViewerlistsFetched, &scan.ErrorCount)
	if errors.Is(err, sql.ErrNoRows) {
		return ScanningSession{}, ErrNotFound
	}
	if err != nil {
		return ScanningSession{}, fmt.Errorf("failed to get latest completed scan: %w", err)
	}
	return scan, nil
}

func (s *Store) CreateStreamFetch(ctx context.Context, fetch StreamFetch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_viewerlist_fetches (
			fetch_id, scanning_session_id, channel_owner_id, category_id, stream_id,
			viewer_count, stream_started_at, language, is_mature, was_live,
			fetch_status, fetch_action_at, duration_of_fetch_action)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		fetch.FetchID, fetch.ScanningSessionID, fetch.ChannelOwnerID, fetch.CategoryID, fetch.StreamID,
		fetch.ViewerCount, fetch.StreamStartedAt, fetch.Language, fetch.IsMature, fetch.WasLive,
		fetch.FetchStatus, fetch.FetchActionAt, fetch.Duration)
	if err != nil {
		return fmt.Errorf("failed to create stream fetch: %w", err)
	}
	return nil
}

// UpdateStreamFetchStatus advances a fetch along the monotonic lifecycle. A
// row that already moved past the requested status is left alone, so a late
// writer cannot rewind a faster one.
func (s *Store) UpdateStreamFetchStatus(ctx context.Context, fetchID uuid.UUID, status FetchStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE stream_viewerlist_fetches
		SET fetch_status = $2
		WHERE fetch_id = $1 AND fetch_status = ANY($3)`,
		fetchID, status, pq.Array(transitionSources(status)))
	if err != nil {
		return fmt.Errorf("failed to update fetch status: %w", err)
	}
	return nil
}

// CompleteStreamFetch marks a fetch terminal. Terminal rows stay terminal.
func (s *Store) CompleteStreamFetch(ctx context.Context, params CompleteFetchParams) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE stream_viewerlist_fetches
		SET fetch_status = $2, duration_of_fetch_action = $3
		WHERE fetch_id = $1 AND fetch_status NOT IN ('complete', 'errored')`,
		params.FetchID, params.Status, params.Duration)
	if err != nil {
		return fmt.Errorf("failed to complete stream fetch: %w", err)
	}
	return nil
}

func (s *Store) CountNonTerminalFetches(ctx context.Context, scanID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stream_viewerlist_fetches
		WHERE scanning_session_id = $1 AND fetch_status NOT IN ('complete', 'errored')`, scanID).
		Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count non-terminal fetches: %w", err)
	}
	return count, nil
}

func (s *Store) CountFetchesByStatus(ctx context.Context, scanID uuid.UUID, status FetchStatus) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stream_viewerlist_fetches
		WHERE scanning_session_id = $1 AND fetch_status = $2`, scanID, status).
		Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count fetches: %w", err)
	}
	return count, nil
}

func (s *Store) CreateViewerSighting(ctx context.Context, sighting ViewerSighting) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO viewer_sightings (sighting_id, fetch_id, viewer_login_name)
		VALUES ($1, $2, $3)`,
		sighting.SightingID, sighting.FetchID, sighting.ViewerLoginName)
	if err != nil {
		return fmt.Errorf("failed to create viewer sighting: %w", err)
	}
	return nil
}

func (s *Store) ListSightingCountsForScan(ctx context.Context, scanID uuid.UUID) ([]LoginSightingCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT vs.viewer_login_name, COUNT(*)
		FROM viewer_sightings vs
		JOIN stream_viewerlist_fetches f ON f.fetch_id = vs.fetch_id
		WHERE f.scanning_session_id = $1
		GROUP BY vs.viewer_login_name`, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sighting counts: %w", err)
	}
	defer rows.Close()

	var counts []LoginSightingCount
	for rows.Next() {
		var lc LoginSightingCount
		if err := rows.Scan(&lc.LoginName, &lc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan sighting count: %w", err)
		}
		counts = append(counts, lc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sighting counts: %w", err)
	}
	return counts, nil
}

// UpsertPartialUserProfile creates a minimal twitch_user_data row from a
// stream descriptor. An existing row is left alone: enrichment owns the rest
// of the fields.
func (s *Store) UpsertPartialUserProfile(ctx context.Context, accountID int64, loginName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO twitch_user_data (twitch_account_id, login_name, has_been_enriched)
		VALUES ($1, $2, FALSE)
		ON CONFLICT (twitch_account_id) DO NOTHING`,
		accountID, loginName)
	if err != nil {
		return fmt.Errorf("failed to upsert partial user profile: %w", err)
	}
	return nil
}

func (s *Store) UpsertEnrichedUserProfile(ctx context.Context, user TwitchUserData) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO twitch_user_data (
			twitch_account_id, login_name, account_type, broadcaster_type,
			account_created_at, has_been_enriched)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (twitch_account_id) DO UPDATE SET
			login_name = EXCLUDED.login_name,
			account_type = EXCLUDED.account_type,
			broadcaster_type = EXCLUDED.broadcaster_type,
			account_created_at = EXCLUDED.account_created_at,
			has_been_enriched = TRUE`,
		user.TwitchAccountID, user.LoginName, user.AccountType, user.BroadcasterType,
		user.AccountCreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert enriched user profile: %w", err)
	}
	return nil
}

// UpdateViewerAggregates records a scan's concurrent-channel tally for one
// login. The all-time-high pair only moves when the new count beats it.
func (s *Store) UpdateViewerAggregates(ctx context.Context, params ViewerAggregateParams) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE twitch_user_data SET
			first_sighting_as_viewer = COALESCE(first_sighting_as_viewer, $3),
			most_recent_sighting_as_viewer = $3,
			most_recent_concurrent_channel_count = $2,
			all_time_high_at = CASE
				WHEN all_time_high_concurrent_channel_count IS NULL
					OR $2 > all_time_high_concurrent_channel_count THEN $3
				ELSE all_time_high_at END,
			all_time_high_concurrent_channel_count = GREATEST(
				COALESCE(all_time_high_concurrent_channel_count, 0), $2)
		WHERE login_name = $1`,
		params.LoginName, params.ConcurrentCount, params.SeenAt)
	if err != nil {
		return fmt.Errorf("failed to update viewer aggregates: %w", err)
	}
	return nil
}

func (s *Store) ListUnenrichedLogins(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT login_name FROM twitch_user_data
		WHERE NOT has_been_enriched
		ORDER BY twitch_account_id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unenriched logins: %w", err)
	}
	defer rows.Close()

	var logins []string
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			return nil, fmt.Errorf("failed to scan login: %w", err)
		}
		logins = append(logins, login)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate unenriched logins: %w", err)
	}
	return logins, nil
}

func (s *Store) UpsertStreamCategory(ctx context.Context, category StreamCategory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_categories (category_id, category_name)
		VALUES ($1, $2)
		ON CONFLICT (category_id) DO UPDATE SET category_name = EXCLUDED.category_name`,
		category.CategoryID, category.CategoryName)
	if err != nil {
		return fmt.Errorf("failed to upsert stream category: %w", err)
	}
	return nil
}

// UpsertSecret stores the single token row. The enforce_one_row unique
// constraint turns every later insert into an update.
func (s *Store) UpsertSecret(ctx context.Context, secret Secret) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO secrets (enforce_one_row, access_token, refresh_token, expires_in, token_type, scope, last_update_timestamp)
		VALUES ('enforce_one_row', $1, $2, $3, $4, $5, $6)
		ON CONFLICT (enforce_one_row) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_in = EXCLUDED.expires_in,
			token_type = EXCLUDED.token_type,
			scope = EXCLUDED.scope,
			last_update_timestamp = EXCLUDED.last_update_timestamp`,
		secret.AccessToken, secret.RefreshToken, secret.ExpiresIn, secret.TokenType,
		secret.Scope, secret.LastUpdateTimestamp)
	if err != nil {
		return fmt.Errorf("failed to upsert secret: %w", err)
	}
	return nil
}

func (s *Store) GetSecret(ctx context.Context) (Secret, error) {
	var secret Secret
	err := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expires_in, token_type, scope, last_update_timestamp
		FROM secrets WHERE enforce_one_row = 'enforce_one_row'`).
		Scan(&secret.AccessToken, &secret.RefreshToken, &secret.ExpiresIn,
			&secret.TokenType, &secret.Scope, &secret.LastUpdateTimestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return Secret{}, ErrNotFound
	}
	if err != nil {
		return Secret{}, fmt.Errorf("failed to get secret: %w", err)
	}
	return secret, nil
}
