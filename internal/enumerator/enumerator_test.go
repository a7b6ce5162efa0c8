package enumerator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"testing"

	"github.com/google/uuid"

	"github.com/lurkerhound/lurkerhound/internal/config"
	"github.com/lurkerhound/lurkerhound/internal/credentials"
	"github.com/lurkerhound/lurkerhound/internal/logger"
	"github.com/lurkerhound/lurkerhound/internal/storage/pg"
	"github.com/lurkerhound/lurkerhound/internal/twitchapi"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

type stubQuerier struct {
	pg.Querier
	fetches     []pg.StreamFetch
	categories  []pg.StreamCategory
	profiles    map[int64]string
	streamCount int
}

func newStubQuerier() *stubQuerier {
	return &stubQuerier{profiles: make(map[int64]string)}
}

func (s *stubQuerier) CreateStreamFetch(ctx context.Context, fetch pg.StreamFetch) error {
	s.fetches = append(s.fetches, fetch)
	return nil
}

func (s *stubQuerier) UpsertStreamCategory(ctx context.Context, category pg.StreamCategory) error {
	s.categories = append(s.categories, category)
	return nil
}

func (s *stubQuerier) UpsertPartialUserProfile(ctx context.Context, accountID int64, loginName string) error {
	s.profiles[accountID] = loginName
	return nil
}

func (s *stubQuerier) SetScanningSessionStreamCount(ctx context.Context, id uuid.UUID, streams int) error {
	s.streamCount = streams
	return nil
}

type stubTokens struct {
	refreshes int
}

func (s *stubTokens) AccessToken(ctx context.Context) (credentials.Credentials, error) {
	return credentials.Credentials{AccessToken: "tok", ClientID: "cid"}, nil
}

func (s *stubTokens) ForceRefresh(ctx context.Context) error {
	s.refreshes++
	return nil
}

type stubLister struct {
	pages []*twitchapi.StreamsPage
	errs  []error
	calls int
}

func (s *stubLister) GetStreams(ctx context.Context, cfg twitchapi.Config, params twitchapi.GetStreamsParams) (*twitchapi.StreamsPage, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.pages) {
		return s.pages[i], nil
	}
	return &twitchapi.StreamsPage{}, nil
}

type memEnqueuer struct {
	items []any
}

func (m *memEnqueuer) Enqueue(ctx context.Context, item any) error {
	m.items = append(m.items, item)
	return nil
}

func stream(id, userID, login, gameID, gameName string, viewers int) twitchapi.Stream {
	return twitchapi.Stream{
		ID:          id,
		UserID:      userID,
		UserLogin:   login,
		GameID:      gameID,
		GameName:    gameName,
		Type:        "live",
		ViewerCount: twitchapi.FlexInt(viewers),
		StartedAt:   "2026-08-24T01:00:00Z",
		Language:    "en",
	}
}

func TestEnumerateWalksAllPages(t *testing.T) {
	db := newStubQuerier()
	pending := &memEnqueuer{}
	lister := &stubLister{pages: []*twitchapi.StreamsPage{
		{
			Streams: []twitchapi.Stream{
				stream("100", "11", "streamer_a", "509658", "Just Chatting", 40),
				stream("101", "22", "streamer_b", "509658", "Just Chatting", 10),
			},
			Cursor: "page2",
		},
		{
			Streams: []twitchapi.Stream{
				stream("102", "33", "streamer_c", "32982", "Grand Theft Auto V", 5),
			},
		},
	}}

	enum := New(db, lister, &stubTokens{}, pending, "https://helix.example", nil, testLogger())
	scanID := uuid.New()

	total, err := enum.Enumerate(context.Background(), scanID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(db.fetches) != 3 {
		t.Fatalf("fetch rows = %d, want 3", len(db.fetches))
	}
	if db.streamCount != 3 {
		t.Errorf("recorded stream count = %d, want 3", db.streamCount)
	}
	if len(pending.items) != 3 {
		t.Errorf("pending items = %d, want 3", len(pending.items))
	}

	first := db.fetches[0]
	if first.ScanningSessionID != scanID {
		t.Errorf("scan id = %s", first.ScanningSessionID)
	}
	if first.FetchStatus != pg.FetchPending {
		t.Errorf("status = %s, want pending", first.FetchStatus)
	}
	if first.ChannelOwnerID != 11 || first.ViewerCount != 40 {
		t.Errorf("fetch = %+v", first)
	}
	if db.profiles[11] != "streamer_a" {
		t.Errorf("profiles = %v", db.profiles)
	}

	payload, ok := pending.items[0].(map[string]string)
	if !ok {
		t.Fatalf("payload type %T", pending.items[0])
	}
	if payload["channel"] != "streamer_a" || payload["scan_id"] != scanID.String() {
		t.Errorf("payload = %v", payload)
	}
}

func TestEnumerateRefreshesOnceOn401(t *testing.T) {
	db := newStubQuerier()
	tokens := &stubTokens{}
	lister := &stubLister{
		errs: []error{&twitchapi.APIError{Status: http.StatusUnauthorized}},
		pages: []*twitchapi.StreamsPage{
			nil,
			{Streams: []twitchapi.Stream{stream("100", "11", "streamer_a", "509658", "Just Chatting", 40)}},
		},
	}

	enum := New(db, lister, tokens, &memEnqueuer{}, "https://helix.example", nil, testLogger())
	total, err := enum.Enumerate(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tokens.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", tokens.refreshes)
	}
	if total != 1 {
		t.Errorf("total = %d, want 1", total)
	}
}

func TestEnumerateSecond401Fails(t *testing.T) {
	lister := &stubLister{errs: []error{
		&twitchapi.APIError{Status: http.StatusUnauthorized},
		&twitchapi.APIError{Status: http.StatusUnauthorized},
	}}
	enum := New(newStubQuerier(), lister, &stubTokens{}, &memEnqueuer{}, "https://helix.example", nil, testLogger())

	_, err := enum.Enumerate(context.Background(), uuid.New())
	var apiErr *twitchapi.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
}

func TestEnumerateAppliesScanProfile(t *testing.T) {
	var gotParams twitchapi.GetStreamsParams
	lister := &captureLister{params: &gotParams}
	profile := &config.ScanProfile{
		GameIDs:   []string{"509658"},
		Languages: []string{"en", "de"},
		PageSize:  25,
	}
	enum := New(newStubQuerier(), lister, &stubTokens{}, &memEnqueuer{}, "https://helix.example", profile, testLogger())

	if _, err := enum.Enumerate(context.Background(), uuid.New()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotParams.First != 25 {
		t.Errorf("first = %d, want 25", gotParams.First)
	}
	if len(gotParams.GameIDs) != 1 || len(gotParams.Languages) != 2 {
		t.Errorf("params = %+v", gotParams)
	}
}

type captureLister struct {
	params *twitchapi.GetStreamsParams
}

func (c *captureLister) GetStreams(ctx context.Context, cfg twitchapi.Config, params twitchapi.GetStreamsParams) (*twitchapi.StreamsPage, error) {
	*c.params = params
	return &twitchapi.StreamsPage{}, nil
}

func TestEnumerateSkipsUnparseableStream(t *testing.T) {
	db := newStubQuerier()
	lister := &stubLister{pages: []*twitchapi.StreamsPage{{
		Streams: []twitchapi.Stream{
			stream("not-a-number", "also-bad", "broken", "509658", "Just Chatting", 1),
			stream("100", "11", "streamer_a", "509658", "Just Chatting", 40),
		},
	}}}

	enum := New(db, lister, &stubTokens{}, &memEnqueuer{}, "https://helix.example", nil, testLogger())
	total, err := enum.Enumerate(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 {
		t.Errorf("total = %d, want 1", total)
	}
}
