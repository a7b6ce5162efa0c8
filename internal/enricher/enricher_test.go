package enricher

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

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
	unenriched []string
	upserted   []pg.TwitchUserData
}

func (s *stubQuerier) ListUnenrichedLogins(ctx context.Context, limit int) ([]string, error) {
	if limit < len(s.unenriched) {
		return s.unenriched[:limit], nil
	}
	return s.unenriched, nil
}

func (s *stubQuerier) UpsertEnrichedUserProfile(ctx context.Context, user pg.TwitchUserData) error {
	s.upserted = append(s.upserted, user)
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

type stubUserLister struct {
	responses []any // []twitchapi.User or error
	calls     int
}

func (s *stubUserLister) GetUsers(ctx context.Context, cfg twitchapi.Config, logins []string) ([]twitchapi.User, error) {
	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		return nil, nil
	}
	switch v := s.responses[i].(type) {
	case error:
		return nil, v
	case []twitchapi.User:
		return v, nil
	}
	return nil, nil
}

type memFlags struct {
	mu    sync.Mutex
	flags map[string]bool
}

func (m *memFlags) SetEnriched(ctx context.Context, login string, enriched bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flags == nil {
		m.flags = make(map[string]bool)
	}
	m.flags[login] = enriched
	return true, nil
}

func TestRunOnceEnrichesBatch(t *testing.T) {
	db := &stubQuerier{unenriched: []string{"alice", "bob", "vanished"}}
	api := &stubUserLister{responses: []any{
		[]twitchapi.User{
			{ID: "11", Login: "alice", Type: "", BroadcasterType: "affiliate", CreatedAt: "2020-01-01T00:00:00Z"},
			{ID: "22", Login: "bob", CreatedAt: "not-a-timestamp"},
		},
	}}
	cache := &memFlags{}

	enr := New(db, api, &stubTokens{}, cache, "https://helix.example", 100, testLogger())
	enriched, err := enr.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enriched != 2 {
		t.Errorf("enriched = %d, want 2", enriched)
	}
	if len(db.upserted) != 2 {
		t.Fatalf("upserted = %d rows", len(db.upserted))
	}

	alice := db.upserted[0]
	if alice.TwitchAccountID != 11 || !alice.HasBeenEnriched {
		t.Errorf("alice = %+v", alice)
	}
	if alice.AccountType != nil {
		t.Errorf("empty account type should stay nil, got %v", *alice.AccountType)
	}
	if alice.BroadcasterType == nil || *alice.BroadcasterType != "affiliate" {
		t.Errorf("broadcaster type = %v", alice.BroadcasterType)
	}
	if alice.AccountCreatedAt == nil {
		t.Error("expected created-at to parse")
	}

	bob := db.upserted[1]
	if bob.AccountCreatedAt != nil {
		t.Error("unparseable created-at should stay nil")
	}

	if !cache.flags["alice"] || !cache.flags["bob"] {
		t.Errorf("cache flags = %v", cache.flags)
	}
}

func TestRunOnceEmptyBacklog(t *testing.T) {
	enr := New(&stubQuerier{}, &stubUserLister{}, &stubTokens{}, &memFlags{}, "https://helix.example", 100, testLogger())
	enriched, err := enr.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enriched != 0 {
		t.Errorf("enriched = %d, want 0", enriched)
	}
}

func TestRunOnceRefreshesOnceOn401(t *testing.T) {
	db := &stubQuerier{unenriched: []string{"alice"}}
	tokens := &stubTokens{}
	api := &stubUserLister{responses: []any{
		&twitchapi.APIError{Status: http.StatusUnauthorized},
		[]twitchapi.User{{ID: "11", Login: "alice"}},
	}}

	enr := New(db, api, tokens, &memFlags{}, "https://helix.example", 100, testLogger())
	enriched, err := enr.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tokens.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", tokens.refreshes)
	}
	if enriched != 1 {
		t.Errorf("enriched = %d, want 1", enriched)
	}
}

func TestRunOnceGivesUpAfterServerErrors(t *testing.T) {
	db := &stubQuerier{unenriched: []string{"alice"}}
	api := &stubUserLister{responses: []any{
		&twitchapi.APIError{Status: http.StatusInternalServerError},
		&twitchapi.APIError{Status: http.StatusInternalServerError},
		&twitchapi.APIError{Status: http.StatusInternalServerError},
		&twitchapi.APIError{Status: http.StatusInternalServerError},
	}}

	enr := New(db, api, &stubTokens{}, &memFlags{}, "https://helix.example", 100, testLogger())
	enr.baseDelay = time.Millisecond
	if _, err := enr.RunOnce(context.Background()); err == nil {
		t.Fatal("expected repeated 5xx to surface")
	}
	if api.calls != 4 {
		t.Errorf("calls = %d, want 4", api.calls)
	}
}

func TestBatchSizeClamped(t *testing.T) {
	db := &stubQuerier{unenriched: make([]string, 150)}
	for i := range db.unenriched {
		db.unenriched[i] = "user"
	}
	api := &stubUserLister{}

	enr := New(db, api, &stubTokens{}, &memFlags{}, "https://helix.example", 500, testLogger())
	if enr.batchSize != 100 {
		t.Errorf("batch size = %d, want 100", enr.batchSize)
	}
}
