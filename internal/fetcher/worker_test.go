package fetcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lurkerhound/lurkerhound/internal/credentials"
	"github.com/lurkerhound/lurkerhound/internal/listener"
	"github.com/lurkerhound/lurkerhound/internal/logger"
	"github.com/lurkerhound/lurkerhound/internal/queue"
	"github.com/lurkerhound/lurkerhound/internal/storage/pg"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

type stubQuerier struct {
	pg.Querier
	mu        sync.Mutex
	statuses  map[uuid.UUID][]pg.FetchStatus
	completed []pg.CompleteFetchParams
	sightings []pg.ViewerSighting
}

func newStubQuerier() *stubQuerier {
	return &stubQuerier{statuses: make(map[uuid.UUID][]pg.FetchStatus)}
}

func (s *stubQuerier) UpdateStreamFetchStatus(ctx context.Context, fetchID uuid.UUID, status pg.FetchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[fetchID] = append(s.statuses[fetchID], status)
	return nil
}

func (s *stubQuerier) CompleteStreamFetch(ctx context.Context, params pg.CompleteFetchParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, params)
	return nil
}

func (s *stubQuerier) CreateViewerSighting(ctx context.Context, sighting pg.ViewerSighting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sightings = append(s.sightings, sighting)
	return nil
}

type stubCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *stubCounter) IncrementTimesSeen(ctx context.Context, login string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[login]++
	return c.counts[login], nil
}

type stubTokens struct{}

func (stubTokens) AccessToken(ctx context.Context) (credentials.Credentials, error) {
	return credentials.Credentials{AccessToken: "tok", ClientID: "cid"}, nil
}

type stubListener struct {
	results map[string]*listener.ChannelResult
	err     error
}

func (s *stubListener) FetchForChannels(ctx context.Context, channels []string) (map[string]*listener.ChannelResult, error) {
	return s.results, s.err
}

func channelResult(channel string, names []string, chanErr error) *listener.ChannelResult {
	start := time.Now().UTC().Add(-2 * time.Second)
	r := &listener.ChannelResult{
		Channel:   channel,
		Names:     make(map[string]struct{}),
		StartedAt: start,
		EndedAt:   start.Add(1500 * time.Millisecond),
		Done:      true,
		Err:       chanErr,
	}
	for _, n := range names {
		r.Names[n] = struct{}{}
	}
	return r
}

func workbenchItem(t *testing.T, fetchID, scanID uuid.UUID, channel string) queue.Item {
	t.Helper()
	fields := map[string]string{
		"fetch_id": fetchID.String(),
		"scan_id":  scanID.String(),
		"channel":  channel,
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		t.Fatal(err)
	}
	return queue.Item{Raw: string(raw), Fields: fields}
}

func newTestWorker(db *stubQuerier, chat ChatListener, writer *SightingWriter) *Worker {
	return NewWorker("fetcher-test", nil, db, stubTokens{},
		func(string) ChatListener { return chat }, writer, Config{}, testLogger())
}

func TestProcessCompletesFetch(t *testing.T) {
	db := newStubQuerier()
	counter := &stubCounter{}
	writer := NewSightingWriter(db, counter, 2, 16, 1, testLogger())

	fetchID, scanID := uuid.New(), uuid.New()
	chat := &stubListener{results: map[string]*listener.ChannelResult{
		"somechannel": channelResult("somechannel", []string{"alice", "bob"}, nil),
	}}

	worker := newTestWorker(db, chat, writer)
	worker.process(context.Background(), workbenchItem(t, fetchID, scanID, "somechannel"))
	writer.Close()

	db.mu.Lock()
	defer db.mu.Unlock()

	if got := db.statuses[fetchID]; len(got) != 1 || got[0] != pg.FetchWaitingOnViewerist {
		t.Errorf("statuses = %v, want [waiting_on_viewer_list]", got)
	}
	if len(db.completed) != 1 {
		t.Fatalf("completed = %d calls", len(db.completed))
	}
	done := db.completed[0]
	if done.Status != pg.FetchComplete {
		t.Errorf("status = %s, want complete", done.Status)
	}
	if done.Duration == nil || *done.Duration < 1.0 {
		t.Errorf("duration = %v", done.Duration)
	}
	if len(db.sightings) != 2 {
		t.Errorf("sightings = %d, want 2", len(db.sightings))
	}
	counter.mu.Lock()
	defer counter.mu.Unlock()
	if counter.counts["alice"] != 1 || counter.counts["bob"] != 1 {
		t.Errorf("cache counts = %v", counter.counts)
	}
}

func TestProcessOvertimeKeepsNamesButErrors(t *testing.T) {
	db := newStubQuerier()
	writer := NewSightingWriter(db, &stubCounter{}, 1, 16, 1, testLogger())

	fetchID := uuid.New()
	overtime := &listener.OvertimeError{Channel: "slowchannel", Elapsed: 10 * time.Second}
	chat := &stubListener{results: map[string]*listener.ChannelResult{
		"slowchannel": channelResult("slowchannel", []string{"alice"}, overtime),
	}}

	worker := newTestWorker(db, chat, writer)
	worker.process(context.Background(), workbenchItem(t, fetchID, uuid.New(), "slowchannel"))
	writer.Close()

	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.completed) != 1 || db.completed[0].Status != pg.FetchErrored {
		t.Fatalf("completed = %+v, want errored", db.completed)
	}
	if len(db.sightings) != 1 {
		t.Errorf("sightings = %d, want the pre-deadline name kept", len(db.sightings))
	}
}

func TestProcessListenerFailure(t *testing.T) {
	db := newStubQuerier()
	writer := NewSightingWriter(db, &stubCounter{}, 1, 16, 1, testLogger())
	defer writer.Close()

	fetchID := uuid.New()
	chat := &stubListener{results: nil, err: &listener.BatchError{}}

	worker := newTestWorker(db, chat, writer)
	worker.process(context.Background(), workbenchItem(t, fetchID, uuid.New(), "deadchannel"))

	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.completed) != 1 || db.completed[0].Status != pg.FetchErrored {
		t.Fatalf("completed = %+v, want errored", db.completed)
	}
}

func TestProcessMalformedItem(t *testing.T) {
	db := newStubQuerier()
	writer := NewSightingWriter(db, &stubCounter{}, 1, 16, 1, testLogger())
	defer writer.Close()

	worker := newTestWorker(db, &stubListener{}, writer)
	worker.process(context.Background(), queue.Item{Raw: "not json"})

	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.completed) != 0 || len(db.statuses) != 0 {
		t.Errorf("malformed item should touch nothing: %+v %+v", db.completed, db.statuses)
	}
}

func TestDecodeWorkItem(t *testing.T) {
	fetchID, scanID := uuid.New(), uuid.New()

	tests := []struct {
		name   string
		fields map[string]string
		ok     bool
	}{
		{"valid", map[string]string{"fetch_id": fetchID.String(), "scan_id": scanID.String(), "channel": "chan"}, true},
		{"missing channel", map[string]string{"fetch_id": fetchID.String(), "scan_id": scanID.String()}, false},
		{"bad fetch id", map[string]string{"fetch_id": "nope", "scan_id": scanID.String(), "channel": "chan"}, false},
		{"nil fields", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeWorkItem(queue.Item{Fields: tt.fields})
			if (err == nil) != tt.ok {
				t.Errorf("err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestSightingWriterRejectsInvalidLogins(t *testing.T) {
	db := newStubQuerier()
	writer := NewSightingWriter(db, &stubCounter{}, 1, 8, 1, testLogger())

	fetchID := uuid.New()
	for _, login := range []string{"", "Alice", "has space", "emote!", "a_login_name_way_over_the_limit"} {
		if writer.Write(fetchID, login) {
			t.Errorf("Write(%q) accepted an invalid login", login)
		}
	}
	if !writer.Write(fetchID, "valid_viewer_123") {
		t.Error("expected a valid login to be accepted")
	}
	writer.Close()

	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.sightings) != 1 || db.sightings[0].ViewerLoginName != "valid_viewer_123" {
		t.Errorf("sightings = %+v, want only the valid login", db.sightings)
	}
}

func TestSightingWriterRejectsAfterClose(t *testing.T) {
	db := newStubQuerier()
	writer := NewSightingWriter(db, &stubCounter{}, 1, 4, 1, testLogger())
	if !writer.Write(uuid.New(), "alice") {
		t.Error("expected write before close to be accepted")
	}
	writer.Close()
	if writer.Write(uuid.New(), "bob") {
		t.Error("expected write after close to be rejected")
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.sightings) != 1 {
		t.Errorf("sightings = %d, want 1 drained on close", len(db.sightings))
	}
}
