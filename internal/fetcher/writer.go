package fetcher

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lurkerhound/lurkerhound/internal/logger"
	"github.com/lurkerhound/lurkerhound/internal/metrics"
	"github.com/lurkerhound/lurkerhound/internal/storage/pg"
)

// SightingCounter is the slice of the sightings cache the writer bumps.
type SightingCounter interface {
	IncrementTimesSeen(ctx context.Context, login string) (int, error)
}

// loginPattern is the shape of a valid Twitch login name. Chat payloads are
// untrusted input; anything else never reaches Postgres or the cache.
var loginPattern = regexp.MustCompile(`^[a-z0-9_]{1,25}$`)

// sightingJob is one login observed during one fetch, queued for persistence.
type sightingJob struct {
	FetchID uuid.UUID
	Login   string
}

// SightingWriter persists viewer sightings off the listener's hot path. A
// fixed pool of workers drains a buffered channel; each write lands in
// Postgres and bumps the shared sightings cache.
type SightingWriter struct {
	db      pg.Querier
	cache   SightingCounter
	logger  *logger.Logger
	retries int

	jobs     chan sightingJob
	shutdown chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// NewSightingWriter starts poolSize workers over a buffer-deep job channel.
func NewSightingWriter(db pg.Querier, cache SightingCounter, poolSize, buffer, retries int, log *logger.Logger) *SightingWriter {
	if poolSize <= 0 {
		poolSize = 1
	}
	if buffer <= 0 {
		buffer = 1000
	}
	if retries <= 0 {
		retries = 3
	}

	w := &SightingWriter{
		db:       db,
		cache:    cache,
		logger:   log.WithComponent("sighting-writer"),
		retries:  retries,
		jobs:     make(chan sightingJob, buffer),
		shutdown: make(chan struct{}),
	}

	w.wg.Add(poolSize)
	for i := 0; i < poolSize; i++ {
		go w.worker()
	}
	return w
}

// Write queues one sighting. Blocks when the buffer is full so the listener
// backpressures instead of dropping sightings. Returns false after Close or
// when the login is not a valid Twitch login name.
func (w *SightingWriter) Write(fetchID uuid.UUID, login string) bool {
	if w.closed.Load() {
		return false
	}
	if !loginPattern.MatchString(login) {
		w.logger.Warn("Dropping sighting with invalid login name",
			"fetch_id", fetchID.String(), "login", login)
		return false
	}
	select {
	case w.jobs <- sightingJob{FetchID: fetchID, Login: login}:
		return true
	case <-w.shutdown:
		return false
	}
}

// Close stops accepting jobs and drains the ones already queued.
func (w *SightingWriter) Close() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	close(w.jobs)
	w.wg.Wait()
	close(w.shutdown)
}

func (w *SightingWriter) worker() {
	defer w.wg.Done()
	for job := range w.jobs {
		w.persist(job)
	}
}

func (w *SightingWriter) persist(job sightingJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sighting := pg.ViewerSighting{
		SightingID:      uuid.New(),
		FetchID:         job.FetchID,
		ViewerLoginName: job.Login,
	}
	err := retryWrite(ctx, w.retries, func() error {
		return w.db.CreateViewerSighting(ctx, sighting)
	})
	if err != nil {
		w.logger.LogError(ctx, err, "Dropping sighting after retries",
			"fetch_id", job.FetchID.String(), "login", job.Login)
		return
	}
	metrics.SightingsWritten.Inc()

	if _, err := w.cache.IncrementTimesSeen(ctx, job.Login); err != nil {
		w.logger.LogError(ctx, err, "Failed to bump sightings cache", "login", job.Login)
	}
}

// retryWrite runs fn up to attempts times with geometric backoff starting at
// 100ms.
func retryWrite(ctx context.Context, attempts int, fn func() error) error {
	var err error
	delay := 100 * time.Millisecond
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
