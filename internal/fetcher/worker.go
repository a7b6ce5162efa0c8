// Package fetcher runs the viewerlist fetch workers. Each worker drains the
// shared workbench queue, listens on the named chat channel until its name
// list is complete, and hands every observed login to the async sighting
// writer before marking the fetch terminal.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lurkerhound/lurkerhound/internal/credentials"
	"github.com/lurkerhound/lurkerhound/internal/listener"
	"github.com/lurkerhound/lurkerhound/internal/logger"
	"github.com/lurkerhound/lurkerhound/internal/metrics"
	"github.com/lurkerhound/lurkerhound/internal/queue"
	"github.com/lurkerhound/lurkerhound/internal/storage/pg"
)

// ChatListener is the slice of the listener client a worker needs.
type ChatListener interface {
	FetchForChannels(ctx context.Context, channels []string) (map[string]*listener.ChannelResult, error)
}

// ListenerFactory builds a listener bound to the current access token. The
// token can rotate between batches, so workers ask for a fresh listener per
// fetch.
type ListenerFactory func(accessToken string) ChatListener

// TokenSource is the slice of the credential manager a worker needs.
type TokenSource interface {
	AccessToken(ctx context.Context) (credentials.Credentials, error)
}

// Dequeuer is the workbench surface a worker drains.
type Dequeuer interface {
	Dequeue(ctx context.Context, timeout time.Duration) (queue.Item, bool, error)
}

// Config tunes one worker.
type Config struct {
	DequeueTimeout time.Duration
	IdleTick       time.Duration
	WriteRetries   int
}

// Worker is one viewerlist fetcher.
type Worker struct {
	id        string
	workbench Dequeuer
	db        pg.Querier
	tokens    TokenSource
	listeners ListenerFactory
	writer    *SightingWriter
	cfg       Config
	logger    *logger.Logger
}

func NewWorker(id string, workbench Dequeuer, db pg.Querier, tokens TokenSource,
	listeners ListenerFactory, writer *SightingWriter, cfg Config, log *logger.Logger) *Worker {
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 2 * time.Second
	}
	if cfg.IdleTick <= 0 {
		cfg.IdleTick = time.Second
	}
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = 3
	}
	return &Worker{
		id:        id,
		workbench: workbench,
		db:        db,
		tokens:    tokens,
		listeners: listeners,
		writer:    writer,
		cfg:       cfg,
		logger:    log.WithComponent("fetcher"),
	}
}

// Run drains the workbench until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	// Every log line downstream of this context carries the worker id.
	ctx = logger.WithWorkerID(ctx, w.id)
	log := w.logger.WithContext(ctx)

	log.Info("Fetcher worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info("Fetcher worker stopping")
			return
		default:
		}

		item, ok, err := w.workbench.Dequeue(ctx, w.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.LogError(ctx, err, "Workbench dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.IdleTick):
			}
			continue
		}
		if !ok {
			continue
		}

		w.process(ctx, item)
	}
}

// workItem is the decoded workbench payload.
type workItem struct {
	FetchID uuid.UUID
	ScanID  uuid.UUID
	Channel string
}

func decodeWorkItem(item queue.Item) (workItem, error) {
	if item.Fields == nil {
		return workItem{}, fmt.Errorf("fetcher: payload is not a JSON object: %q", item.Raw)
	}
	fetchID, err := uuid.Parse(item.Fields["fetch_id"])
	if err != nil {
		return workItem{}, fmt.Errorf("fetcher: bad fetch_id: %w", err)
	}
	scanID, err := uuid.Parse(item.Fields["scan_id"])
	if err != nil {
		return workItem{}, fmt.Errorf("fetcher: bad scan_id: %w", err)
	}
	channel := item.Fields["channel"]
	if channel == "" {
		return workItem{}, errors.New("fetcher: payload missing channel")
	}
	return workItem{FetchID: fetchID, ScanID: scanID, Channel: channel}, nil
}

func (w *Worker) process(ctx context.Context, item queue.Item) {
	work, err := decodeWorkItem(item)
	if err != nil {
		// Nothing to mark errored without a valid fetch id; log and move on.
		w.logger.LogError(ctx, err, "Discarding malformed workbench item", "raw", item.Raw)
		return
	}

	ctx = logger.WithScanID(ctx, work.ScanID.String())
	ctx = logger.WithChannel(ctx, work.Channel)
	log := w.logger.WithContext(ctx)

	if err := retryWrite(ctx, w.cfg.WriteRetries, func() error {
		return w.db.UpdateStreamFetchStatus(ctx, work.FetchID, pg.FetchWaitingOnViewerist)
	}); err != nil {
		log.LogError(ctx, err, "Failed to mark fetch waiting on viewer list")
		w.complete(ctx, work.FetchID, pg.FetchErrored, nil)
		return
	}

	creds, err := w.tokens.AccessToken(ctx)
	if err != nil {
		log.LogError(ctx, err, "No usable chat credentials")
		w.complete(ctx, work.FetchID, pg.FetchErrored, nil)
		return
	}

	chat := w.listeners(creds.AccessToken)
	metrics.ChannelJoins.Inc()
	results, err := chat.FetchForChannels(ctx, []string{work.Channel})
	result := results[work.Channel]
	if result == nil {
		if err == nil {
			err = fmt.Errorf("fetcher: listener returned no result for %s", work.Channel)
		}
		log.LogError(ctx, err, "Viewerlist fetch produced no result")
		w.complete(ctx, work.FetchID, pg.FetchErrored, nil)
		return
	}

	// Names gathered before a deadline miss or partial failure still count.
	written := 0
	for login := range result.Names {
		if w.writer.Write(work.FetchID, login) {
			written++
		}
	}

	duration := result.DurationSeconds()
	status := pg.FetchComplete
	if result.Err != nil {
		status = pg.FetchErrored
		log.LogError(ctx, result.Err, "Viewerlist fetch errored", "names_collected", written)
	} else {
		log.Info("Viewerlist fetch complete", "names_collected", written, "duration_seconds", duration)
	}
	w.complete(ctx, work.FetchID, status, &duration)
}

func (w *Worker) complete(ctx context.Context, fetchID uuid.UUID, status pg.FetchStatus, duration *float64) {
	err := retryWrite(ctx, w.cfg.WriteRetries, func() error {
		return w.db.CompleteStreamFetch(ctx, pg.CompleteFetchParams{
			FetchID:  fetchID,
			Status:   status,
			Duration: duration,
		})
	})
	if err != nil {
		w.logger.LogError(ctx, err, "Failed to finalize fetch", "fetch_id", fetchID.String(), "status", string(status))
		return
	}
	metrics.FetchOutcomes.WithLabelValues(string(status)).Inc()
}

// RunPool starts n workers sharing one writer and blocks until all exit.
func RunPool(ctx context.Context, n int, build func(id string) *Worker) {
	if n <= 0 {
		n = 1
	}
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		worker := build(fmt.Sprintf("fetcher-%d", i))
		go func() {
			worker.Run(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
}
