// Package conductor runs scanning sessions. One scan is active at a time:
// the conductor stages its fetches via the enumerator, meters them from the
// pending queue onto the bounded workbench on a fixed cadence, and finalizes
// the session once every fetch has reached a terminal status.
//
// The workbench's size limit is what turns the platform's join rate limit
// into queue mechanics: the workbench holds at most one join-window's worth
// of fetches, and the refill cadence matches the window, so workers can never
// join faster than the platform allows.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lurkerhound/lurkerhound/internal/logger"
	"github.com/lurkerhound/lurkerhound/internal/metrics"
	"github.com/lurkerhound/lurkerhound/internal/queue"
	"github.com/lurkerhound/lurkerhound/internal/storage/pg"
)

// ErrScanActive rejects a start request while a scan is running.
var ErrScanActive = errors.New("conductor: a scan is already active")

// ErrScanNotActive rejects a cancel for a scan that is not running.
var ErrScanNotActive = errors.New("conductor: scan is not active")

// maxRefillFailures is how many consecutive refill failures the run loop
// tolerates before the scan is finalized as errored.
const maxRefillFailures = 3

// Enumerator stages a scan's fetches into the pending queue.
type Enumerator interface {
	Enumerate(ctx context.Context, scanID uuid.UUID) (int, error)
}

// Queue is the shared-queue surface the conductor drives. *queue.SharedQueue
// satisfies it; tests hand in in-memory fakes.
type Queue interface {
	Enqueue(ctx context.Context, item any) error
	Dequeue(ctx context.Context, timeout time.Duration) (queue.Item, bool, error)
	Size(ctx context.Context) (int64, error)
	RemainingSpace(ctx context.Context) (int64, bool, error)
	Clear(ctx context.Context) error
}

// SightingsCache is the slice of the sightings cache the conductor touches.
type SightingsCache interface {
	Clear(ctx context.Context) error
}

// Config tunes the conductor's cadences.
type Config struct {
	RefillInterval time.Duration
	WriteRetries   int
}

// Conductor owns the scan lifecycle.
type Conductor struct {
	db        pg.Querier
	pending   Queue
	workbench Queue
	cache     SightingsCache
	enum      Enumerator
	cfg       Config
	logger    *logger.Logger

	mu     sync.Mutex
	active *activeScan
}

type activeScan struct {
	id     uuid.UUID
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	enumerated bool
	lastRefill time.Time
}

func (a *activeScan) finished() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func New(db pg.Querier, pending, workbench Queue, cache SightingsCache,
	enum Enumerator, cfg Config, log *logger.Logger) *Conductor {
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = 10 * time.Second
	}
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = 3
	}
	return &Conductor{
		db:        db,
		pending:   pending,
		workbench: workbench,
		cache:     cache,
		enum:      enum,
		cfg:       cfg,
		logger:    log.WithComponent("conductor"),
	}
}

// StartScan creates a scanning session and launches its background run.
// Exactly one scan may be active; concurrent starts get ErrScanActive.
func (c *Conductor) StartScan(ctx context.Context) (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil && !c.active.finished() {
		return uuid.Nil, ErrScanActive
	}

	// A new scan starts from clean shared state.
	if err := c.pending.Clear(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("conductor: clear pending queue: %w", err)
	}
	if err := c.workbench.Clear(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("conductor: clear workbench: %w", err)
	}
	if err := c.cache.Clear(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("conductor: clear sightings cache: %w", err)
	}

	scan := pg.ScanningSession{
		ID:          uuid.New(),
		TimeStarted: time.Now().UTC(),
		ReasonEnded: pg.ScanInProgress,
	}
	if err := c.db.CreateScanningSession(ctx, scan); err != nil {
		return uuid.Nil, fmt.Errorf("conductor: create scanning session: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	active := &activeScan{
		id:     scan.ID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.active = active

	go c.run(runCtx, active)

	c.logger.Info("Scan started", "scan_id", scan.ID.String())
	return scan.ID, nil
}

// run drives one scan to completion: enumeration in the background, refill
// on a fixed cadence, and completion monitoring once enumeration finishes.
// Cancellation returns without finalizing; the canceller owns that write.
func (c *Conductor) run(ctx context.Context, scan *activeScan) {
	defer close(scan.done)

	ctx = logger.WithScanID(ctx, scan.id.String())
	log := c.logger.WithContext(ctx)

	enumErr := make(chan error, 1)
	go func() {
		_, err := c.enum.Enumerate(ctx, scan.id)
		enumErr <- err
	}()

	ticker := time.NewTicker(c.cfg.RefillInterval)
	defer ticker.Stop()

	refillFailures := 0
	for {
		select {
		case <-ctx.Done():
			return

		case err := <-enumErr:
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.LogError(ctx, err, "Enumeration failed, scan errored")
				c.finalize(scan.id, pg.ScanErrored)
				return
			}
			scan.mu.Lock()
			scan.enumerated = true
			scan.mu.Unlock()
			enumErr = nil

		case <-ticker.C:
			ran, err := c.refill(ctx, scan)
			if err != nil {
				refillFailures++
				if refillFailures >= maxRefillFailures {
					log.LogError(ctx, err, "Refill failed repeatedly, scan errored",
						"consecutive_failures", refillFailures)
					c.finalize(scan.id, pg.ScanErrored)
					return
				}
			} else if ran {
				refillFailures = 0
			}

			scan.mu.Lock()
			enumerated := scan.enumerated
			scan.mu.Unlock()
			if !enumerated {
				continue
			}
			remaining, err := c.db.CountNonTerminalFetches(ctx, scan.id)
			if err != nil {
				log.LogError(ctx, err, "Completion check failed")
				continue
			}
			if remaining == 0 {
				log.Info("All fetches terminal, scan complete")
				c.finalize(scan.id, pg.ScanComplete)
				return
			}
		}
	}
}

// refill moves up to min(workbench free space, pending backlog) fetches onto
// the workbench. Each fetch is marked in_queue before it lands on the
// workbench, so a worker can never race the conductor and have its own status
// write overwritten. The first return is false when the refill was skipped; a
// non-nil error means a queue or status write failed.
func (c *Conductor) refill(ctx context.Context, scan *activeScan) (bool, error) {
	scan.mu.Lock()
	// A delayed tick must not squeeze two refills into one join window.
	if since := time.Since(scan.lastRefill); since < c.cfg.RefillInterval {
		scan.mu.Unlock()
		return false, nil
	}
	scan.lastRefill = time.Now()
	scan.mu.Unlock()

	log := c.logger.WithContext(ctx)

	free, bounded, err := c.workbench.RemainingSpace(ctx)
	if err != nil {
		log.LogError(ctx, err, "Refill: workbench size check failed")
		return true, err
	}
	if !bounded {
		log.Warn("Refill: workbench has no size limit, skipping")
		return false, nil
	}
	backlog, err := c.pending.Size(ctx)
	if err != nil {
		log.LogError(ctx, err, "Refill: pending size check failed")
		return true, err
	}

	moves := free
	if backlog < moves {
		moves = backlog
	}

	for i := int64(0); i < moves; i++ {
		item, ok, err := c.pending.Dequeue(ctx, 100*time.Millisecond)
		if err != nil {
			log.LogError(ctx, err, "Refill: pending dequeue failed")
			return true, err
		}
		if !ok {
			return true, nil
		}

		fetchID, err := uuid.Parse(item.Fields["fetch_id"])
		if err != nil {
			log.LogError(ctx, err, "Refill: dropping item with bad fetch_id", "raw", item.Raw)
			continue
		}
		if err := c.db.UpdateStreamFetchStatus(ctx, fetchID, pg.FetchInQueue); err != nil {
			log.LogError(ctx, err, "Refill: failed to mark fetch in_queue", "fetch_id", fetchID.String())
			c.pending.Enqueue(ctx, item.Raw)
			return true, err
		}

		if err := c.workbench.Enqueue(ctx, item.Raw); err != nil {
			// Put it back; the next tick retries. The repeated in_queue write
			// on the retry is a no-op under the store's transition guard.
			c.pending.Enqueue(ctx, item.Raw)
			if errors.Is(err, queue.ErrQueueFull) {
				return true, nil
			}
			log.LogError(ctx, err, "Refill: workbench enqueue failed")
			return true, err
		}
		metrics.RefillMoves.Inc()
	}
	return true, nil
}

// finalize closes the session row with terminal counts.
func (c *Conductor) finalize(scanID uuid.UUID, reason pg.ScanStopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fetched, err := c.db.CountFetchesByStatus(ctx, scanID, pg.FetchComplete)
	if err != nil {
		c.logger.LogError(ctx, err, "Finalize: counting complete fetches failed")
	}
	errored, err := c.db.CountFetchesByStatus(ctx, scanID, pg.FetchErrored)
	if err != nil {
		c.logger.LogError(ctx, err, "Finalize: counting errored fetches failed")
	}

	err = c.db.FinalizeScanningSession(ctx, pg.FinalizeScanParams{
		ID:                 scanID,
		TimeEnded:          time.Now().UTC(),
		ReasonEnded:        reason,
		ViewerlistsFetched: int(fetched),
		ErrorCount:         int(errored),
	})
	if err != nil {
		c.logger.LogError(ctx, err, "Finalize: session update failed",
			"scan_id", scanID.String(), "reason", string(reason))
		return
	}
	c.logger.Info("Scan finalized", "scan_id", scanID.String(), "reason", string(reason))
}

// CancelScan stops the active scan, drains the shared queues, and finalizes
// the session as cancelled.
func (c *Conductor) CancelScan(ctx context.Context, scanID uuid.UUID) error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()

	if active == nil || active.id != scanID || active.finished() {
		// Distinguish unknown scans from merely inactive ones.
		if _, err := c.db.GetScanningSession(ctx, scanID); err != nil {
			if errors.Is(err, pg.ErrNotFound) {
				return pg.ErrNotFound
			}
			return fmt.Errorf("conductor: look up scan: %w", err)
		}
		return ErrScanNotActive
	}

	active.cancel()
	<-active.done

	if err := c.pending.Clear(ctx); err != nil {
		c.logger.LogError(ctx, err, "Cancel: failed to clear pending queue")
	}
	if err := c.workbench.Clear(ctx); err != nil {
		c.logger.LogError(ctx, err, "Cancel: failed to clear workbench")
	}

	c.finalize(scanID, pg.ScanCancelled)
	return nil
}

// Shutdown cancels any active scan without finalizing it as cancelled; the
// session stays in_progress so an operator can tell a crash-stop from a
// deliberate cancel.
func (c *Conductor) Shutdown() {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == nil || active.finished() {
		return
	}
	active.cancel()
	<-active.done
}

// ScanStatus is the operator-facing view of one scan.
type ScanStatus struct {
	Scan            pg.ScanningSession
	PendingDepth    int64
	WorkbenchDepth  int64
	FetchesComplete int64
	FetchesErrored  int64
	Active          bool
}

// Status reports the scan row plus live queue depths and terminal counts.
func (c *Conductor) Status(ctx context.Context, scanID uuid.UUID) (ScanStatus, error) {
	scan, err := c.db.GetScanningSession(ctx, scanID)
	if err != nil {
		return ScanStatus{}, err
	}

	status := ScanStatus{Scan: scan}

	c.mu.Lock()
	status.Active = c.active != nil && c.active.id == scanID && !c.active.finished()
	c.mu.Unlock()

	if status.PendingDepth, err = c.pending.Size(ctx); err != nil {
		return ScanStatus{}, fmt.Errorf("conductor: pending depth: %w", err)
	}
	if status.WorkbenchDepth, err = c.workbench.Size(ctx); err != nil {
		return ScanStatus{}, fmt.Errorf("conductor: workbench depth: %w", err)
	}
	if status.FetchesComplete, err = c.db.CountFetchesByStatus(ctx, scanID, pg.FetchComplete); err != nil {
		return ScanStatus{}, fmt.Errorf("conductor: complete count: %w", err)
	}
	if status.FetchesErrored, err = c.db.CountFetchesByStatus(ctx, scanID, pg.FetchErrored); err != nil {
		return ScanStatus{}, fmt.Errorf("conductor: errored count: %w", err)
	}
	return status, nil
}
