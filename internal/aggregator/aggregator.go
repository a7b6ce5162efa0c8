// Package aggregator rolls a completed scan's sightings up into per-viewer
// lifetime stats. The number of fetches a login appeared in during one scan
// is its concurrent-channel count for that scan; the aggregator folds that
// into first/most-recent sighting timestamps and the all-time-high pair.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lurkerhound/lurkerhound/internal/logger"
	"github.com/lurkerhound/lurkerhound/internal/metrics"
	"github.com/lurkerhound/lurkerhound/internal/storage/pg"
)

// ErrScanNotFinished rejects aggregation of a scan that is still running.
var ErrScanNotFinished = errors.New("aggregator: scan has not finished")

// AggregatedFlagger is the slice of the sightings cache the aggregator flips.
type AggregatedFlagger interface {
	SetAggregated(ctx context.Context, login string, aggregated bool) (bool, error)
}

// Aggregator runs the per-scan rollup job.
type Aggregator struct {
	db     pg.Querier
	cache  AggregatedFlagger
	logger *logger.Logger
}

func New(db pg.Querier, cache AggregatedFlagger, log *logger.Logger) *Aggregator {
	return &Aggregator{
		db:     db,
		cache:  cache,
		logger: log.WithComponent("aggregator"),
	}
}

// RunForScan rolls up one finished scan and returns how many logins it
// touched. Rerunning for the same scan is safe: most-recent fields are
// rewritten with the same values and the all-time-high pair only moves up.
func (a *Aggregator) RunForScan(ctx context.Context, scanID uuid.UUID) (int, error) {
	ctx = logger.WithScanID(ctx, scanID.String())
	log := a.logger.WithContext(ctx)

	scan, err := a.db.GetScanningSession(ctx, scanID)
	if err != nil {
		return 0, err
	}
	if scan.ReasonEnded == pg.ScanInProgress || scan.TimeEnded == nil {
		return 0, ErrScanNotFinished
	}
	seenAt := *scan.TimeEnded

	counts, err := a.db.ListSightingCountsForScan(ctx, scanID)
	if err != nil {
		return 0, fmt.Errorf("aggregator: list sighting counts: %w", err)
	}

	aggregated := 0
	for _, lc := range counts {
		err := a.db.UpdateViewerAggregates(ctx, pg.ViewerAggregateParams{
			LoginName:       lc.LoginName,
			ConcurrentCount: lc.Count,
			SeenAt:          seenAt,
		})
		if err != nil {
			log.LogError(ctx, err, "Failed to update aggregates", "login", lc.LoginName)
			continue
		}
		aggregated++
		metrics.LoginsAggregated.Inc()

		if _, err := a.cache.SetAggregated(ctx, lc.LoginName, true); err != nil {
			log.LogError(ctx, err, "Failed to flag cache entry aggregated", "login", lc.LoginName)
		}
	}

	log.Info("Aggregation done", "logins", len(counts), "aggregated", aggregated)
	return aggregated, nil
}

// RunLatest aggregates the most recently completed scan. Used by the
// scheduled job; no completed scan yet is not an error.
func (a *Aggregator) RunLatest(ctx context.Context) (int, error) {
	scan, err := a.db.GetLatestCompletedScan(ctx)
	if errors.Is(err, pg.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("aggregator: find latest completed scan: %w", err)
	}

	// Skip scans aggregated after they ended; rerunning is harmless but
	// noisy. A scan ended within the last day is still worth refreshing.
	if scan.TimeEnded != nil && time.Since(*scan.TimeEnded) > 24*time.Hour {
		return 0, nil
	}
	return a.RunForScan(ctx, scan.ID)
}
