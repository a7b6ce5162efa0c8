package pg

import (
	"time"

	"github.com/google/uuid"
)

// ScanStopReason categorizes why a scanning session ended.
type ScanStopReason string

const (
	// ScanInProgress is the default until the conductor finalizes the scan,
	// so a crash never leaves a null reason behind.
	ScanInProgress ScanStopReason = "in_progress"
	ScanComplete   ScanStopReason = "complete"
	ScanCancelled  ScanStopReason = "cancelled"
	ScanErrored    ScanStopReason = "errored"
)

// FetchStatus is the lifecycle state of a single viewerlist fetch.
// Transitions are monotonic: pending → in_queue → waiting_on_viewer_list →
// (complete | errored).
type FetchStatus string

const (
	FetchPending            FetchStatus = "pending"
	FetchInQueue            FetchStatus = "in_queue"
	FetchWaitingOnViewerist FetchStatus = "waiting_on_viewer_list"
	FetchComplete           FetchStatus = "complete"
	FetchErrored            FetchStatus = "errored"
)

// Terminal reports whether a fetch in this status is done for good.
func (s FetchStatus) Terminal() bool {
	return s == FetchComplete || s == FetchErrored
}

// rank orders statuses along the allowed transition path.
func (s FetchStatus) rank() int {
	switch s {
	case FetchPending:
		return 0
	case FetchInQueue:
		return 1
	case FetchWaitingOnViewerist:
		return 2
	case FetchComplete, FetchErrored:
		return 3
	}
	return -1
}

// CanTransitionTo reports whether advancing from s to next respects the
// monotonic fetch lifecycle.
func (s FetchStatus) CanTransitionTo(next FetchStatus) bool {
	return next.rank() == s.rank()+1
}

// fetchStatuses enumerates every status, for building transition guards.
var fetchStatuses = []FetchStatus{
	FetchPending, FetchInQueue, FetchWaitingOnViewerist, FetchComplete, FetchErrored,
}

// transitionSources lists the statuses allowed to advance to next.
func transitionSources(next FetchStatus) []string {
	var from []string
	for _, s := range fetchStatuses {
		if s.CanTransitionTo(next) {
			from = append(from, string(s))
		}
	}
	return from
}

// ScanningSession is one bounded pass over the live-stream population.
type ScanningSession struct {
	ID                 uuid.UUID
	TimeStarted        time.Time
	TimeEnded          *time.Time
	ReasonEnded        ScanStopReason
	StreamsInScan      int
	ViewerlistsFetched int
	ErrorCount         int
}

// StreamFetch is one attempt to collect the viewer list from one channel.
// The stream descriptor fields come from the 'Get Streams' Helix response.
type StreamFetch struct {
	FetchID           uuid.UUID
	ScanningSessionID uuid.UUID
	ChannelOwnerID    int64
	CategoryID        int64
	StreamID          int64
	ViewerCount       int
	StreamStartedAt   time.Time
	Language          string
	IsMature          bool
	WasLive           bool
	FetchStatus       FetchStatus
	FetchActionAt     time.Time
	Duration          *float64
}

// ViewerSighting records one login name observed during one fetch.
type ViewerSighting struct {
	SightingID      uuid.UUID
	FetchID         uuid.UUID
	ViewerLoginName string
}

// TwitchUserData is a Twitch account spotted at least once during a scan,
// either as a streamer or a viewer. Rows start partial and are filled in by
// the enricher.
type TwitchUserData struct {
	TwitchAccountID                   int64
	LoginName                         string
	AccountType                       *string
	BroadcasterType                   *string
	AccountCreatedAt                  *time.Time
	FirstSightingAsViewer             *time.Time
	MostRecentSightingAsViewer        *time.Time
	MostRecentConcurrentChannelCount  *int
	AllTimeHighConcurrentChannelCount *int
	AllTimeHighAt                     *time.Time
	HasBeenEnriched                   bool
}

// StreamCategory is a Twitch game/category referenced by stream descriptors.
type StreamCategory struct {
	CategoryID   int64
	CategoryName string
}

// Secret is the single-row OAuth token record. The enforce_one_row unique
// column guarantees at most one row exists.
type Secret struct {
	AccessToken         string
	RefreshToken        string
	ExpiresIn           int
	TokenType           string
	Scope               string
	LastUpdateTimestamp time.Time
}

// LoginSightingCount pairs a viewer login with how many fetches of a scan it
// appeared in.
type LoginSightingCount struct {
	LoginName string
	Count     int
}

// FinalizeScanParams closes out a scanning session.
type FinalizeScanParams struct {
	ID                 uuid.UUID
	TimeEnded          time.Time
	ReasonEnded        ScanStopReason
	ViewerlistsFetched int
	ErrorCount         int
}

// CompleteFetchParams marks a fetch terminal.
type CompleteFetchParams struct {
	FetchID  uuid.UUID
	Status   FetchStatus
	Duration *float64
}

// ViewerAggregateParams carries one login's tally for the aggregator.
type ViewerAggregateParams struct {
	LoginName       string
	ConcurrentCount int
	SeenAt          time.Time
}
