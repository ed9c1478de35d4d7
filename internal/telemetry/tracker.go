package telemetry

import (
	gosync "sync"
	"time"
)

const activityRingSize = 50

// ActivityStatus tracks the delivery lifecycle of one broadcast attempt.
type ActivityStatus string

const (
	// StatusPending marks a broadcast that has been accepted but not delivered.
	StatusPending ActivityStatus = "pending"
	// StatusSynced marks a delivered broadcast.
	StatusSynced ActivityStatus = "synced"
	// StatusFailed marks a broadcast whose delivery exhausted retries.
	StatusFailed ActivityStatus = "failed"
)

// Activity is one entry in the per-user recent activity ring.
type Activity struct {
	ChangeID  string
	Device    string
	Operation string
	Entity    string
	Actor     string
	Timestamp time.Time
	Status    ActivityStatus
	Latency   time.Duration
}

// Stats is the read-only aggregate view for one user.
type Stats struct {
	Day               string
	SyncsToday        int64
	AverageLatency    time.Duration
	ConflictsResolved int64
	Recent            []Activity
}

type userStats struct {
	day               string
	syncsToday        int64
	latencyCount      int64
	latencyMean       float64
	conflictsResolved int64
	ring              []Activity
}

// Tracker maintains per-user sync telemetry. It is written only by the
// broadcaster and the resolution pipeline and read by everything else.
type Tracker struct {
	mu    gosync.Mutex
	clock func() time.Time
	users map[string]*userStats
}

// NewTracker constructs an empty telemetry tracker.
func NewTracker(clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		clock: clock,
		users: make(map[string]*userStats),
	}
}

func (t *Tracker) statsFor(userID string) *userStats {
	stats, ok := t.users[userID]
	if !ok {
		stats = &userStats{}
		t.users[userID] = stats
	}
	today := t.clock().UTC().Format("2006-01-02")
	if stats.day != today {
		stats.day = today
		stats.syncsToday = 0
	}
	return stats
}

// RecordSync counts one accepted sync and appends a pending activity entry.
func (t *Tracker) RecordSync(userID string, activity Activity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.statsFor(userID)
	stats.syncsToday++
	if activity.Status == "" {
		activity.Status = StatusPending
	}
	if activity.Timestamp.IsZero() {
		activity.Timestamp = t.clock().UTC()
	}
	stats.ring = append(stats.ring, activity)
	if len(stats.ring) > activityRingSize {
		stats.ring = stats.ring[len(stats.ring)-activityRingSize:]
	}
}

// RecordConflictResolved counts one automatically or manually resolved conflict.
func (t *Tracker) RecordConflictResolved(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statsFor(userID).conflictsResolved++
}

// MarkSynced transitions the matching activity to synced and folds the
// delivery latency into the moving average.
func (t *Tracker) MarkSynced(userID, changeID string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.statsFor(userID)
	stats.latencyCount++
	stats.latencyMean += (float64(latency) - stats.latencyMean) / float64(stats.latencyCount)
	t.transition(stats, changeID, StatusSynced, latency)
}

// MarkFailed transitions the matching activity to failed.
func (t *Tracker) MarkFailed(userID, changeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transition(t.statsFor(userID), changeID, StatusFailed, 0)
}

func (t *Tracker) transition(stats *userStats, changeID string, status ActivityStatus, latency time.Duration) {
	for index := len(stats.ring) - 1; index >= 0; index-- {
		if stats.ring[index].ChangeID != changeID {
			continue
		}
		stats.ring[index].Status = status
		if latency > 0 {
			stats.ring[index].Latency = latency
		}
		return
	}
}

// Snapshot returns a copy of the user's aggregate stats.
func (t *Tracker) Snapshot(userID string) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.statsFor(userID)
	recent := make([]Activity, len(stats.ring))
	copy(recent, stats.ring)
	return Stats{
		Day:               stats.day,
		SyncsToday:        stats.syncsToday,
		AverageLatency:    time.Duration(stats.latencyMean),
		ConflictsResolved: stats.conflictsResolved,
		Recent:            recent,
	}
}
