// Package telemetry aggregates sync counters for dashboards and metric scrapers.
package telemetry

import (
	"sync/atomic"
)

// Stats holds process-wide sync counters. All methods are safe for concurrent use and
// never block.
type Stats struct {
	activeJobs        atomic.Int64
	apiCalls          atomic.Int64
	bytesTransferred  atomic.Int64
	conflictsDetected atomic.Int64
	conflictsQueued   atomic.Int64
	conflictsResolved atomic.Int64
	entitiesFailed    atomic.Int64
	entitiesSynced    atomic.Int64
	jobsCancelled     atomic.Int64
	jobsCompleted     atomic.Int64
	jobsFailed        atomic.Int64
	jobsPaused        atomic.Int64
	jobsStarted       atomic.Int64
	rateLimitHits     atomic.Int64
	retries           atomic.Int64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	ActiveJobs        int64 `json:"active_jobs"`
	APICalls          int64 `json:"api_calls"`
	BytesTransferred  int64 `json:"bytes_transferred"`
	ConflictsDetected int64 `json:"conflicts_detected"`
	ConflictsQueued   int64 `json:"conflicts_queued"`
	ConflictsResolved int64 `json:"conflicts_resolved"`
	EntitiesFailed    int64 `json:"entities_failed"`
	EntitiesSynced    int64 `json:"entities_synced"`
	JobsCancelled     int64 `json:"jobs_cancelled"`
	JobsCompleted     int64 `json:"jobs_completed"`
	JobsFailed        int64 `json:"jobs_failed"`
	JobsPaused        int64 `json:"jobs_paused"`
	JobsStarted       int64 `json:"jobs_started"`
	RateLimitHits     int64 `json:"rate_limit_hits"`
	Retries           int64 `json:"retries"`
}

// NewStats creates zeroed Stats.
func NewStats() *Stats {
	return &Stats{}
}

// JobStarted records a job entering RUNNING for the first time.
func (s *Stats) JobStarted() {
	s.jobsStarted.Add(1)
	s.activeJobs.Add(1)
}

// JobCompleted records a job finishing successfully.
func (s *Stats) JobCompleted() {
	s.jobsCompleted.Add(1)
	s.activeJobs.Add(-1)
}

// JobFailed records a job reaching terminal failure.
func (s *Stats) JobFailed() {
	s.jobsFailed.Add(1)
	s.activeJobs.Add(-1)
}

// JobCancelled records an operator cancellation.
func (s *Stats) JobCancelled() {
	s.jobsCancelled.Add(1)
	s.activeJobs.Add(-1)
}

// PendingJobCancelled records a cancellation of a job that never started running.
func (s *Stats) PendingJobCancelled() {
	s.jobsCancelled.Add(1)
}

// JobPaused records an operator pause.
func (s *Stats) JobPaused() {
	s.jobsPaused.Add(1)
	s.activeJobs.Add(-1)
}

// Retry records a retry attempt.
func (s *Stats) Retry() {
	s.retries.Add(1)
}

// APICall records a remote fetch and the bytes it returned.
func (s *Stats) APICall(bytes int64) {
	s.apiCalls.Add(1)
	s.bytesTransferred.Add(bytes)
}

// RateLimitHit records a denied or throttled call.
func (s *Stats) RateLimitHit() {
	s.rateLimitHits.Add(1)
}

// EntitiesSynced records entities written to the store.
func (s *Stats) EntitiesSynced(n int) {
	s.entitiesSynced.Add(int64(n))
}

// EntitiesFailed records entities that could not be synced.
func (s *Stats) EntitiesFailed(n int) {
	s.entitiesFailed.Add(int64(n))
}

// ConflictDetected records a concurrent modification.
func (s *Stats) ConflictDetected() {
	s.conflictsDetected.Add(1)
}

// ConflictResolved records a conflict settled by a policy.
func (s *Stats) ConflictResolved() {
	s.conflictsResolved.Add(1)
}

// ConflictQueued records a conflict routed to manual review.
func (s *Stats) ConflictQueued() {
	s.conflictsQueued.Add(1)
}

// Snapshot reads every counter. Counters are read individually, so a snapshot taken while
// jobs run may mix values from adjacent instants.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		ActiveJobs:        s.activeJobs.Load(),
		APICalls:          s.apiCalls.Load(),
		BytesTransferred:  s.bytesTransferred.Load(),
		ConflictsDetected: s.conflictsDetected.Load(),
		ConflictsQueued:   s.conflictsQueued.Load(),
		ConflictsResolved: s.conflictsResolved.Load(),
		EntitiesFailed:    s.entitiesFailed.Load(),
		EntitiesSynced:    s.entitiesSynced.Load(),
		JobsCancelled:     s.jobsCancelled.Load(),
		JobsCompleted:     s.jobsCompleted.Load(),
		JobsFailed:        s.jobsFailed.Load(),
		JobsPaused:        s.jobsPaused.Load(),
		JobsStarted:       s.jobsStarted.Load(),
		RateLimitHits:     s.rateLimitHits.Load(),
		Retries:           s.retries.Load(),
	}
}
