package sync

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/peteski22/adsmirror/internal/entity"
)

// transitions lists the moves allowed between job states. Moves out of FAILED only
// happen while a retry is pending: FAILED -> RUNNING is the retry itself.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusPaused, StatusCancelled},
	StatusFailed:  {StatusRunning, StatusPaused, StatusCancelled},
}

// job is the mutable state behind a JobStatus. All fields are guarded by mu.
type job struct {
	cfg         SyncConfig
	completedAt time.Time
	createdAt   time.Time
	current     entity.Type
	done        chan struct{}
	id          string
	lastError   string
	mu          sync.Mutex
	nextRetryAt time.Time
	progress    float64
	result      Result
	retryCount  int
	startedAt   time.Time
	status      Status
	stop        chan struct{}
	stopAs      Status
}

func newJob(id string, cfg SyncConfig, now time.Time) *job {
	return &job{
		cfg:       cfg,
		createdAt: now,
		done:      make(chan struct{}),
		id:        id,
		result: Result{
			DryRun:         cfg.DryRun,
			EntitiesFailed: make(map[entity.Type]int, len(cfg.EntityTypes)),
			EntitiesSynced: make(map[entity.Type]int, len(cfg.EntityTypes)),
		},
		status: StatusPending,
		stop:   make(chan struct{}),
	}
}

// transition moves the job to the given state.
func (j *job) transition(to Status, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.transitionLocked(to, now)
}

func (j *job) transitionLocked(to Status, now time.Time) error {
	if !slices.Contains(transitions[j.status], to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.status, to)
	}

	switch {
	case to == StatusRunning && j.startedAt.IsZero():
		j.startedAt = now
		j.result.StartedAt = now
	case to == StatusRunning:
		j.nextRetryAt = time.Time{}
	case to.Terminal():
		j.completedAt = now
		j.nextRetryAt = time.Time{}
		j.result.CompletedAt = now
		if !j.startedAt.IsZero() {
			j.result.Duration = now.Sub(j.startedAt)
		}
	}

	j.status = to
	return nil
}

// requestStop asks the job to stop as the given status at its next checkpoint. A pending
// job is moved to the status immediately; its worker then skips it.
func (j *job) requestStop(as Status, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch {
	case j.status == StatusPending && as == StatusCancelled:
		if err := j.transitionLocked(as, now); err != nil {
			return err
		}
		j.signalStopLocked(as)
		return nil
	case j.status == StatusRunning, j.status == StatusFailed && !j.nextRetryAt.IsZero():
		j.signalStopLocked(as)
		return nil
	default:
		return fmt.Errorf("%w: cannot move %s job to %s", ErrInvalidTransition, j.status, as)
	}
}

func (j *job) signalStopLocked(as Status) {
	if j.stopAs != "" {
		return
	}
	j.stopAs = as
	close(j.stop)
}

// stopRequested returns the status the job was asked to stop as, if any.
func (j *job) stopRequested() (Status, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.stopAs, j.stopAs != ""
}

func (j *job) setCurrent(t entity.Type) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.current = t
}

func (j *job) setProgress(done int, total int) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if total > 0 {
		j.progress = float64(done) / float64(total) * 100
	}
}

// retrying records a failed attempt that will be retried at next.
func (j *job) retrying(err error, next time.Time, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.transitionLocked(StatusFailed, now); err != nil {
		return err
	}
	// A pending retry is not terminal yet.
	j.completedAt = time.Time{}
	j.result.CompletedAt = time.Time{}
	j.result.Duration = 0

	j.lastError = err.Error()
	j.nextRetryAt = next
	j.retryCount++
	j.progress = 0
	return nil
}

func (j *job) setError(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.lastError = err.Error()
}

// record applies fn to the result under the job lock.
func (j *job) record(fn func(r *Result)) {
	j.mu.Lock()
	defer j.mu.Unlock()

	fn(&j.result)
}

func (j *job) recordError(t entity.Type, err error) {
	j.record(func(r *Result) {
		r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", t, err))
	})
	j.setError(err)
}

func (j *job) recordWarning(format string, args ...any) {
	j.record(func(r *Result) {
		r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
	})
}

// snapshot returns a deep copy of the job state.
func (j *job) snapshot() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()

	r := j.result
	r.EntitiesFailed = maps.Clone(j.result.EntitiesFailed)
	r.EntitiesSynced = maps.Clone(j.result.EntitiesSynced)
	r.Errors = slices.Clone(j.result.Errors)
	r.Warnings = slices.Clone(j.result.Warnings)

	cfg := j.cfg.withDefaults()

	return JobStatus{
		CompletedAt:       j.completedAt,
		Config:            cfg,
		CreatedAt:         j.createdAt,
		CurrentEntityType: j.current,
		ID:                j.id,
		LastError:         j.lastError,
		NextRetryAt:       j.nextRetryAt,
		Progress:          j.progress,
		Result:            r,
		RetryCount:        j.retryCount,
		StartedAt:         j.startedAt,
		Status:            j.status,
	}
}
