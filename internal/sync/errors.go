package sync

import (
	"errors"
)

var (
	// ErrAuthExpired means the remote credential is no longer valid. It ends the job.
	ErrAuthExpired = errors.New("authorization expired")

	// ErrConfigInvalid means a SyncConfig was rejected. No job is created.
	ErrConfigInvalid = errors.New("invalid sync config")

	// ErrConflictNotFound means no conflict is queued for the entity.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrInvalidTransition means the job cannot move to the requested state.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrJobConflict means another active job already covers a requested entity type.
	ErrJobConflict = errors.New("conflicting job is active")

	// ErrJobNotFound means no job has the given ID.
	ErrJobNotFound = errors.New("job not found")

	// ErrOrchestratorClosed means the orchestrator no longer accepts work.
	ErrOrchestratorClosed = errors.New("orchestrator closed")

	// ErrRateLimitExceeded means the call budget is exhausted. It is waited out with
	// backoff and does not count as a retry.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrStoreWriteFailed means the snapshot store rejected a write. It is retried and
	// the watermark is not advanced.
	ErrStoreWriteFailed = errors.New("store write failed")

	// ErrTransientFetch means a fetch failed in a way worth retrying.
	ErrTransientFetch = errors.New("transient fetch error")
)

// retryable reports whether err should trigger another attempt of the entity type.
func retryable(err error) bool {
	return errors.Is(err, ErrTransientFetch) || errors.Is(err, ErrStoreWriteFailed)
}

// fatal reports whether err ends the whole job without touching remaining entity types.
func fatal(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}
