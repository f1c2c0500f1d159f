package sync

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/peteski22/adsmirror/internal/entity"
)

// errStopped reports that a wait was interrupted by a cancel or pause request.
var errStopped = errors.New("job stop requested")

// jobRun carries the collaborators of one executing job.
type jobRun struct {
	*Orchestrator

	j      *job
	logger *zap.Logger
	store  SnapshotStore
}

// execute drives j from PENDING to a terminal state.
func (o *Orchestrator) execute(j *job) outcome {
	logger := o.logger.With(
		zap.String("job_id", j.id),
		zap.String("customer_id", j.cfg.CustomerID),
	)

	if err := j.transition(StatusRunning, o.now()); err != nil {
		logger.Info("Skipping job stopped before it started", zap.Error(err))
		status := j.snapshot()
		if status.Status == StatusCancelled {
			o.stats.PendingJobCancelled()
		}
		return outcome{job: j, status: status}
	}
	o.stats.JobStarted()

	var (
		dry   *dryRunStore
		store = o.store
	)
	if j.cfg.DryRun {
		dry = newDryRunStore(o.store, logger)
		store = dry
	}
	r := &jobRun{Orchestrator: o, j: j, logger: logger, store: store}

	ctx, cancel := context.WithTimeout(o.baseCtx, j.cfg.Timeout)
	defer cancel()

	final, err := r.runSafe(ctx)
	if dry != nil {
		r.record(func(res *Result) {
			res.DryRunWrites = dry.skipped()
		})
	}
	r.finish(final, err)

	return outcome{job: j, status: j.snapshot()}
}

// runSafe runs the job, converting a panic into a terminal failure.
func (r *jobRun) runSafe(ctx context.Context) (final Status, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Sync job panicked",
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			final, err = StatusFailed, fmt.Errorf("job panicked: %v", p)
		}
	}()

	if r.j.cfg.SyncType == SyncRealTime {
		return r.runRealtime(ctx)
	}
	return r.runAttempts(ctx)
}

// finish moves the job to its terminal state and updates the counters.
func (r *jobRun) finish(final Status, err error) {
	if err != nil {
		r.j.setError(err)
	}

	if tErr := r.j.transition(final, r.now()); tErr != nil {
		// Stop requests may land while a retry is pending; the job still ends.
		r.logger.Warn("Unexpected job transition", zap.Error(tErr))
	}

	switch final {
	case StatusCompleted:
		r.stats.JobCompleted()
	case StatusCancelled:
		r.stats.JobCancelled()
	case StatusPaused:
		r.stats.JobPaused()
	default:
		r.stats.JobFailed()
	}
}

// attempt is the outcome of running a set of entity types once.
type attempt struct {
	// permanent joins the errors that are not worth retrying.
	permanent error

	// retry lists the entity types that failed with a retryable error.
	retry []entity.Type

	// retryErr joins the retryable errors.
	retryErr error
}

// runAttempts runs the entity types, retrying those that failed with a retryable error
// until they succeed or MaxRetries is exhausted.
func (r *jobRun) runAttempts(ctx context.Context) (Status, error) {
	pending := r.j.cfg.EntityTypes
	var permanent []error

	for n := 0; ; n++ {
		a := r.runAttempt(ctx, pending)
		if a.permanent != nil {
			permanent = append(permanent, a.permanent)
		}

		if as, ok := r.j.stopRequested(); ok {
			return as, nil
		}
		if fatal(a.permanent) {
			return StatusFailed, a.permanent
		}
		if a.retryErr == nil {
			if len(permanent) > 0 {
				return StatusFailed, errors.Join(permanent...)
			}
			return StatusCompleted, nil
		}
		if ctx.Err() != nil {
			return StatusFailed, fmt.Errorf("job timed out: %w", errors.Join(append(permanent, a.retryErr)...))
		}
		if n >= r.j.cfg.MaxRetries {
			return StatusFailed, fmt.Errorf("giving up after %d attempts: %w",
				n+1, errors.Join(append(permanent, a.retryErr)...))
		}

		next := r.now().Add(r.j.cfg.RetryDelay)
		if err := r.j.retrying(a.retryErr, next, r.now()); err != nil {
			return StatusFailed, err
		}
		r.stats.Retry()
		r.logger.Warn("Sync attempt failed, retrying",
			zap.Int("attempt", n+1),
			zap.Int("max_retries", r.j.cfg.MaxRetries),
			zap.Any("entity_types", a.retry),
			zap.Duration("delay", r.j.cfg.RetryDelay),
			zap.Error(a.retryErr),
		)

		if err := r.sleep(ctx, r.j.cfg.RetryDelay); err != nil {
			if as, ok := r.j.stopRequested(); ok {
				return as, nil
			}
			return StatusFailed, fmt.Errorf("job timed out waiting to retry: %w", a.retryErr)
		}

		if err := r.j.transition(StatusRunning, r.now()); err != nil {
			return StatusFailed, err
		}
		pending = a.retry
	}
}

// runRealtime repeats incremental syncs every SyncInterval until the job is stopped or
// its timeout ends it, which counts as completion.
func (r *jobRun) runRealtime(ctx context.Context) (Status, error) {
	ticker := time.NewTicker(r.j.cfg.SyncInterval)
	defer ticker.Stop()

	for cycle := 1; ; cycle++ {
		a := r.runAttempt(ctx, r.j.cfg.EntityTypes)

		if as, ok := r.j.stopRequested(); ok {
			return as, nil
		}
		if fatal(a.permanent) {
			return StatusFailed, a.permanent
		}
		if err := errors.Join(a.permanent, a.retryErr); err != nil && ctx.Err() == nil {
			r.logger.Warn("Real-time sync cycle failed", zap.Int("cycle", cycle), zap.Error(err))
		}

		select {
		case <-ticker.C:
		case <-r.j.stop:
			as, _ := r.j.stopRequested()
			return as, nil
		case <-ctx.Done():
			if as, ok := r.j.stopRequested(); ok {
				return as, nil
			}
			r.logger.Info("Real-time sync reached its timeout", zap.Int("cycles", cycle))
			return StatusCompleted, nil
		}
	}
}

// runAttempt syncs each entity type once. A failing type never stops its siblings,
// except for errors that end the whole job.
func (r *jobRun) runAttempt(ctx context.Context, types []entity.Type) attempt {
	var (
		mu        sync.Mutex
		done      int
		perm      []error
		retryErrs []error
		failed    = make(map[entity.Type]bool, len(types))
	)

	record := func(t entity.Type, err error) {
		mu.Lock()
		defer mu.Unlock()

		done++
		r.j.setProgress(done, len(types))
		switch {
		case err == nil:
		case retryable(err):
			failed[t] = true
			retryErrs = append(retryErrs, fmt.Errorf("%s: %w", t, err))
		default:
			perm = append(perm, fmt.Errorf("%s: %w", t, err))
		}
	}

	if r.j.cfg.ParallelProcessing && len(types) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.j.cfg.Workers)
		for _, t := range types {
			g.Go(func() error {
				if _, ok := r.j.stopRequested(); ok {
					return nil
				}
				err := r.syncTypeSafe(gctx, t)
				record(t, err)
				if fatal(err) {
					// Cancels siblings still fetching.
					return err
				}
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for _, t := range types {
			if _, ok := r.j.stopRequested(); ok {
				break
			}
			err := r.syncTypeSafe(ctx, t)
			record(t, err)
			if fatal(err) {
				break
			}
		}
	}

	a := attempt{
		permanent: errors.Join(perm...),
		retryErr:  errors.Join(retryErrs...),
	}
	for _, t := range types {
		if failed[t] {
			a.retry = append(a.retry, t)
		}
	}
	return a
}

// syncTypeSafe syncs one entity type and records the outcome. A panic becomes a
// non-retryable error.
func (r *jobRun) syncTypeSafe(ctx context.Context, t entity.Type) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Entity type sync panicked",
				zap.String("entity_type", string(t)),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("panic: %v", p)
			r.failType(t, 0, err)
		}
	}()

	r.j.setCurrent(t)
	start := r.now()

	synced, unsynced, err := r.syncType(ctx, t)
	r.record(func(res *Result) {
		res.EntitiesSynced[t] += synced
	})
	r.stats.EntitiesSynced(synced)

	if err != nil {
		r.failType(t, unsynced, err)
		return err
	}

	r.logger.Info("Synced entity type",
		zap.String("entity_type", string(t)),
		zap.Int("entities_synced", synced),
		zap.Duration("elapsed", r.now().Sub(start)),
	)
	return nil
}

// failType records a failed entity type. n is the number of entities left unsynced.
func (r *jobRun) failType(t entity.Type, n int, err error) {
	n = max(n, 1)
	r.record(func(res *Result) {
		res.EntitiesFailed[t] += n
	})
	r.stats.EntitiesFailed(n)
	r.j.recordError(t, err)

	r.logger.Error("Failed to sync entity type",
		zap.String("entity_type", string(t)),
		zap.Int("entities_failed", n),
		zap.Error(err),
	)
}

func (r *jobRun) record(fn func(res *Result)) {
	r.j.record(fn)
}

// sleep waits for d, returning early with errStopped on a stop request or with the
// context error when ctx ends.
func (r *jobRun) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-r.j.stop:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire waits until the rate limiter admits a call in the category, sleeping the
// backoff delay after every denial.
func (r *jobRun) acquire(ctx context.Context, category string) error {
	for {
		if r.limiter.Allow(category) {
			return nil
		}
		if err := r.backoff(ctx, category, "rate limit budget exhausted"); err != nil {
			return err
		}
	}
}

// backoff records a rate-limit hit and sleeps the category's next backoff delay.
func (r *jobRun) backoff(ctx context.Context, category string, reason string) error {
	r.record(func(res *Result) {
		res.RateLimitHits++
	})
	r.stats.RateLimitHit()

	delay := r.limiter.BackoffDelay(category)
	r.logger.Debug("Backing off",
		zap.String("category", category),
		zap.String("reason", reason),
		zap.Duration("delay", delay),
	)

	if err := r.sleep(ctx, delay); err != nil {
		if errors.Is(err, errStopped) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", ErrRateLimitExceeded, reason, err)
	}
	return nil
}
