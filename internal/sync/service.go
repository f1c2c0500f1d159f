package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peteski22/adsmirror/internal/change"
	"github.com/peteski22/adsmirror/internal/conflict"
	"github.com/peteski22/adsmirror/internal/entity"
	"github.com/peteski22/adsmirror/internal/ratelimit"
	"github.com/peteski22/adsmirror/internal/review"
	"github.com/peteski22/adsmirror/internal/telemetry"
)

const (
	defaultCompletedJobs = 100
	defaultPoolSize      = 4
)

// Config holds the configuration for creating an Orchestrator.
type Config struct {
	// Adapter fetches entities from the remote source.
	Adapter SourceAdapter

	// CompletedJobs bounds the retained terminal jobs. Defaults to 100.
	CompletedJobs int

	// ConflictWindow is the modification-time distance under which an update is treated
	// as racing a local change. Defaults to conflict.DefaultWindow.
	ConflictWindow time.Duration

	// Detector classifies fetched entities. Defaults to change.NewDetector().
	Detector *change.Detector

	// Logger is the structured logger. Defaults to a no-op logger.
	Logger *zap.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// PoolSize bounds the parallel jobs running at once. Defaults to 4.
	PoolSize int

	// RateLimiter gates every remote fetch.
	RateLimiter *ratelimit.Manager

	// Review holds conflicts awaiting manual resolution. Defaults to an in-memory queue.
	Review *review.Queue

	// Stats receives process-wide counters. Defaults to fresh Stats.
	Stats *telemetry.Stats

	// Store persists snapshots and watermarks.
	Store SnapshotStore
}

// validate checks that all required Config fields are set.
func (c *Config) validate() error {
	var errs []error
	if c.Adapter == nil {
		errs = append(errs, errors.New("source adapter is required"))
	}
	if c.RateLimiter == nil {
		errs = append(errs, errors.New("rate limiter is required"))
	}
	if c.Store == nil {
		errs = append(errs, errors.New("snapshot store is required"))
	}
	if c.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("pool size cannot be negative, got %d", c.PoolSize))
	}
	if c.CompletedJobs < 0 {
		errs = append(errs, fmt.Errorf("completed jobs cannot be negative, got %d", c.CompletedJobs))
	}
	return errors.Join(errs...)
}

// claimKey is the unit of job exclusivity.
type claimKey struct {
	customerID string
	entityType entity.Type
}

// Orchestrator owns the sync job lifecycle.
type Orchestrator struct {
	adapter       SourceAdapter
	baseCtx       context.Context
	cancelAll     context.CancelFunc
	claims        map[claimKey]string
	closed        bool
	completed     map[string]*job
	completedIDs  []string
	completedSize int
	detector      *change.Detector
	jobs          map[string]*job
	limiter       *ratelimit.Manager
	logger        *zap.Logger
	mu            sync.Mutex
	now           func() time.Time
	pool          *pool
	resolver      *conflict.Resolver
	review        *review.Queue
	stats         *telemetry.Stats
	store         SnapshotStore
}

// New creates a new Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	detector := cfg.Detector
	if detector == nil {
		detector = change.NewDetector(change.WithClock(now))
	}
	queue := cfg.Review
	if queue == nil {
		queue = review.NewQueue(review.Config{Logger: logger, Now: now})
	}
	stats := cfg.Stats
	if stats == nil {
		stats = telemetry.NewStats()
	}
	poolSize := cfg.PoolSize
	if poolSize == 0 {
		poolSize = defaultPoolSize
	}
	completedSize := cfg.CompletedJobs
	if completedSize == 0 {
		completedSize = defaultCompletedJobs
	}

	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		adapter:       cfg.Adapter,
		baseCtx:       ctx,
		cancelAll:     cancel,
		claims:        make(map[claimKey]string),
		completed:     make(map[string]*job),
		completedSize: completedSize,
		detector:      detector,
		jobs:          make(map[string]*job),
		limiter:       cfg.RateLimiter,
		logger:        logger,
		now:           now,
		resolver:      conflict.NewResolver(cfg.ConflictWindow),
		review:        queue,
		stats:         stats,
		store:         cfg.Store,
	}
	o.pool = newPool(ctx, poolSize, o.execute, o.collect)

	return o, nil
}

// StartSync validates cfg and creates a job. With ParallelProcessing the job is queued on
// the worker pool and the ID is returned immediately; otherwise the job runs to a terminal
// state before StartSync returns.
func (o *Orchestrator) StartSync(cfg SyncConfig) (string, error) {
	if err := cfg.validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}
	cfg = cfg.withDefaults()

	j := newJob(uuid.NewString(), cfg, o.now())

	if err := o.register(j); err != nil {
		return "", err
	}

	o.logger.Info("Sync job accepted",
		zap.String("job_id", j.id),
		zap.String("customer_id", cfg.CustomerID),
		zap.String("sync_type", string(cfg.SyncType)),
		zap.Any("entity_types", cfg.EntityTypes),
		zap.Bool("parallel", cfg.ParallelProcessing),
		zap.Bool("dry_run", cfg.DryRun),
	)

	if !cfg.ParallelProcessing {
		o.collect(o.execute(j))
		return j.id, nil
	}

	if err := o.pool.submit(j); err != nil {
		o.release(j)
		return "", err
	}
	return j.id, nil
}

// register claims the job's entity types and records it as active.
func (o *Orchestrator) register(j *job) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrOrchestratorClosed
	}

	for _, t := range j.cfg.EntityTypes {
		key := claimKey{customerID: j.cfg.CustomerID, entityType: t}
		if owner, ok := o.claims[key]; ok {
			return fmt.Errorf("%w: job %s already syncs %s for customer %s", ErrJobConflict, owner, t, j.cfg.CustomerID)
		}
	}
	for _, t := range j.cfg.EntityTypes {
		o.claims[claimKey{customerID: j.cfg.CustomerID, entityType: t}] = j.id
	}
	o.jobs[j.id] = j
	return nil
}

// release drops the job's claims and active entry.
func (o *Orchestrator) release(j *job) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.releaseLocked(j)
}

func (o *Orchestrator) releaseLocked(j *job) {
	for _, t := range j.cfg.EntityTypes {
		key := claimKey{customerID: j.cfg.CustomerID, entityType: t}
		if o.claims[key] == j.id {
			delete(o.claims, key)
		}
	}
	delete(o.jobs, j.id)
}

// collect retires a finished job into the bounded completed table.
func (o *Orchestrator) collect(out outcome) {
	o.mu.Lock()
	o.releaseLocked(out.job)
	o.completed[out.job.id] = out.job
	o.completedIDs = append(o.completedIDs, out.job.id)
	for len(o.completedIDs) > o.completedSize {
		delete(o.completed, o.completedIDs[0])
		o.completedIDs = o.completedIDs[1:]
	}
	o.mu.Unlock()

	close(out.job.done)

	fields := []zap.Field{
		zap.String("job_id", out.job.id),
		zap.String("status", string(out.status.Status)),
		zap.Int("retries", out.status.RetryCount),
		zap.Int("entities_synced", out.status.Result.TotalSynced()),
		zap.Int("entities_failed", out.status.Result.TotalFailed()),
		zap.Int("conflicts_detected", out.status.Result.ConflictsDetected),
		zap.Int("api_calls", out.status.Result.APICalls),
		zap.Duration("duration", out.status.Result.Duration),
	}
	if out.status.Status == StatusFailed {
		o.logger.Error("Sync job failed", append(fields, zap.String("error", out.status.LastError))...)
		return
	}
	o.logger.Info("Sync job finished", fields...)
}

// lookup finds a job among the active and retained ones.
func (o *Orchestrator) lookup(jobID string) (*job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if j, ok := o.jobs[jobID]; ok {
		return j, nil
	}
	if j, ok := o.completed[jobID]; ok {
		return j, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
}

// GetStatus returns a copy of the job state.
func (o *Orchestrator) GetStatus(jobID string) (JobStatus, error) {
	j, err := o.lookup(jobID)
	if err != nil {
		return JobStatus{}, err
	}
	return j.snapshot(), nil
}

// Wait blocks until the job is terminal or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, jobID string) (JobStatus, error) {
	j, err := o.lookup(jobID)
	if err != nil {
		return JobStatus{}, err
	}

	select {
	case <-j.done:
		return j.snapshot(), nil
	case <-ctx.Done():
		return j.snapshot(), ctx.Err()
	}
}

// GetStats returns the process-wide counters.
func (o *Orchestrator) GetStats() telemetry.Snapshot {
	return o.stats.Snapshot()
}

// CancelSync stops the job at its next safe checkpoint. Applied changes are kept.
func (o *Orchestrator) CancelSync(jobID string) error {
	return o.stopJob(jobID, StatusCancelled)
}

// PauseSync stops the job at its next safe checkpoint like CancelSync, recording it as
// PAUSED. A paused job is terminal; sync again to continue from the stored watermark.
func (o *Orchestrator) PauseSync(jobID string) error {
	return o.stopJob(jobID, StatusPaused)
}

func (o *Orchestrator) stopJob(jobID string, as Status) error {
	j, err := o.lookup(jobID)
	if err != nil {
		return err
	}

	if err := j.requestStop(as, o.now()); err != nil {
		return err
	}

	o.logger.Info("Sync job stop requested",
		zap.String("job_id", jobID),
		zap.String("as", string(as)),
	)
	return nil
}

// PendingConflicts lists the conflicts awaiting manual resolution.
func (o *Orchestrator) PendingConflicts(ctx context.Context) ([]review.Item, error) {
	return o.review.List(ctx)
}

// ResolveConflict settles a queued conflict with a deterministic policy, writes the
// outcome to the store and removes the conflict from the queue.
func (o *Orchestrator) ResolveConflict(
	ctx context.Context,
	customerID string,
	t entity.Type,
	entityID string,
	policy conflict.Policy,
) (change.DataChange, error) {
	if !policy.Valid() || policy == conflict.PolicyManual {
		return change.DataChange{}, fmt.Errorf("%w: policy %q cannot settle a conflict", ErrConfigInvalid, policy)
	}

	// Claim the entity type so no job writes the same key concurrently.
	key := claimKey{customerID: customerID, entityType: t}
	claimID := "resolve-" + uuid.NewString()
	o.mu.Lock()
	if owner, ok := o.claims[key]; ok {
		o.mu.Unlock()
		return change.DataChange{}, fmt.Errorf("%w: job %s is syncing %s for customer %s", ErrJobConflict, owner, t, customerID)
	}
	o.claims[key] = claimID
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.claims, key)
		o.mu.Unlock()
	}()

	rk := review.Key{CustomerID: customerID, EntityID: entityID, EntityType: t}
	item, found, err := o.review.Pending(ctx, rk)
	if err != nil {
		return change.DataChange{}, fmt.Errorf("loading conflict %s: %w", rk, err)
	}
	if !found {
		return change.DataChange{}, fmt.Errorf("%w: %s", ErrConflictNotFound, rk)
	}

	// Jobs that ran since the conflict was queued may have replaced the stored state.
	current, err := o.storedSnapshot(ctx, t, customerID, entityID)
	if err != nil {
		return change.DataChange{}, err
	}

	resolved, err := o.resolver.Resolve(item.Change.Rebase(current), policy)
	if err != nil {
		return change.DataChange{}, fmt.Errorf("resolving conflict %s: %w", rk, err)
	}

	w := newWriter(o.store, t, customerID, defaultBatchSize)
	w.add(resolved)
	if _, err := w.flush(ctx, true); err != nil {
		return change.DataChange{}, err
	}

	if err := o.review.Remove(ctx, rk); err != nil {
		return change.DataChange{}, fmt.Errorf("removing conflict %s: %w", rk, err)
	}

	o.stats.ConflictResolved()
	o.logger.Info("Conflict resolved",
		zap.String("key", rk.String()),
		zap.String("policy", string(policy)),
	)

	return resolved, nil
}

func (o *Orchestrator) storedSnapshot(
	ctx context.Context,
	t entity.Type,
	customerID string,
	entityID string,
) (*entity.Snapshot, error) {
	snaps, err := o.store.Snapshots(ctx, t, customerID)
	if err != nil {
		return nil, fmt.Errorf("reading stored %s %s: %w", t, entityID, err)
	}
	for i := range snaps {
		if snaps[i].EntityID == entityID {
			return &snaps[i], nil
		}
	}
	return nil, nil
}

// Close stops every active job at its next checkpoint and waits for them to finish.
// Close is idempotent.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	active := make([]*job, 0, len(o.jobs))
	for _, j := range o.jobs {
		active = append(active, j)
	}
	o.mu.Unlock()

	for _, j := range active {
		_ = j.requestStop(StatusCancelled, o.now())
	}

	o.pool.close()
	o.cancelAll()
}
