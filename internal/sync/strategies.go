package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/peteski22/adsmirror/internal/change"
	"github.com/peteski22/adsmirror/internal/entity"
)

// syncType runs the job's algorithm for one entity type. It returns the number of
// entities written or removed and, on failure, the number left unsynced.
func (r *jobRun) syncType(ctx context.Context, t entity.Type) (int, int, error) {
	switch r.j.cfg.SyncType {
	case SyncFull, SyncSelective:
		return r.overwrite(ctx, t)
	case SyncIncremental, SyncRealTime:
		return r.incremental(ctx, t)
	case SyncDelta:
		return r.delta(ctx, t)
	default:
		return 0, 0, fmt.Errorf("unsupported sync type %q", r.j.cfg.SyncType)
	}
}

// overwrite replaces the stored state with the fetched set without change detection.
// Stored entities missing from the fetched set are removed, unless the fetch was stopped
// early. SELECTIVE confines both sides to entities matching the filter.
func (r *jobRun) overwrite(ctx context.Context, t entity.Type) (int, int, error) {
	start := r.now()
	filter := r.filter()

	fetched, stopped, err := r.fetch(ctx, t, nil)
	if err != nil {
		return 0, len(fetched), err
	}

	stored, err := r.storedSnapshots(ctx, t)
	if err != nil {
		return 0, len(fetched), err
	}

	storedIDs := mapset.NewThreadUnsafeSetWithSize[string](len(stored))
	for _, s := range stored {
		storedIDs.Add(s.EntityID)
	}

	w := newWriter(r.store, t, r.j.cfg.CustomerID, r.j.cfg.BatchSize)
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, e := range fetched {
		if e.Removed {
			if filter.MatchesID(e.ID) && storedIDs.Contains(e.ID) && seen.Add(e.ID) {
				w.remove(e.ID)
			}
			continue
		}
		if !filter.Matches(e.ID, e.Fields) {
			continue
		}
		snap, err := entity.NewSnapshot(e)
		if err != nil {
			return 0, len(fetched), err
		}
		w.put(snap)
		seen.Add(e.ID)
	}

	if !stopped {
		for _, s := range stored {
			if !seen.Contains(s.EntityID) && filter.Matches(s.EntityID, s.Payload) {
				w.remove(s.EntityID)
			}
		}
	}

	n, err := w.flush(ctx, !stopped)
	if err != nil {
		return n, w.pending() - n, err
	}

	// A selective sync covers a subset, so it cannot vouch for the whole entity type.
	if !stopped && r.j.cfg.SyncType == SyncFull {
		if err := r.advanceWatermark(ctx, t, start); err != nil {
			return n, 0, err
		}
	}
	return n, 0, nil
}

// incremental applies the changes made since the watermark, then moves the watermark to
// the fetch start. The watermark stays put unless every change was applied.
func (r *jobRun) incremental(ctx context.Context, t entity.Type) (int, int, error) {
	start := r.now()

	since, err := r.store.Watermark(ctx, t, r.j.cfg.CustomerID)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: reading watermark: %w", ErrTransientFetch, err)
	}
	if since.IsZero() {
		since = start.Add(-r.j.cfg.HistoricalWindow)
		r.logger.Info("No watermark, starting from historical window",
			zap.String("entity_type", string(t)),
			zap.Time("since", since),
		)
	}

	fetched, stopped, err := r.fetch(ctx, t, &since)
	if err != nil {
		return 0, len(fetched), err
	}

	stored, err := r.storedSnapshots(ctx, t)
	if err != nil {
		return 0, len(fetched), err
	}

	changes, err := r.detector.DetectChanges(change.Input{
		Current:      fetched,
		EntityType:   t,
		LastSyncTime: since,
		Stored:       stored,
	})
	if err != nil {
		return 0, len(fetched), fmt.Errorf("detecting changes: %w", err)
	}

	n, unsynced, err := r.apply(ctx, t, changes, stopped)
	if err != nil {
		return n, unsynced, err
	}

	if !stopped {
		if err := r.advanceWatermark(ctx, t, start); err != nil {
			return n, 0, err
		}
	}
	return n, 0, nil
}

// delta diffs the complete remote set against the stored state and applies only the
// difference, deletions included.
func (r *jobRun) delta(ctx context.Context, t entity.Type) (int, int, error) {
	start := r.now()

	fetched, stopped, err := r.fetch(ctx, t, nil)
	if err != nil {
		return 0, len(fetched), err
	}

	stored, err := r.storedSnapshots(ctx, t)
	if err != nil {
		return 0, len(fetched), err
	}

	changes, err := r.detector.DetectChanges(change.Input{
		Current:       fetched,
		DetectDeletes: !stopped,
		EntityType:    t,
		Stored:        stored,
	})
	if err != nil {
		return 0, len(fetched), fmt.Errorf("detecting changes: %w", err)
	}

	n, unsynced, err := r.apply(ctx, t, changes, stopped)
	if err != nil {
		return n, unsynced, err
	}

	if !stopped {
		if err := r.advanceWatermark(ctx, t, start); err != nil {
			return n, 0, err
		}
	}
	return n, 0, nil
}

// apply routes each change through conflict handling and writes the rest in detector
// order. Changes for entities with a pending conflict are folded into it instead.
func (r *jobRun) apply(ctx context.Context, t entity.Type, changes []change.DataChange, stopped bool) (int, int, error) {
	if len(changes) == 0 {
		return 0, 0, nil
	}

	customerID := r.j.cfg.CustomerID
	pending, err := r.pendingConflicts(ctx, t)
	if err != nil {
		return 0, len(changes), err
	}

	w := newWriter(r.store, t, customerID, r.j.cfg.BatchSize)
	for _, c := range changes {
		if stopped && c.Kind == change.KindDelete {
			continue
		}

		if pending.Contains(c.EntityID) {
			if err := r.queue(ctx, c); err != nil {
				return 0, len(changes), err
			}
			r.j.recordWarning("%s %s: change folded into pending conflict", t, c.EntityID)
			continue
		}

		if r.resolver.Detect(c) {
			r.record(func(res *Result) { res.ConflictsDetected++ })
			r.stats.ConflictDetected()

			resolved, err := r.resolver.Resolve(c, r.j.cfg.ConflictPolicy)
			if err != nil {
				return 0, len(changes), fmt.Errorf("resolving conflict on %s: %w", c.EntityID, err)
			}
			if resolved.Pending() {
				if err := r.queue(ctx, resolved); err != nil {
					return 0, len(changes), err
				}
				pending.Add(c.EntityID)
				r.record(func(res *Result) { res.ConflictsQueued++ })
				r.stats.ConflictQueued()
				continue
			}

			r.record(func(res *Result) { res.ConflictsResolved++ })
			r.stats.ConflictResolved()
			c = resolved
		}

		w.add(c)
	}

	n, err := w.flush(ctx, !stopped)
	if err != nil {
		return n, w.pending() - n, err
	}
	return n, 0, nil
}

// queue hands an unresolved change to the review queue. Dry runs only log it.
func (r *jobRun) queue(ctx context.Context, c change.DataChange) error {
	if r.j.cfg.DryRun {
		r.logger.Info("[DRY-RUN] would queue conflict for review",
			zap.String("entity_type", string(c.EntityType)),
			zap.String("entity_id", c.EntityID),
			zap.String("change_id", c.ID),
		)
		return nil
	}

	item, superseded, err := r.review.Submit(ctx, r.j.cfg.CustomerID, c)
	if err != nil {
		return fmt.Errorf("%w: queueing conflict: %w", ErrStoreWriteFailed, err)
	}

	r.logger.Info("Conflict queued for review",
		zap.String("key", item.Key().String()),
		zap.String("change_id", item.Change.ID),
		zap.Bool("superseded", superseded),
	)
	return nil
}

// pendingConflicts returns the IDs of entities of type t with a queued conflict.
func (r *jobRun) pendingConflicts(ctx context.Context, t entity.Type) (mapset.Set[string], error) {
	items, err := r.review.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing pending conflicts: %w", ErrTransientFetch, err)
	}

	ids := mapset.NewThreadUnsafeSet[string]()
	for _, item := range items {
		if item.CustomerID == r.j.cfg.CustomerID && item.Change.EntityType == t {
			ids.Add(item.Change.EntityID)
		}
	}
	return ids, nil
}

// fetch pages through the source until it is exhausted. A stop request ends pagination
// early; the pages fetched so far are returned with stopped set.
func (r *jobRun) fetch(ctx context.Context, t entity.Type, since *time.Time) ([]entity.Entity, bool, error) {
	req := FetchRequest{
		CustomerID: r.j.cfg.CustomerID,
		EntityType: t,
		Filter:     r.filter(),
		PageSize:   r.j.cfg.BatchSize,
		Since:      since,
	}
	category := string(t)

	var all []entity.Entity
	for {
		if _, ok := r.j.stopRequested(); ok {
			return all, true, nil
		}

		if err := r.acquire(ctx, category); err != nil {
			if errors.Is(err, errStopped) {
				return all, true, nil
			}
			return all, false, err
		}

		batch, err := r.adapter.FetchEntities(ctx, req)
		if err != nil {
			if errors.Is(err, ErrRateLimitExceeded) && ctx.Err() == nil {
				if err := r.backoff(ctx, category, "throttled by source"); err != nil {
					if errors.Is(err, errStopped) {
						return all, true, nil
					}
					return all, false, err
				}
				continue
			}
			return all, false, fmt.Errorf("fetching %s page: %w", t, err)
		}

		r.limiter.RecordCall(category)
		r.record(func(res *Result) {
			res.APICalls++
			res.BytesTransferred += batch.Bytes
		})
		r.stats.APICall(batch.Bytes)

		for _, e := range batch.Entities {
			if e.Type == "" {
				e.Type = t
			}
			all = append(all, e)
		}

		if batch.NextCursor == "" {
			return all, false, nil
		}
		if batch.NextCursor == req.Cursor {
			return all, false, fmt.Errorf("source repeated cursor %q for %s", req.Cursor, t)
		}
		req.Cursor = batch.NextCursor
	}
}

// filter returns the SELECTIVE filter, or nil for every other sync type.
func (r *jobRun) filter() *Filter {
	if r.j.cfg.SyncType != SyncSelective {
		return nil
	}
	return r.j.cfg.Filter
}

func (r *jobRun) storedSnapshots(ctx context.Context, t entity.Type) ([]entity.Snapshot, error) {
	stored, err := r.store.Snapshots(ctx, t, r.j.cfg.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("%w: reading stored snapshots: %w", ErrTransientFetch, err)
	}
	return stored, nil
}

func (r *jobRun) advanceWatermark(ctx context.Context, t entity.Type, ts time.Time) error {
	if err := r.store.SetWatermark(ctx, t, r.j.cfg.CustomerID, ts); err != nil {
		return fmt.Errorf("%w: advancing watermark: %w", ErrStoreWriteFailed, err)
	}
	return nil
}

// writer batches snapshot writes for one entity type and customer.
type writer struct {
	batchSize  int
	customerID string
	deletes    []string
	entityType entity.Type
	puts       []entity.Snapshot
	store      SnapshotStore
}

func newWriter(store SnapshotStore, t entity.Type, customerID string, batchSize int) *writer {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &writer{
		batchSize:  batchSize,
		customerID: customerID,
		entityType: t,
		store:      store,
	}
}

// add queues the write a settled change requires, if any.
func (w *writer) add(c change.DataChange) {
	switch {
	case c.New == nil && c.Old != nil:
		w.remove(c.EntityID)
	case c.New == nil:
		// Nothing stored and nothing incoming.
	case c.Old != nil && c.Old.Fingerprint == c.New.Fingerprint:
		// The stored state was kept.
	default:
		w.put(*c.New)
	}
}

func (w *writer) put(s entity.Snapshot) {
	w.puts = append(w.puts, s)
}

func (w *writer) remove(id string) {
	w.deletes = append(w.deletes, id)
}

func (w *writer) pending() int {
	return len(w.puts) + len(w.deletes)
}

// flush writes the queued puts, then the deletes when withDeletes is set. It returns the
// number of entities written before any failure.
func (w *writer) flush(ctx context.Context, withDeletes bool) (int, error) {
	written := 0
	for chunk := range slices.Chunk(w.puts, w.batchSize) {
		if err := w.store.PutSnapshots(ctx, w.entityType, w.customerID, chunk); err != nil {
			return written, fmt.Errorf("%w: writing %s snapshots: %w", ErrStoreWriteFailed, w.entityType, err)
		}
		written += len(chunk)
	}

	if !withDeletes {
		return written, nil
	}
	for chunk := range slices.Chunk(w.deletes, w.batchSize) {
		if err := w.store.DeleteSnapshots(ctx, w.entityType, w.customerID, chunk); err != nil {
			return written, fmt.Errorf("%w: deleting %s snapshots: %w", ErrStoreWriteFailed, w.entityType, err)
		}
		written += len(chunk)
	}
	return written, nil
}
