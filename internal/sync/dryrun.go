package sync

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/peteski22/adsmirror/internal/entity"
)

// dryRunStore wraps a SnapshotStore and logs write operations instead of executing them.
type dryRunStore struct {
	logger *zap.Logger
	store  SnapshotStore
	writes atomic.Int64
}

// newDryRunStore creates a new dryRunStore that wraps the given SnapshotStore.
func newDryRunStore(store SnapshotStore, logger *zap.Logger) *dryRunStore {
	return &dryRunStore{
		logger: logger,
		store:  store,
	}
}

// Snapshots delegates to the real store.
func (d *dryRunStore) Snapshots(ctx context.Context, t entity.Type, customerID string) ([]entity.Snapshot, error) {
	return d.store.Snapshots(ctx, t, customerID)
}

// PutSnapshots logs what would be written.
func (d *dryRunStore) PutSnapshots(_ context.Context, t entity.Type, customerID string, snaps []entity.Snapshot) error {
	d.writes.Add(int64(len(snaps)))

	ids := make([]string, 0, len(snaps))
	for _, s := range snaps {
		ids = append(ids, s.EntityID)
	}

	d.logger.Info("[DRY-RUN] would put snapshots",
		zap.String("entity_type", string(t)),
		zap.String("customer_id", customerID),
		zap.Int("count", len(snaps)),
		zap.Strings("entity_ids", ids),
	)
	return nil
}

// DeleteSnapshots logs what would be removed.
func (d *dryRunStore) DeleteSnapshots(_ context.Context, t entity.Type, customerID string, ids []string) error {
	d.writes.Add(int64(len(ids)))

	d.logger.Info("[DRY-RUN] would delete snapshots",
		zap.String("entity_type", string(t)),
		zap.String("customer_id", customerID),
		zap.Strings("entity_ids", ids),
	)
	return nil
}

// skipped returns the number of snapshot writes that were logged instead of applied.
func (d *dryRunStore) skipped() int {
	return int(d.writes.Load())
}

// Watermark delegates to the real store.
func (d *dryRunStore) Watermark(ctx context.Context, t entity.Type, customerID string) (time.Time, error) {
	return d.store.Watermark(ctx, t, customerID)
}

// SetWatermark logs the watermark that would be stored.
func (d *dryRunStore) SetWatermark(_ context.Context, t entity.Type, customerID string, ts time.Time) error {
	d.logger.Info("[DRY-RUN] would advance watermark",
		zap.String("entity_type", string(t)),
		zap.String("customer_id", customerID),
		zap.Time("watermark", ts),
	)
	return nil
}
