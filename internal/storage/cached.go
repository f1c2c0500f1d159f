package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maypok86/otter"

	"github.com/peteski22/adsmirror/internal/entity"
)

// Cached fronts a Store with an in-memory read cache of whole (entity type, customer)
// partitions. Writes go to the backing store first and then drop the cached partition.
type Cached struct {
	Watermarks

	backing Store
	cache   otter.Cache[string, []entity.Snapshot]
}

// NewCached creates a read cache holding up to capacity partitions for ttl each.
func NewCached(backing Store, capacity int, ttl time.Duration) (*Cached, error) {
	if backing == nil {
		return nil, errors.New("backing store is required")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive, got %v", ttl)
	}

	cache, err := otter.MustBuilder[string, []entity.Snapshot](capacity).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, fmt.Errorf("building snapshot cache: %w", err)
	}

	return &Cached{
		Watermarks: backing,
		backing:    backing,
		cache:      cache,
	}, nil
}

// Snapshots returns the cached partition, loading it from the backing store on a miss.
func (c *Cached) Snapshots(ctx context.Context, t entity.Type, customerID string) ([]entity.Snapshot, error) {
	key := partitionKey(t, customerID)
	if snaps, ok := c.cache.Get(key); ok {
		return append([]entity.Snapshot(nil), snaps...), nil
	}

	snaps, err := c.backing.Snapshots(ctx, t, customerID)
	if err != nil {
		return nil, err
	}

	c.cache.Set(key, snaps)
	return append([]entity.Snapshot(nil), snaps...), nil
}

// PutSnapshots writes through and invalidates the partition.
func (c *Cached) PutSnapshots(ctx context.Context, t entity.Type, customerID string, snaps []entity.Snapshot) error {
	defer c.cache.Delete(partitionKey(t, customerID))
	return c.backing.PutSnapshots(ctx, t, customerID, snaps)
}

// DeleteSnapshots writes through and invalidates the partition.
func (c *Cached) DeleteSnapshots(ctx context.Context, t entity.Type, customerID string, ids []string) error {
	defer c.cache.Delete(partitionKey(t, customerID))
	return c.backing.DeleteSnapshots(ctx, t, customerID, ids)
}

// Close releases the cache.
func (c *Cached) Close() {
	c.cache.Close()
}
