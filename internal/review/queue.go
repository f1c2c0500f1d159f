// Package review holds unresolved conflicts until an operator settles them.
package review

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peteski22/adsmirror/internal/change"
	"github.com/peteski22/adsmirror/internal/entity"
)

// ErrNotFound is returned when no pending conflict exists for a key.
var ErrNotFound = errors.New("no pending conflict")

// Key identifies the single pending conflict allowed per entity.
type Key struct {
	// CustomerID is the owning customer account.
	CustomerID string

	// EntityID is the remote identifier of the entity.
	EntityID string

	// EntityType is the type of the entity.
	EntityType entity.Type
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.CustomerID, k.EntityType, k.EntityID)
}

// Item is a conflict awaiting manual resolution.
type Item struct {
	// Change is the unresolved change, folded with any later changes for the same entity.
	Change change.DataChange `json:"change"`

	// CustomerID is the owning customer account.
	CustomerID string `json:"customer_id"`

	// QueuedAt is when the first change for the entity was queued.
	QueuedAt time.Time `json:"queued_at"`

	// Updates counts how many later changes were folded into Change.
	Updates int `json:"updates"`
}

// Key returns the key the item is stored under.
func (i Item) Key() Key {
	return Key{
		CustomerID: i.CustomerID,
		EntityID:   i.Change.EntityID,
		EntityType: i.Change.EntityType,
	}
}

// Backend persists queued items.
type Backend interface {
	// Load returns the item stored under key, if any.
	Load(ctx context.Context, key Key) (Item, bool, error)

	// Save stores the item, replacing any item with the same key.
	Save(ctx context.Context, item Item) error

	// Remove deletes the item stored under key. Removing a missing key is not an error.
	Remove(ctx context.Context, key Key) error

	// All returns every stored item.
	All(ctx context.Context) ([]Item, error)
}

// Notifier announces newly queued conflicts to external reviewers.
type Notifier interface {
	Notify(ctx context.Context, item Item) error
}

// Config holds the configuration for creating a Queue.
type Config struct {
	// Backend stores the items. Defaults to an in-memory backend.
	Backend Backend

	// Logger is used for notification failures. Defaults to a no-op logger.
	Logger *zap.Logger

	// Notifier is told about new items. Optional.
	Notifier Notifier

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Queue holds at most one pending conflict per entity. A change arriving for an entity
// that already has one is folded into it instead of being queued again.
type Queue struct {
	backend  Backend
	logger   *zap.Logger
	mu       sync.Mutex
	notifier Notifier
	now      func() time.Time
}

// NewQueue creates a new Queue.
func NewQueue(cfg Config) *Queue {
	q := &Queue{
		backend:  cfg.Backend,
		logger:   cfg.Logger,
		notifier: cfg.Notifier,
		now:      cfg.Now,
	}
	if q.backend == nil {
		q.backend = NewMemoryBackend()
	}
	if q.logger == nil {
		q.logger = zap.NewNop()
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

// Submit queues c for the customer, superseding any pending conflict for the same entity.
// It returns the stored item and whether an existing item was superseded.
func (q *Queue) Submit(ctx context.Context, customerID string, c change.DataChange) (Item, bool, error) {
	key := Key{CustomerID: customerID, EntityID: c.EntityID, EntityType: c.EntityType}

	item, found, err := q.save(ctx, key, c)
	if err != nil {
		return Item{}, false, err
	}

	// Notify without holding the lock.
	if !found && q.notifier != nil {
		if err := q.notifier.Notify(ctx, item); err != nil {
			q.logger.Warn("Failed to announce queued conflict",
				zap.String("key", key.String()),
				zap.Error(err),
			)
		}
	}

	return item, found, nil
}

func (q *Queue) save(ctx context.Context, key Key, c change.DataChange) (Item, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	existing, found, err := q.backend.Load(ctx, key)
	if err != nil {
		return Item{}, false, fmt.Errorf("loading pending conflict %s: %w", key, err)
	}

	item := Item{Change: c, CustomerID: key.CustomerID, QueuedAt: q.now()}
	if found {
		item = existing
		item.Change = existing.Change.Supersede(c)
		item.Updates++
	}
	item.Change.Conflict = true
	item.Change.Resolved = false

	if err := q.backend.Save(ctx, item); err != nil {
		return Item{}, false, fmt.Errorf("saving pending conflict %s: %w", key, err)
	}

	return item, found, nil
}

// Pending returns the pending conflict for key.
func (q *Queue) Pending(ctx context.Context, key Key) (Item, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.backend.Load(ctx, key)
}

// Remove drops the pending conflict for key, returning ErrNotFound when there is none.
func (q *Queue) Remove(ctx context.Context, key Key) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, found, err := q.backend.Load(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	return q.backend.Remove(ctx, key)
}

// List returns every pending conflict ordered by customer, entity type and entity ID.
func (q *Queue) List(ctx context.Context) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.backend.All(ctx)
	if err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i].Key(), items[j].Key()
		if a.CustomerID != b.CustomerID {
			return a.CustomerID < b.CustomerID
		}
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		return a.EntityID < b.EntityID
	})

	return items, nil
}
