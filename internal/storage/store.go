// Package storage provides snapshot, watermark and credential persistence for the mirror.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/peteski22/adsmirror/internal/entity"
)

// ErrStoreClosed is returned by stores used after Close.
var ErrStoreClosed = errors.New("store closed")

// Snapshots persists the last known state of entities per (entity type, customer).
type Snapshots interface {
	// Snapshots returns every live snapshot for the entity type and customer.
	Snapshots(ctx context.Context, t entity.Type, customerID string) ([]entity.Snapshot, error)

	// PutSnapshots writes the snapshots, replacing any with the same entity ID.
	PutSnapshots(ctx context.Context, t entity.Type, customerID string, snaps []entity.Snapshot) error

	// DeleteSnapshots removes the snapshots with the given entity IDs.
	DeleteSnapshots(ctx context.Context, t entity.Type, customerID string, ids []string) error
}

// Watermarks persists the last successful incremental sync point per (entity type, customer).
type Watermarks interface {
	// Watermark returns the stored sync point, or the zero time when none exists.
	Watermark(ctx context.Context, t entity.Type, customerID string) (time.Time, error)

	// SetWatermark stores the sync point.
	SetWatermark(ctx context.Context, t entity.Type, customerID string, ts time.Time) error
}

// Store combines snapshots and watermarks.
type Store interface {
	Snapshots
	Watermarks
}

// Composite joins separate snapshot and watermark backends into one Store.
type Composite struct {
	Snapshots
	Watermarks
}

// NewComposite creates a Store from its two halves.
func NewComposite(snapshots Snapshots, watermarks Watermarks) (*Composite, error) {
	if snapshots == nil {
		return nil, errors.New("snapshot store is required")
	}
	if watermarks == nil {
		return nil, errors.New("watermark store is required")
	}
	return &Composite{Snapshots: snapshots, Watermarks: watermarks}, nil
}

// partitionKey is the key shared by all records of an (entity type, customer) pair.
func partitionKey(t entity.Type, customerID string) string {
	return fmt.Sprintf("%s#%s", t, customerID)
}

func validateScope(t entity.Type, customerID string) error {
	var errs []error
	if !t.Valid() {
		errs = append(errs, fmt.Errorf("unknown entity type %q", t))
	}
	if customerID == "" {
		errs = append(errs, errors.New("customer ID is required"))
	}
	return errors.Join(errs...)
}
