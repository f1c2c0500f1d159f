// Package change detects differences between fetched entities and stored snapshots.
package change

import (
	"time"

	"github.com/peteski22/adsmirror/internal/entity"
)

// Kind classifies a detected change.
type Kind string

const (
	// KindCreate is an entity absent from the stored state.
	KindCreate Kind = "CREATE"

	// KindDelete is a stored entity that no longer exists remotely.
	KindDelete Kind = "DELETE"

	// KindUpdate is an entity whose fingerprint differs from the stored one.
	KindUpdate Kind = "UPDATE"
)

// DataChange describes one pending modification of the mirrored state.
type DataChange struct {
	// Conflict indicates the change collided with a concurrent local modification.
	Conflict bool `json:"conflict"`

	// DetectedAt is when the change was detected.
	DetectedAt time.Time `json:"detected_at"`

	// EntityID is the remote identifier of the entity.
	EntityID string `json:"entity_id"`

	// EntityType is the type of the changed entity.
	EntityType entity.Type `json:"entity_type"`

	// ID identifies the change. It is derived from the change content.
	ID string `json:"id"`

	// Kind is CREATE, UPDATE or DELETE.
	Kind Kind `json:"kind"`

	// New is the incoming state, nil for deletions.
	New *entity.Snapshot `json:"new,omitempty"`

	// Old is the stored state, nil for creations.
	Old *entity.Snapshot `json:"old,omitempty"`

	// Policy records the conflict policy applied, if any.
	Policy string `json:"policy,omitempty"`

	// Resolved indicates a conflict was settled by a resolution policy.
	Resolved bool `json:"resolved"`
}

// Pending reports whether the change is an unresolved conflict awaiting manual review.
func (c DataChange) Pending() bool {
	return c.Conflict && !c.Resolved
}

// Supersede folds a newer change for the same entity into c. The stored baseline
// of c is kept and the incoming state of next replaces c's.
func (c DataChange) Supersede(next DataChange) DataChange {
	merged := c
	merged.New = next.New
	merged.DetectedAt = next.DetectedAt
	merged.Conflict = c.Conflict || next.Conflict
	merged.Resolved = false
	merged.Policy = ""
	merged.Kind = kindOf(merged.Old, merged.New)

	return merged
}

// Rebase replaces the stored baseline of c with old, the snapshot currently held for
// the entity, or nil when none is.
func (c DataChange) Rebase(old *entity.Snapshot) DataChange {
	out := c
	out.Old = old
	out.Kind = kindOf(old, c.New)
	return out
}

func kindOf(old *entity.Snapshot, next *entity.Snapshot) Kind {
	switch {
	case old == nil && next == nil:
		return KindDelete
	case old == nil:
		return KindCreate
	case next == nil:
		return KindDelete
	default:
		return KindUpdate
	}
}
