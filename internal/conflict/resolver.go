// Package conflict detects racing writers and settles the resulting changes.
package conflict

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/peteski22/adsmirror/internal/change"
	"github.com/peteski22/adsmirror/internal/entity"
)

// DefaultWindow is the modification-time distance under which an update is treated as concurrent.
const DefaultWindow = 60 * time.Second

// Policy selects how a conflicting change is settled.
type Policy string

const (
	// PolicyLocalWins keeps the stored state.
	PolicyLocalWins Policy = "LOCAL_WINS"

	// PolicyManual leaves the change unresolved for review.
	PolicyManual Policy = "MANUAL"

	// PolicyMerge overlays the incoming fields on the stored ones.
	PolicyMerge Policy = "MERGE"

	// PolicyRemoteWins adopts the incoming state.
	PolicyRemoteWins Policy = "REMOTE_WINS"

	// PolicyTimestampBased adopts whichever side was modified last.
	PolicyTimestampBased Policy = "TIMESTAMP_BASED"
)

// ErrUnknownPolicy is returned for a policy outside the supported set.
var ErrUnknownPolicy = errors.New("unknown conflict policy")

// ParsePolicy converts a case-insensitive name into a Policy.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
	return p, nil
}

// Valid reports whether p is a supported policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyLocalWins, PolicyManual, PolicyMerge, PolicyRemoteWins, PolicyTimestampBased:
		return true
	default:
		return false
	}
}

// Resolver flags concurrent updates and applies resolution policies.
type Resolver struct {
	window time.Duration
}

// NewResolver creates a Resolver using the given concurrency window.
// A non-positive window falls back to DefaultWindow.
func NewResolver(window time.Duration) *Resolver {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Resolver{window: window}
}

// Window returns the configured concurrency window.
func (r *Resolver) Window() time.Duration {
	return r.window
}

// Detect reports whether an update collided with a concurrent modification: both sides
// carry a modification time and they are closer together than the window.
func (r *Resolver) Detect(c change.DataChange) bool {
	if c.Kind != change.KindUpdate || c.Old == nil || c.New == nil {
		return false
	}
	if c.Old.LastModified.IsZero() || c.New.LastModified.IsZero() {
		return false
	}

	d := c.New.LastModified.Sub(c.Old.LastModified)
	if d < 0 {
		d = -d
	}
	return d < r.window
}

// Resolve settles c under policy p and returns the settled change. The input is not modified.
// Every policy except MANUAL marks the result resolved.
func (r *Resolver) Resolve(c change.DataChange, p Policy) (change.DataChange, error) {
	out := c
	out.Conflict = true
	out.Policy = string(p)

	switch p {
	case PolicyManual:
		out.Resolved = false
		return out, nil
	case PolicyLocalWins:
		out.New = copySnapshot(c.Old)
	case PolicyRemoteWins:
		out.New = copySnapshot(c.New)
	case PolicyMerge:
		merged, err := merge(c.Old, c.New)
		if err != nil {
			return change.DataChange{}, err
		}
		out.New = merged
	case PolicyTimestampBased:
		next, err := newest(c.Old, c.New)
		if err != nil {
			return change.DataChange{}, err
		}
		out.New = next
	default:
		return change.DataChange{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, p)
	}

	out.Resolved = true
	return out, nil
}

// merge overlays next on old. Keys only present in old survive. Without both sides
// there is nothing to merge and the incoming state wins.
func merge(old *entity.Snapshot, next *entity.Snapshot) (*entity.Snapshot, error) {
	if old == nil || next == nil {
		return copySnapshot(next), nil
	}

	fields := entity.Clone(old.Payload)
	for k, v := range next.Payload {
		fields[k] = v
	}

	s, err := entity.SnapshotOf(next.EntityID, fields)
	if err != nil {
		return nil, fmt.Errorf("merging %s: %w", next.EntityID, err)
	}
	return &s, nil
}

// newest picks the side with the later modification time, ties going to next.
func newest(old *entity.Snapshot, next *entity.Snapshot) (*entity.Snapshot, error) {
	if old == nil || next == nil || old.LastModified.IsZero() || next.LastModified.IsZero() {
		return merge(old, next)
	}
	if old.LastModified.After(next.LastModified) {
		return copySnapshot(old), nil
	}
	return copySnapshot(next), nil
}

func copySnapshot(s *entity.Snapshot) *entity.Snapshot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Payload = entity.Clone(s.Payload)
	return &cp
}
