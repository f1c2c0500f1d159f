package change

import (
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/peteski22/adsmirror/internal/entity"
)

// changeNamespace scopes the name-based UUIDs given to changes.
var changeNamespace = uuid.MustParse("5d6c3f0e-8a53-4c55-9a8e-4f0a4b2f8a17")

// Input holds the data compared by DetectChanges.
type Input struct {
	// Current is the batch fetched from the source, in source order.
	Current []entity.Entity

	// DetectDeletes enables absence-based deletion, valid only when Current is the
	// complete remote set for the entity type.
	DetectDeletes bool

	// EntityType is the type of every entity in Current and Stored.
	EntityType entity.Type

	// LastSyncTime is the watermark the batch was fetched from.
	LastSyncTime time.Time

	// Stored is the last known state for the entity type.
	Stored []entity.Snapshot
}

// Detector classifies fetched entities against stored snapshots.
type Detector struct {
	ignored mapset.Set[string]
	now     func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock sets the clock used to stamp DetectedAt.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

// WithIgnoredFields excludes volatile fields from fingerprint comparison.
func WithIgnoredFields(fields ...string) Option {
	return func(d *Detector) {
		d.ignored.Append(fields...)
	}
}

// NewDetector creates a new Detector.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		ignored: mapset.NewThreadUnsafeSet[string](),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DetectChanges returns the changes required to bring Stored in line with Current.
//
// CREATE and UPDATE changes follow the order of Current; DELETE changes follow and are
// ordered by entity ID. The same input always yields the same changes, IDs included.
// Entities reported as removed by the source are deletions in every mode; entities
// merely absent from Current are deletions only when DetectDeletes is set.
func (d *Detector) DetectChanges(in Input) ([]DataChange, error) {
	stored := make(map[string]entity.Snapshot, len(in.Stored))
	for _, s := range in.Stored {
		stored[s.EntityID] = s
	}

	detectedAt := d.now()
	seen := mapset.NewThreadUnsafeSetWithSize[string](len(in.Current))
	var changes []DataChange

	for _, e := range in.Current {
		if seen.Contains(e.ID) {
			// The source repeated an entity within one batch; the first occurrence wins.
			continue
		}
		seen.Add(e.ID)

		old, exists := stored[e.ID]

		if e.Removed {
			if !exists {
				continue
			}
			changes = append(changes, d.newChange(in, KindDelete, e.ID, &old, nil, detectedAt))
			continue
		}

		snap, err := entity.NewSnapshot(e)
		if err != nil {
			return nil, err
		}

		if !exists {
			changes = append(changes, d.newChange(in, KindCreate, e.ID, nil, &snap, detectedAt))
			continue
		}

		same, err := d.equivalent(old, snap)
		if err != nil {
			return nil, err
		}
		if same {
			continue
		}

		changes = append(changes, d.newChange(in, KindUpdate, e.ID, &old, &snap, detectedAt))
	}

	if !in.DetectDeletes {
		return changes, nil
	}

	var missing []string
	for id := range stored {
		if !seen.Contains(id) {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)

	for _, id := range missing {
		old := stored[id]
		changes = append(changes, d.newChange(in, KindDelete, id, &old, nil, detectedAt))
	}

	return changes, nil
}

// equivalent compares two snapshots, honouring ignored fields.
func (d *Detector) equivalent(a entity.Snapshot, b entity.Snapshot) (bool, error) {
	if d.ignored.Cardinality() == 0 {
		return a.Fingerprint == b.Fingerprint, nil
	}

	fa, err := entity.Fingerprint(d.strip(a.Payload))
	if err != nil {
		return false, err
	}
	fb, err := entity.Fingerprint(d.strip(b.Payload))
	if err != nil {
		return false, err
	}
	return fa == fb, nil
}

func (d *Detector) strip(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if !d.ignored.Contains(k) {
			out[k] = v
		}
	}
	return out
}

func (d *Detector) newChange(
	in Input,
	kind Kind,
	id string,
	old *entity.Snapshot,
	next *entity.Snapshot,
	detectedAt time.Time,
) DataChange {
	return DataChange{
		DetectedAt: detectedAt,
		EntityID:   id,
		EntityType: in.EntityType,
		ID:         changeID(in.EntityType, id, kind, old, next, in.LastSyncTime),
		Kind:       kind,
		New:        next,
		Old:        old,
	}
}

// changeID derives a UUID from everything that identifies the transition.
func changeID(
	t entity.Type,
	id string,
	kind Kind,
	old *entity.Snapshot,
	next *entity.Snapshot,
	since time.Time,
) string {
	var oldFP, newFP string
	if old != nil {
		oldFP = old.Fingerprint
	}
	if next != nil {
		newFP = next.Fingerprint
	}

	name := strings.Join([]string{
		string(t), id, string(kind), oldFP, newFP, since.UTC().Format(time.RFC3339Nano),
	}, "|")

	return uuid.NewSHA1(changeNamespace, []byte(name)).String()
}
