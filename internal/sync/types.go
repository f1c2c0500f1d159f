// Package sync orchestrates mirroring of remote advertising entities into the snapshot store.
package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/peteski22/adsmirror/internal/conflict"
	"github.com/peteski22/adsmirror/internal/entity"
)

const (
	defaultBatchSize        = 100
	defaultHistoricalWindow = 30 * 24 * time.Hour
	defaultRetryDelay       = 5 * time.Second
	defaultSyncInterval     = 5 * time.Minute
	defaultTimeout          = time.Hour
	defaultWorkers          = 4
)

// SyncType selects the algorithm used for each entity type of a job.
type SyncType string

const (
	// SyncDelta diffs the complete remote set against the stored state.
	SyncDelta SyncType = "DELTA"

	// SyncFull overwrites the stored state with the complete remote set.
	SyncFull SyncType = "FULL"

	// SyncIncremental applies changes made since the last watermark.
	SyncIncremental SyncType = "INCREMENTAL"

	// SyncRealTime repeats an incremental sync on an interval until stopped.
	SyncRealTime SyncType = "REAL_TIME"

	// SyncSelective overwrites the stored state for a filtered subset.
	SyncSelective SyncType = "SELECTIVE"
)

// ParseSyncType converts a case-insensitive name into a SyncType.
func ParseSyncType(s string) (SyncType, error) {
	st := SyncType(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown sync type: %q", s)
	}
	return st, nil
}

// Valid reports whether st is a supported sync type.
func (st SyncType) Valid() bool {
	switch st {
	case SyncDelta, SyncFull, SyncIncremental, SyncRealTime, SyncSelective:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusPaused    Status = "PAUSED"
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
)

// Filter narrows a SELECTIVE sync.
type Filter struct {
	// EntityIDs limits the sync to these entities. Empty means no restriction.
	EntityIDs []string `json:"entity_ids,omitempty" mapstructure:"entity_ids"`

	// Fields requires each listed field to equal the given value.
	Fields map[string]any `json:"fields,omitempty" mapstructure:"fields"`
}

// Empty reports whether the filter matches everything.
func (f *Filter) Empty() bool {
	return f == nil || (len(f.EntityIDs) == 0 && len(f.Fields) == 0)
}

// MatchesID reports whether the entity ID passes the ID restriction.
func (f *Filter) MatchesID(id string) bool {
	if f == nil || len(f.EntityIDs) == 0 {
		return true
	}
	return slices.Contains(f.EntityIDs, id)
}

// Matches reports whether the entity ID and fields pass the filter.
func (f *Filter) Matches(id string, fields map[string]any) bool {
	if !f.MatchesID(id) {
		return false
	}
	if f == nil {
		return true
	}
	for k, want := range f.Fields {
		got, ok := fields[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// FetchRequest describes one page requested from a SourceAdapter.
type FetchRequest struct {
	// Cursor resumes pagination. Empty requests the first page.
	Cursor string

	// CustomerID is the remote account to read.
	CustomerID string

	// EntityType is the type of entity to fetch.
	EntityType entity.Type

	// Filter narrows the fetch, when set.
	Filter *Filter

	// PageSize is the preferred number of entities per page.
	PageSize int

	// Since limits the fetch to entities modified after this time. Nil fetches everything.
	Since *time.Time
}

// Batch is one page of entities returned by a SourceAdapter.
type Batch struct {
	// Bytes is the size of the response that carried the page.
	Bytes int64

	// Entities holds the fetched entities in source order.
	Entities []entity.Entity

	// NextCursor is non-empty when more pages are available.
	NextCursor string
}

// SourceAdapter fetches entities from the remote source.
//
// Implementations wrap ErrAuthExpired, ErrRateLimitExceeded and ErrTransientFetch so the
// orchestrator can classify failures.
type SourceAdapter interface {
	// FetchEntities returns a bounded page of entities.
	FetchEntities(ctx context.Context, req FetchRequest) (Batch, error)
}

// SnapshotStore persists the last known state of entities and the incremental watermarks.
type SnapshotStore interface {
	// Snapshots returns every stored snapshot for the entity type and customer.
	Snapshots(ctx context.Context, t entity.Type, customerID string) ([]entity.Snapshot, error)

	// PutSnapshots writes the snapshots, replacing any with the same entity ID.
	PutSnapshots(ctx context.Context, t entity.Type, customerID string, snaps []entity.Snapshot) error

	// DeleteSnapshots removes the snapshots with the given entity IDs.
	DeleteSnapshots(ctx context.Context, t entity.Type, customerID string, ids []string) error

	// Watermark returns the last successful sync point, or the zero time.
	Watermark(ctx context.Context, t entity.Type, customerID string) (time.Time, error)

	// SetWatermark stores the sync point.
	SetWatermark(ctx context.Context, t entity.Type, customerID string, ts time.Time) error
}

// SyncConfig describes one sync job. It is copied when the job is created.
type SyncConfig struct {
	// BatchSize bounds the page size requested from the source and the number of
	// snapshots per store write. Defaults to 100.
	BatchSize int `json:"batch_size" mapstructure:"batch_size"`

	// ConflictPolicy settles concurrent modifications. Defaults to TIMESTAMP_BASED.
	ConflictPolicy conflict.Policy `json:"conflict_policy" mapstructure:"conflict_policy"`

	// CustomerID is the remote account to mirror.
	CustomerID string `json:"customer_id" mapstructure:"customer_id"`

	// DryRun logs store writes instead of applying them.
	DryRun bool `json:"dry_run" mapstructure:"dry_run"`

	// EntityTypes lists the entity types to sync, in order.
	EntityTypes []entity.Type `json:"entity_types" mapstructure:"entity_types"`

	// Filter narrows SELECTIVE syncs.
	Filter *Filter `json:"filter,omitempty" mapstructure:"filter"`

	// HistoricalWindow is how far back the first incremental sync reaches. Defaults to 30 days.
	HistoricalWindow time.Duration `json:"historical_window" mapstructure:"historical_window"`

	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int `json:"max_retries" mapstructure:"max_retries"`

	// ParallelProcessing runs the job on the worker pool and its entity types concurrently.
	// Otherwise StartSync runs the job to completion before returning.
	ParallelProcessing bool `json:"parallel_processing" mapstructure:"parallel_processing"`

	// RetryDelay is the pause between attempts. Defaults to 5s.
	RetryDelay time.Duration `json:"retry_delay" mapstructure:"retry_delay"`

	// SyncInterval is the REAL_TIME polling interval. Defaults to 5m.
	SyncInterval time.Duration `json:"sync_interval" mapstructure:"sync_interval"`

	// SyncType selects the algorithm.
	SyncType SyncType `json:"sync_type" mapstructure:"sync_type"`

	// Timeout bounds the whole job, including retries and rate-limit waits. Defaults to 1h.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// Workers bounds concurrent entity types within a parallel job. Defaults to 4.
	Workers int `json:"workers" mapstructure:"workers"`
}

// validate checks the configuration, reporting every problem found.
func (c *SyncConfig) validate() error {
	var errs []error
	if c.CustomerID == "" {
		errs = append(errs, errors.New("customer ID is required"))
	}
	if len(c.EntityTypes) == 0 {
		errs = append(errs, errors.New("at least one entity type is required"))
	}

	seen := mapset.NewThreadUnsafeSet[entity.Type]()
	for _, t := range c.EntityTypes {
		if !t.Valid() {
			errs = append(errs, fmt.Errorf("unknown entity type %q", t))
		}
		if !seen.Add(t) {
			errs = append(errs, fmt.Errorf("duplicate entity type %q", t))
		}
	}

	if !c.SyncType.Valid() {
		errs = append(errs, fmt.Errorf("unknown sync type %q", c.SyncType))
	}
	if c.ConflictPolicy != "" && !c.ConflictPolicy.Valid() {
		errs = append(errs, fmt.Errorf("unknown conflict policy %q", c.ConflictPolicy))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries cannot be negative, got %d", c.MaxRetries))
	}
	if c.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("batch size cannot be negative, got %d", c.BatchSize))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers cannot be negative, got %d", c.Workers))
	}
	if c.RetryDelay < 0 || c.Timeout < 0 || c.SyncInterval < 0 || c.HistoricalWindow < 0 {
		errs = append(errs, errors.New("durations cannot be negative"))
	}
	if c.SyncType == SyncSelective && c.Filter.Empty() {
		errs = append(errs, errors.New("selective sync requires a filter"))
	}
	return errors.Join(errs...)
}

// withDefaults returns a copy with zero values replaced by defaults.
func (c SyncConfig) withDefaults() SyncConfig {
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.ConflictPolicy == "" {
		c.ConflictPolicy = conflict.PolicyTimestampBased
	}
	if c.HistoricalWindow == 0 {
		c.HistoricalWindow = defaultHistoricalWindow
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = defaultSyncInterval
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.Workers == 0 {
		c.Workers = defaultWorkers
	}

	c.EntityTypes = slices.Clone(c.EntityTypes)
	if c.Filter != nil {
		f := Filter{EntityIDs: slices.Clone(c.Filter.EntityIDs), Fields: entity.Clone(c.Filter.Fields)}
		c.Filter = &f
	}
	return c
}

// Result contains the aggregate outcome of a job.
type Result struct {
	// APICalls is the number of remote fetches made.
	APICalls int `json:"api_calls"`

	// BytesTransferred is the total size of fetched pages.
	BytesTransferred int64 `json:"bytes_transferred"`

	// CompletedAt is when the job reached a terminal state.
	CompletedAt time.Time `json:"completed_at,omitzero"`

	// ConflictsDetected counts concurrent modifications seen.
	ConflictsDetected int `json:"conflicts_detected"`

	// ConflictsQueued counts conflicts routed to manual review.
	ConflictsQueued int `json:"conflicts_queued"`

	// ConflictsResolved counts conflicts settled by the configured policy.
	ConflictsResolved int `json:"conflicts_resolved"`

	// DryRun indicates store writes were skipped.
	DryRun bool `json:"dry_run"`

	// DryRunWrites counts the snapshot puts and deletes a dry run skipped.
	DryRunWrites int `json:"dry_run_writes,omitempty"`

	// Duration is CompletedAt minus StartedAt.
	Duration time.Duration `json:"duration"`

	// EntitiesFailed counts entities that could not be synced, per entity type.
	EntitiesFailed map[entity.Type]int `json:"entities_failed"`

	// EntitiesSynced counts entities written or removed, per entity type.
	EntitiesSynced map[entity.Type]int `json:"entities_synced"`

	// Errors lists the failures recorded during the job.
	Errors []string `json:"errors,omitempty"`

	// RateLimitHits counts denied or throttled fetches.
	RateLimitHits int `json:"rate_limit_hits"`

	// StartedAt is when the job first entered RUNNING.
	StartedAt time.Time `json:"started_at,omitzero"`

	// Warnings lists non-fatal anomalies.
	Warnings []string `json:"warnings,omitempty"`
}

// TotalSynced sums EntitiesSynced across entity types.
func (r Result) TotalSynced() int {
	n := 0
	for _, v := range r.EntitiesSynced {
		n += v
	}
	return n
}

// TotalFailed sums EntitiesFailed across entity types.
func (r Result) TotalFailed() int {
	n := 0
	for _, v := range r.EntitiesFailed {
		n += v
	}
	return n
}

// JobStatus is a read-only view of a job.
type JobStatus struct {
	// CompletedAt is set once the job is terminal.
	CompletedAt time.Time `json:"completed_at,omitzero"`

	// Config is the configuration the job runs with, defaults applied.
	Config SyncConfig `json:"config"`

	// CreatedAt is when StartSync accepted the job.
	CreatedAt time.Time `json:"created_at"`

	// CurrentEntityType is the entity type most recently started.
	CurrentEntityType entity.Type `json:"current_entity_type,omitempty"`

	// ID identifies the job.
	ID string `json:"id"`

	// LastError is the most recent error, empty if none.
	LastError string `json:"last_error,omitempty"`

	// NextRetryAt is set while a failed attempt waits to be retried.
	NextRetryAt time.Time `json:"next_retry_at,omitzero"`

	// Progress is the percentage of entity types finished in the current attempt.
	Progress float64 `json:"progress"`

	// Result is a copy of the job's aggregate result.
	Result Result `json:"result"`

	// RetryCount is the number of retries started so far.
	RetryCount int `json:"retry_count"`

	// StartedAt is when the job first entered RUNNING.
	StartedAt time.Time `json:"started_at,omitzero"`

	// Status is the lifecycle state.
	Status Status `json:"status"`
}

// Terminal reports whether the job has finished and will not change again.
func (s JobStatus) Terminal() bool {
	return s.Status.Terminal() && !(s.Status == StatusFailed && !s.NextRetryAt.IsZero())
}

// Terminal reports whether the status can end a job.
func (s Status) Terminal() bool {
	switch s {
	case StatusCancelled, StatusCompleted, StatusFailed, StatusPaused:
		return true
	default:
		return false
	}
}
