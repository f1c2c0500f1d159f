package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/peteski22/adsmirror/internal/conflict"
	"github.com/peteski22/adsmirror/internal/entity"
	"github.com/peteski22/adsmirror/internal/ratelimit"
	"github.com/peteski22/adsmirror/internal/storage"
	"github.com/peteski22/adsmirror/internal/telemetry"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// mockAdapter implements SourceAdapter for testing.
type mockAdapter struct {
	fetchFunc func(ctx context.Context, req FetchRequest) (Batch, error)
	mu        gosync.Mutex
	requests  []FetchRequest
}

// FetchEntities records the request and delegates to fetchFunc.
func (m *mockAdapter) FetchEntities(ctx context.Context, req FetchRequest) (Batch, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	return m.fetchFunc(ctx, req)
}

// calls returns the number of fetches made.
func (m *mockAdapter) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.requests)
}

// callsFor returns the number of fetches made for the entity type.
func (m *mockAdapter) callsFor(t entity.Type) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.requests {
		if r.EntityType == t {
			n++
		}
	}
	return n
}

// returning builds an adapter that serves the same entities on every call.
func returning(entities ...entity.Entity) *mockAdapter {
	return &mockAdapter{
		fetchFunc: func(_ context.Context, req FetchRequest) (Batch, error) {
			var out []entity.Entity
			for _, e := range entities {
				if e.Type == req.EntityType {
					out = append(out, e)
				}
			}
			return Batch{Entities: out, Bytes: 100}, nil
		},
	}
}

// failingStore wraps a store and fails every snapshot write.
type failingStore struct {
	SnapshotStore
	err error
}

// PutSnapshots always fails.
func (f *failingStore) PutSnapshots(_ context.Context, _ entity.Type, _ string, _ []entity.Snapshot) error {
	return f.err
}

func campaign(id string, name string, modified time.Time) entity.Entity {
	return entity.Entity{
		ID:   id,
		Type: entity.TypeCampaigns,
		Fields: map[string]any{
			"campaign.id":            id,
			"campaign.name":          name,
			entity.LastModifiedField: modified.Format(time.RFC3339),
		},
	}
}

func newTestLimiter(t *testing.T, calls int, window time.Duration) *ratelimit.Manager {
	t.Helper()

	m, err := ratelimit.New(ratelimit.Config{
		BackoffBase: time.Millisecond,
		BackoffMax:  10 * time.Millisecond,
		Default:     ratelimit.Limit{Calls: calls, Window: window},
	})
	require.NoError(t, err)
	return m
}

func newTestOrchestrator(t *testing.T, adapter SourceAdapter, store SnapshotStore, opts ...func(*Config)) *Orchestrator {
	t.Helper()

	cfg := Config{
		Adapter:     adapter,
		Now:         func() time.Time { return testNow },
		RateLimiter: newTestLimiter(t, 10_000, time.Hour),
		Stats:       telemetry.NewStats(),
		Store:       store,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	o, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o
}

func incrementalConfig(types ...entity.Type) SyncConfig {
	return SyncConfig{
		CustomerID:  "123",
		EntityTypes: types,
		MaxRetries:  1,
		RetryDelay:  time.Millisecond,
		SyncType:    SyncIncremental,
	}
}

func putStored(t *testing.T, store SnapshotStore, entities ...entity.Entity) {
	t.Helper()

	for _, e := range entities {
		snap, err := entity.NewSnapshot(e)
		require.NoError(t, err)
		require.NoError(t, store.PutSnapshots(context.Background(), e.Type, "123", []entity.Snapshot{snap}))
	}
}

func storedByID(t *testing.T, store SnapshotStore, et entity.Type) map[string]entity.Snapshot {
	t.Helper()

	snaps, err := store.Snapshots(context.Background(), et, "123")
	require.NoError(t, err)

	out := make(map[string]entity.Snapshot, len(snaps))
	for _, s := range snaps {
		out[s.EntityID] = s
	}
	return out
}

func runSync(t *testing.T, o *Orchestrator, cfg SyncConfig) JobStatus {
	t.Helper()

	id, err := o.StartSync(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := o.Wait(ctx, id)
	require.NoError(t, err)
	return status
}

func TestNew(t *testing.T) {
	t.Parallel()

	limiter := newTestLimiter(t, 1, time.Second)

	tests := map[string]struct {
		config  Config
		errMsg  string
		wantErr bool
	}{
		"valid config": {
			config: Config{
				Adapter:     returning(),
				RateLimiter: limiter,
				Store:       storage.NewMemory(),
			},
		},
		"missing adapter": {
			config: Config{
				RateLimiter: limiter,
				Store:       storage.NewMemory(),
			},
			wantErr: true,
			errMsg:  "source adapter is required",
		},
		"missing rate limiter": {
			config: Config{
				Adapter: returning(),
				Store:   storage.NewMemory(),
			},
			wantErr: true,
			errMsg:  "rate limiter is required",
		},
		"missing store": {
			config: Config{
				Adapter:     returning(),
				RateLimiter: limiter,
			},
			wantErr: true,
			errMsg:  "snapshot store is required",
		},
		"negative pool size": {
			config: Config{
				Adapter:     returning(),
				PoolSize:    -1,
				RateLimiter: limiter,
				Store:       storage.NewMemory(),
			},
			wantErr: true,
			errMsg:  "pool size cannot be negative",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			o, err := New(tc.config)
			if tc.wantErr {
				require.Error(t, err)
				require.Contains(t, err.Error(), tc.errMsg)
				require.Nil(t, o)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, o)
			o.Close()
		})
	}
}

func TestOrchestrator_StartSync_InvalidConfig(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		config SyncConfig
		errMsg string
	}{
		"missing customer": {
			config: SyncConfig{EntityTypes: []entity.Type{entity.TypeCampaigns}, SyncType: SyncFull},
			errMsg: "customer ID is required",
		},
		"no entity types": {
			config: SyncConfig{CustomerID: "123", SyncType: SyncFull},
			errMsg: "at least one entity type is required",
		},
		"unknown entity type": {
			config: SyncConfig{CustomerID: "123", EntityTypes: []entity.Type{"ADS"}, SyncType: SyncFull},
			errMsg: `unknown entity type "ADS"`,
		},
		"duplicate entity type": {
			config: SyncConfig{
				CustomerID:  "123",
				EntityTypes: []entity.Type{entity.TypeCampaigns, entity.TypeCampaigns},
				SyncType:    SyncFull,
			},
			errMsg: "duplicate entity type",
		},
		"negative max retries": {
			config: SyncConfig{
				CustomerID:  "123",
				EntityTypes: []entity.Type{entity.TypeCampaigns},
				MaxRetries:  -1,
				SyncType:    SyncFull,
			},
			errMsg: "max retries cannot be negative",
		},
		"unknown sync type": {
			config: SyncConfig{CustomerID: "123", EntityTypes: []entity.Type{entity.TypeCampaigns}},
			errMsg: "unknown sync type",
		},
		"unknown policy": {
			config: SyncConfig{
				ConflictPolicy: "NEWEST",
				CustomerID:     "123",
				EntityTypes:    []entity.Type{entity.TypeCampaigns},
				SyncType:       SyncIncremental,
			},
			errMsg: "unknown conflict policy",
		},
		"selective without filter": {
			config: SyncConfig{CustomerID: "123", EntityTypes: []entity.Type{entity.TypeCampaigns}, SyncType: SyncSelective},
			errMsg: "selective sync requires a filter",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			adapter := returning()
			o := newTestOrchestrator(t, adapter, storage.NewMemory())

			id, err := o.StartSync(tc.config)
			require.ErrorIs(t, err, ErrConfigInvalid)
			require.Contains(t, err.Error(), tc.errMsg)
			require.Empty(t, id)
			require.Zero(t, adapter.calls())
			require.Zero(t, o.GetStats().JobsStarted)
		})
	}
}

func TestOrchestrator_Incremental_Idempotent(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	adapter := returning(
		campaign("1", "Brand", testNow.Add(-time.Hour)),
		campaign("2", "Generic", testNow.Add(-2*time.Hour)),
	)
	o := newTestOrchestrator(t, adapter, store)

	first := runSync(t, o, incrementalConfig(entity.TypeCampaigns))
	require.Equal(t, StatusCompleted, first.Status)
	require.Equal(t, 2, first.Result.EntitiesSynced[entity.TypeCampaigns])

	second := runSync(t, o, incrementalConfig(entity.TypeCampaigns))
	require.Equal(t, StatusCompleted, second.Status)
	require.Zero(t, second.Result.EntitiesSynced[entity.TypeCampaigns])
	require.Zero(t, second.Result.ConflictsDetected)
	require.Len(t, storedByID(t, store, entity.TypeCampaigns), 2)

	wm, err := store.Watermark(context.Background(), entity.TypeCampaigns, "123")
	require.NoError(t, err)
	require.Equal(t, testNow, wm)
}

func TestOrchestrator_Incremental_Since(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	adapter := returning()
	o := newTestOrchestrator(t, adapter, store)

	runSync(t, o, incrementalConfig(entity.TypeCampaigns))
	require.Equal(t, 1, adapter.calls())
	require.NotNil(t, adapter.requests[0].Since)
	require.Equal(t, testNow.Add(-defaultHistoricalWindow), *adapter.requests[0].Since)
	require.Equal(t, defaultBatchSize, adapter.requests[0].PageSize)
	require.Nil(t, adapter.requests[0].Filter)

	watermark := testNow.Add(-time.Hour)
	require.NoError(t, store.SetWatermark(context.Background(), entity.TypeCampaigns, "123", watermark))

	runSync(t, o, incrementalConfig(entity.TypeCampaigns))
	require.Equal(t, 2, adapter.calls())
	require.Equal(t, watermark, *adapter.requests[1].Since)
}

func TestOrchestrator_Incremental_Scenarios(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

	tests := map[string]struct {
		fetched           entity.Entity
		wantConflicts     int
		wantName          string
		wantResolved      int
		wantSynced        int
		wantStoredVersion time.Time
	}{
		"unchanged campaign": {
			fetched:  campaign("1", "Brand", base),
			wantName: "Brand",
		},
		"renamed with newer modification time": {
			fetched:       campaign("1", "Brand 2025", base.Add(30*time.Second)),
			wantConflicts: 1,
			wantName:      "Brand 2025",
			wantResolved:  1,
			wantSynced:    1,
		},
		"renamed well after the stored version": {
			fetched:    campaign("1", "Brand later", base.Add(time.Hour)),
			wantName:   "Brand later",
			wantSynced: 1,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := storage.NewMemory()
			putStored(t, store, campaign("1", "Brand", base))
			o := newTestOrchestrator(t, returning(tc.fetched), store)

			cfg := incrementalConfig(entity.TypeCampaigns)
			cfg.ConflictPolicy = conflict.PolicyTimestampBased
			status := runSync(t, o, cfg)

			require.Equal(t, StatusCompleted, status.Status)
			require.Equal(t, tc.wantSynced, status.Result.EntitiesSynced[entity.TypeCampaigns])
			require.Equal(t, tc.wantConflicts, status.Result.ConflictsDetected)
			require.Equal(t, tc.wantResolved, status.Result.ConflictsResolved)
			require.Equal(t, tc.wantName, storedByID(t, store, entity.TypeCampaigns)["1"].Payload["campaign.name"])
		})
	}
}

func TestOrchestrator_RemovedEntity(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	putStored(t, store, campaign("1", "Brand", testNow), campaign("2", "Generic", testNow))

	adapter := returning(entity.Entity{ID: "2", Type: entity.TypeCampaigns, Removed: true})
	o := newTestOrchestrator(t, adapter, store)

	status := runSync(t, o, incrementalConfig(entity.TypeCampaigns))
	require.Equal(t, StatusCompleted, status.Status)
	require.Equal(t, 1, status.Result.EntitiesSynced[entity.TypeCampaigns])

	stored := storedByID(t, store, entity.TypeCampaigns)
	require.Contains(t, stored, "1")
	require.NotContains(t, stored, "2")
}

func TestOrchestrator_Modes(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		config        SyncConfig
		fetched       []entity.Entity
		stored        []entity.Entity
		wantIDs       []string
		wantNames     map[string]string
		wantSynced    int
		wantWatermark bool
	}{
		"full overwrites and drops missing": {
			config: SyncConfig{SyncType: SyncFull},
			stored: []entity.Entity{
				campaign("1", "One", testNow),
				campaign("2", "Two", testNow),
				campaign("3", "Three", testNow),
			},
			fetched: []entity.Entity{
				campaign("1", "One", testNow),
				campaign("2", "Two v2", testNow),
			},
			wantIDs:       []string{"1", "2"},
			wantNames:     map[string]string{"2": "Two v2"},
			wantSynced:    3,
			wantWatermark: true,
		},
		"selective confines the overwrite": {
			config: SyncConfig{
				Filter:   &Filter{EntityIDs: []string{"1", "3"}},
				SyncType: SyncSelective,
			},
			stored: []entity.Entity{
				campaign("1", "One", testNow),
				campaign("2", "Two", testNow),
				campaign("3", "Three", testNow),
			},
			fetched: []entity.Entity{
				campaign("1", "One v2", testNow),
				campaign("2", "Two v2", testNow),
			},
			wantIDs:    []string{"1", "2"},
			wantNames:  map[string]string{"1": "One v2", "2": "Two"},
			wantSynced: 2,
		},
		"delta applies only the difference": {
			config: SyncConfig{SyncType: SyncDelta},
			stored: []entity.Entity{
				campaign("1", "One", testNow),
				campaign("2", "Two", testNow),
				campaign("3", "Three", testNow),
			},
			fetched: []entity.Entity{
				campaign("1", "One", testNow),
				campaign("2", "Two v2", testNow.Add(time.Hour)),
				campaign("4", "Four", testNow),
			},
			wantIDs:       []string{"1", "2", "4"},
			wantNames:     map[string]string{"2": "Two v2"},
			wantSynced:    3,
			wantWatermark: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := storage.NewMemory()
			putStored(t, store, tc.stored...)
			adapter := returning(tc.fetched...)
			o := newTestOrchestrator(t, adapter, store)

			cfg := tc.config
			cfg.CustomerID = "123"
			cfg.EntityTypes = []entity.Type{entity.TypeCampaigns}
			status := runSync(t, o, cfg)

			require.Equal(t, StatusCompleted, status.Status, status.LastError)
			require.Equal(t, tc.wantSynced, status.Result.EntitiesSynced[entity.TypeCampaigns])

			stored := storedByID(t, store, entity.TypeCampaigns)
			ids := make([]string, 0, len(stored))
			for id := range stored {
				ids = append(ids, id)
			}
			require.ElementsMatch(t, tc.wantIDs, ids)
			for id, want := range tc.wantNames {
				require.Equal(t, want, stored[id].Payload["campaign.name"], id)
			}

			require.Nil(t, adapter.requests[0].Since)
			if cfg.SyncType == SyncSelective {
				require.Equal(t, cfg.Filter, adapter.requests[0].Filter)
			}

			wm, err := store.Watermark(context.Background(), entity.TypeCampaigns, "123")
			require.NoError(t, err)
			require.Equal(t, tc.wantWatermark, !wm.IsZero())
		})
	}
}

func TestOrchestrator_Pagination(t *testing.T) {
	t.Parallel()

	adapter := &mockAdapter{
		fetchFunc: func(_ context.Context, req FetchRequest) (Batch, error) {
			page := 0
			if req.Cursor != "" {
				page, _ = strconv.Atoi(req.Cursor)
			}
			next := ""
			if page < 2 {
				next = strconv.Itoa(page + 1)
			}
			id := strconv.Itoa(page)
			return Batch{
				Bytes:      50,
				Entities:   []entity.Entity{campaign(id, "Campaign "+id, testNow)},
				NextCursor: next,
			}, nil
		},
	}
	limiter := newTestLimiter(t, 100, time.Hour)
	store := storage.NewMemory()
	o := newTestOrchestrator(t, adapter, store, func(c *Config) { c.RateLimiter = limiter })

	cfg := incrementalConfig(entity.TypeCampaigns)
	cfg.BatchSize = 1
	status := runSync(t, o, cfg)

	require.Equal(t, StatusCompleted, status.Status)
	require.Equal(t, 3, status.Result.APICalls)
	require.Equal(t, int64(150), status.Result.BytesTransferred)
	require.Equal(t, 3, status.Result.EntitiesSynced[entity.TypeCampaigns])
	require.Equal(t, []string{"", "1", "2"}, []string{
		adapter.requests[0].Cursor,
		adapter.requests[1].Cursor,
		adapter.requests[2].Cursor,
	})
	require.Equal(t, 3, limiter.Stats(string(entity.TypeCampaigns)).InWindow)
	require.Len(t, storedByID(t, store, entity.TypeCampaigns), 3)
}

func TestOrchestrator_BoundedRetries(t *testing.T) {
	t.Parallel()

	adapter := &mockAdapter{
		fetchFunc: func(_ context.Context, _ FetchRequest) (Batch, error) {
			return Batch{}, fmt.Errorf("dial tcp: %w", ErrTransientFetch)
		},
	}
	o := newTestOrchestrator(t, adapter, storage.NewMemory())

	cfg := incrementalConfig(entity.TypeCampaigns)
	cfg.MaxRetries = 2
	status := runSync(t, o, cfg)

	require.Equal(t, StatusFailed, status.Status)
	require.True(t, status.Terminal())
	require.Equal(t, 3, adapter.calls())
	require.Equal(t, 2, status.RetryCount)
	require.Contains(t, status.LastError, "giving up after 3 attempts")
	require.Equal(t, 3, status.Result.EntitiesFailed[entity.TypeCampaigns])
	require.Len(t, status.Result.Errors, 3)

	stats := o.GetStats()
	require.Equal(t, int64(2), stats.Retries)
	require.Equal(t, int64(1), stats.JobsFailed)
	require.Zero(t, stats.ActiveJobs)
}

func TestOrchestrator_UnclassifiedErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	served := returning(campaign("1", "Brand", testNow))
	adapter := &mockAdapter{
		fetchFunc: func(ctx context.Context, req FetchRequest) (Batch, error) {
			if req.EntityType == entity.TypeKeywords {
				return Batch{}, errors.New("status 403: PERMISSION_DENIED")
			}
			return served.fetchFunc(ctx, req)
		},
	}
	o := newTestOrchestrator(t, adapter, storage.NewMemory())

	cfg := incrementalConfig(entity.TypeKeywords, entity.TypeCampaigns)
	cfg.MaxRetries = 2
	status := runSync(t, o, cfg)

	require.Equal(t, StatusFailed, status.Status)
	require.Zero(t, status.RetryCount)
	require.Equal(t, 1, adapter.callsFor(entity.TypeKeywords))
	require.Equal(t, 1, status.Result.EntitiesSynced[entity.TypeCampaigns], "sibling types still sync")
	require.Contains(t, status.LastError, "PERMISSION_DENIED")
	require.NotContains(t, status.LastError, "giving up")
	require.Zero(t, o.GetStats().Retries)
}

func TestOrchestrator_AuthExpired(t *testing.T) {
	t.Parallel()

	adapter := &mockAdapter{
		fetchFunc: func(_ context.Context, _ FetchRequest) (Batch, error) {
			return Batch{}, fmt.Errorf("refreshing token: %w", ErrAuthExpired)
		},
	}
	o := newTestOrchestrator(t, adapter, storage.NewMemory())

	cfg := incrementalConfig(entity.TypeCampaigns, entity.TypeAdGroups)
	cfg.MaxRetries = 3
	status := runSync(t, o, cfg)

	require.Equal(t, StatusFailed, status.Status)
	require.Equal(t, 1, adapter.calls(), "later entity types are not attempted")
	require.Zero(t, status.RetryCount)
	require.Contains(t, status.LastError, "authorization expired")
}

func TestOrchestrator_FailureIsolation(t *testing.T) {
	t.Parallel()

	served := returning(
		campaign("1", "Brand", testNow),
		entity.Entity{ID: "k1", Type: entity.TypeKeywords, Fields: map[string]any{"keyword.text": "shoes"}},
	)
	adapter := &mockAdapter{
		fetchFunc: func(ctx context.Context, req FetchRequest) (Batch, error) {
			if req.EntityType == entity.TypeAdGroups {
				return Batch{}, ErrTransientFetch
			}
			return served.fetchFunc(ctx, req)
		},
	}
	store := storage.NewMemory()
	o := newTestOrchestrator(t, adapter, store)

	cfg := incrementalConfig(entity.TypeCampaigns, entity.TypeAdGroups, entity.TypeKeywords)
	status := runSync(t, o, cfg)

	require.Equal(t, StatusFailed, status.Status)
	require.Equal(t, 1, status.Result.EntitiesSynced[entity.TypeCampaigns])
	require.Equal(t, 1, status.Result.EntitiesSynced[entity.TypeKeywords])
	require.Equal(t, 2, status.Result.EntitiesFailed[entity.TypeAdGroups])
	require.Equal(t, 1, adapter.callsFor(entity.TypeCampaigns), "succeeded types are not retried")
	require.Equal(t, 2, adapter.callsFor(entity.TypeAdGroups))

	wm, err := store.Watermark(context.Background(), entity.TypeCampaigns, "123")
	require.NoError(t, err)
	require.Equal(t, testNow, wm)

	wm, err = store.Watermark(context.Background(), entity.TypeAdGroups, "123")
	require.NoError(t, err)
	require.True(t, wm.IsZero())
}

func TestOrchestrator_StoreWriteFailure(t *testing.T) {
	t.Parallel()

	memory := storage.NewMemory()
	store := &failingStore{SnapshotStore: memory, err: errors.New("throughput exceeded")}
	adapter := returning(campaign("1", "Brand", testNow))
	o := newTestOrchestrator(t, adapter, store)

	status := runSync(t, o, incrementalConfig(entity.TypeCampaigns))

	require.Equal(t, StatusFailed, status.Status)
	require.Equal(t, 2, adapter.calls())
	require.Contains(t, status.LastError, "store write failed")
	require.Equal(t, 2, status.Result.EntitiesFailed[entity.TypeCampaigns])

	wm, err := memory.Watermark(context.Background(), entity.TypeCampaigns, "123")
	require.NoError(t, err)
	require.True(t, wm.IsZero(), "watermark must not advance past unapplied changes")
}

func TestOrchestrator_RateLimit(t *testing.T) {
	t.Parallel()

	t.Run("throttled by source", func(t *testing.T) {
		t.Parallel()

		throttled := false
		adapter := &mockAdapter{
			fetchFunc: func(_ context.Context, _ FetchRequest) (Batch, error) {
				if !throttled {
					throttled = true
					return Batch{}, fmt.Errorf("status 429: %w", ErrRateLimitExceeded)
				}
				return Batch{Entities: []entity.Entity{campaign("1", "Brand", testNow)}}, nil
			},
		}
		o := newTestOrchestrator(t, adapter, storage.NewMemory())

		cfg := incrementalConfig(entity.TypeCampaigns)
		cfg.MaxRetries = 0
		status := runSync(t, o, cfg)

		require.Equal(t, StatusCompleted, status.Status)
		require.Equal(t, 1, status.Result.RateLimitHits)
		require.Zero(t, status.RetryCount, "rate limits do not count as retries")
		require.Equal(t, 1, status.Result.APICalls)
		require.Equal(t, int64(1), o.GetStats().RateLimitHits)
	})

	t.Run("budget exhausted", func(t *testing.T) {
		t.Parallel()

		adapter := &mockAdapter{
			fetchFunc: func(_ context.Context, req FetchRequest) (Batch, error) {
				if req.Cursor == "" {
					return Batch{NextCursor: "1"}, nil
				}
				return Batch{}, nil
			},
		}
		limiter := newTestLimiter(t, 1, 20*time.Millisecond)
		o := newTestOrchestrator(t, adapter, storage.NewMemory(), func(c *Config) { c.RateLimiter = limiter })

		status := runSync(t, o, incrementalConfig(entity.TypeCampaigns))

		require.Equal(t, StatusCompleted, status.Status)
		require.Equal(t, 2, adapter.calls())
		require.GreaterOrEqual(t, status.Result.RateLimitHits, 1)
	})

	t.Run("budget never frees before timeout", func(t *testing.T) {
		t.Parallel()

		adapter := returning()
		limiter := newTestLimiter(t, 1, time.Hour)
		require.True(t, limiter.Allow(string(entity.TypeCampaigns)))
		o := newTestOrchestrator(t, adapter, storage.NewMemory(), func(c *Config) { c.RateLimiter = limiter })

		cfg := incrementalConfig(entity.TypeCampaigns)
		cfg.Timeout = 50 * time.Millisecond
		status := runSync(t, o, cfg)

		require.Equal(t, StatusFailed, status.Status)
		require.Zero(t, adapter.calls())
		require.Contains(t, status.LastError, "rate limit exceeded")
	})
}

func TestOrchestrator_Panic(t *testing.T) {
	t.Parallel()

	adapter := &mockAdapter{
		fetchFunc: func(_ context.Context, _ FetchRequest) (Batch, error) {
			panic("unexpected nil page")
		},
	}
	o := newTestOrchestrator(t, adapter, storage.NewMemory())

	cfg := incrementalConfig(entity.TypeCampaigns)
	cfg.MaxRetries = 2
	status := runSync(t, o, cfg)

	require.Equal(t, StatusFailed, status.Status)
	require.Equal(t, 1, adapter.calls())
	require.Contains(t, status.LastError, "unexpected nil page")
}

func TestOrchestrator_ManualConflicts(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	store := storage.NewMemory()
	putStored(t, store, campaign("1", "Stored", base))

	var mu gosync.Mutex
	current := campaign("1", "Remote v1", base.Add(10*time.Second))
	adapter := &mockAdapter{
		fetchFunc: func(_ context.Context, _ FetchRequest) (Batch, error) {
			mu.Lock()
			defer mu.Unlock()
			return Batch{Entities: []entity.Entity{current}}, nil
		},
	}
	o := newTestOrchestrator(t, adapter, store)

	cfg := incrementalConfig(entity.TypeCampaigns)
	cfg.ConflictPolicy = conflict.PolicyManual

	status := runSync(t, o, cfg)
	require.Equal(t, StatusCompleted, status.Status)
	require.Equal(t, 1, status.Result.ConflictsDetected)
	require.Equal(t, 1, status.Result.ConflictsQueued)
	require.Zero(t, status.Result.EntitiesSynced[entity.TypeCampaigns])
	require.Equal(t, "Stored", storedByID(t, store, entity.TypeCampaigns)["1"].Payload["campaign.name"])

	mu.Lock()
	current = campaign("1", "Remote v2", base.Add(20*time.Second))
	mu.Unlock()

	status = runSync(t, o, cfg)
	require.Equal(t, StatusCompleted, status.Status)
	require.Zero(t, status.Result.EntitiesSynced[entity.TypeCampaigns])
	require.Len(t, status.Result.Warnings, 1)

	pending, err := o.PendingConflicts(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].Updates)
	require.Equal(t, "Remote v2", pending[0].Change.New.Payload["campaign.name"])
	require.Equal(t, "Stored", pending[0].Change.Old.Payload["campaign.name"])
	require.Equal(t, "Stored", storedByID(t, store, entity.TypeCampaigns)["1"].Payload["campaign.name"])

	ctx := context.Background()
	_, err = o.ResolveConflict(ctx, "123", entity.TypeCampaigns, "1", conflict.PolicyManual)
	require.ErrorIs(t, err, ErrConfigInvalid)

	resolved, err := o.ResolveConflict(ctx, "123", entity.TypeCampaigns, "1", conflict.PolicyRemoteWins)
	require.NoError(t, err)
	require.True(t, resolved.Resolved)
	require.Equal(t, "Remote v2", storedByID(t, store, entity.TypeCampaigns)["1"].Payload["campaign.name"])

	pending, err = o.PendingConflicts(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	_, err = o.ResolveConflict(ctx, "123", entity.TypeCampaigns, "1", conflict.PolicyRemoteWins)
	require.ErrorIs(t, err, ErrConflictNotFound)
}

func TestOrchestrator_ResolveConflictUsesCurrentStoredState(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

	tests := map[string]struct {
		fullSync []entity.Entity
		policy   conflict.Policy
		wantName string
	}{
		"local wins keeps the entity a later full sync wrote": {
			fullSync: []entity.Entity{campaign("1", "Overwritten", base.Add(time.Hour))},
			policy:   conflict.PolicyLocalWins,
			wantName: "Overwritten",
		},
		"local wins keeps an entity a later full sync removed absent": {
			policy: conflict.PolicyLocalWins,
		},
		"remote wins applies the queued remote state": {
			fullSync: []entity.Entity{campaign("1", "Overwritten", base.Add(time.Hour))},
			policy:   conflict.PolicyRemoteWins,
			wantName: "Remote",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := storage.NewMemory()
			putStored(t, store, campaign("1", "Stored", base))

			var mu gosync.Mutex
			current := []entity.Entity{campaign("1", "Remote", base.Add(10*time.Second))}
			adapter := &mockAdapter{
				fetchFunc: func(_ context.Context, _ FetchRequest) (Batch, error) {
					mu.Lock()
					defer mu.Unlock()
					return Batch{Entities: current}, nil
				},
			}
			o := newTestOrchestrator(t, adapter, store)

			cfg := incrementalConfig(entity.TypeCampaigns)
			cfg.ConflictPolicy = conflict.PolicyManual
			require.Equal(t, 1, runSync(t, o, cfg).Result.ConflictsQueued)

			mu.Lock()
			current = tc.fullSync
			mu.Unlock()

			cfg.SyncType = SyncFull
			require.Equal(t, StatusCompleted, runSync(t, o, cfg).Status)

			resolved, err := o.ResolveConflict(context.Background(), "123", entity.TypeCampaigns, "1", tc.policy)
			require.NoError(t, err)
			require.True(t, resolved.Resolved)

			stored := storedByID(t, store, entity.TypeCampaigns)
			if tc.wantName == "" {
				require.Empty(t, stored)
				return
			}
			require.Equal(t, tc.wantName, stored["1"].Payload["campaign.name"])
		})
	}
}

func TestOrchestrator_DryRun(t *testing.T) {
	t.Parallel()

	t.Run("store writes are skipped", func(t *testing.T) {
		t.Parallel()

		store := storage.NewMemory()
		o := newTestOrchestrator(t, returning(campaign("1", "Brand", testNow)), store)

		cfg := incrementalConfig(entity.TypeCampaigns)
		cfg.DryRun = true
		status := runSync(t, o, cfg)

		require.Equal(t, StatusCompleted, status.Status)
		require.True(t, status.Result.DryRun)
		require.Equal(t, 1, status.Result.DryRunWrites)
		require.Equal(t, 1, status.Result.EntitiesSynced[entity.TypeCampaigns])
		require.Empty(t, storedByID(t, store, entity.TypeCampaigns))

		wm, err := store.Watermark(context.Background(), entity.TypeCampaigns, "123")
		require.NoError(t, err)
		require.True(t, wm.IsZero())
	})

	t.Run("conflicts are not queued", func(t *testing.T) {
		t.Parallel()

		base := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
		store := storage.NewMemory()
		putStored(t, store, campaign("1", "Stored", base))

		o := newTestOrchestrator(t, returning(campaign("1", "Remote", base.Add(10*time.Second))), store)

		cfg := incrementalConfig(entity.TypeCampaigns)
		cfg.ConflictPolicy = conflict.PolicyManual
		cfg.DryRun = true
		status := runSync(t, o, cfg)

		require.Equal(t, StatusCompleted, status.Status)
		require.Equal(t, 1, status.Result.ConflictsDetected)
		require.Equal(t, 1, status.Result.ConflictsQueued)
		require.Zero(t, status.Result.DryRunWrites)

		pending, err := o.PendingConflicts(context.Background())
		require.NoError(t, err)
		require.Empty(t, pending)
		require.Equal(t, "Stored", storedByID(t, store, entity.TypeCampaigns)["1"].Payload["campaign.name"])
	})

	t.Run("pending conflicts are left untouched", func(t *testing.T) {
		t.Parallel()

		base := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
		store := storage.NewMemory()
		putStored(t, store, campaign("1", "Stored", base))

		var mu gosync.Mutex
		current := campaign("1", "Remote v1", base.Add(10*time.Second))
		adapter := &mockAdapter{
			fetchFunc: func(_ context.Context, _ FetchRequest) (Batch, error) {
				mu.Lock()
				defer mu.Unlock()
				return Batch{Entities: []entity.Entity{current}}, nil
			},
		}
		o := newTestOrchestrator(t, adapter, store)

		cfg := incrementalConfig(entity.TypeCampaigns)
		cfg.ConflictPolicy = conflict.PolicyManual
		require.Equal(t, StatusCompleted, runSync(t, o, cfg).Status)

		mu.Lock()
		current = campaign("1", "Remote v2", base.Add(20*time.Second))
		mu.Unlock()

		cfg.DryRun = true
		status := runSync(t, o, cfg)
		require.Equal(t, StatusCompleted, status.Status)
		require.Len(t, status.Result.Warnings, 1)

		pending, err := o.PendingConflicts(context.Background())
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Zero(t, pending[0].Updates)
		require.Equal(t, "Remote v1", pending[0].Change.New.Payload["campaign.name"])
	})
}

// blockingAdapter serves two pages, parking the first fetch of each job until release
// is closed.
type blockingAdapter struct {
	release chan struct{}
	started chan entity.Type
}

func newBlockingAdapter() *blockingAdapter {
	return &blockingAdapter{
		release: make(chan struct{}),
		started: make(chan entity.Type, 8),
	}
}

// FetchEntities blocks the first page until released. The first page promises a second.
func (b *blockingAdapter) FetchEntities(ctx context.Context, req FetchRequest) (Batch, error) {
	next := ""
	if req.Cursor == "" {
		select {
		case b.started <- req.EntityType:
		default:
		}
		select {
		case <-b.release:
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		}
		next = "page-2"
	}
	id := "e" + req.Cursor
	return Batch{
		Entities:   []entity.Entity{{ID: id, Type: req.EntityType, Fields: map[string]any{"id": id}}},
		NextCursor: next,
	}, nil
}

func TestOrchestrator_Stop(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		stop func(o *Orchestrator, id string) error
		want Status
	}{
		"cancel": {
			stop: (*Orchestrator).CancelSync,
			want: StatusCancelled,
		},
		"pause": {
			stop: (*Orchestrator).PauseSync,
			want: StatusPaused,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := storage.NewMemory()
			adapter := newBlockingAdapter()
			o := newTestOrchestrator(t, adapter, store)

			cfg := incrementalConfig(entity.TypeCampaigns)
			cfg.ParallelProcessing = true
			id, err := o.StartSync(cfg)
			require.NoError(t, err)

			<-adapter.started
			running, err := o.GetStatus(id)
			require.NoError(t, err)
			require.Equal(t, StatusRunning, running.Status)

			require.NoError(t, tc.stop(o, id))
			close(adapter.release)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			status, err := o.Wait(ctx, id)
			require.NoError(t, err)

			require.Equal(t, tc.want, status.Status)
			require.Equal(t, 1, status.Result.APICalls, "no fetch after the stop checkpoint")
			require.Equal(t, 1, status.Result.EntitiesSynced[entity.TypeCampaigns], "fetched page is kept")
			require.Len(t, storedByID(t, store, entity.TypeCampaigns), 1)

			wm, err := store.Watermark(context.Background(), entity.TypeCampaigns, "123")
			require.NoError(t, err)
			require.True(t, wm.IsZero())

			require.ErrorIs(t, tc.stop(o, id), ErrInvalidTransition)
		})
	}
}

func TestOrchestrator_StopUnknownJob(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, returning(), storage.NewMemory())

	require.ErrorIs(t, o.CancelSync("missing"), ErrJobNotFound)
	require.ErrorIs(t, o.PauseSync("missing"), ErrJobNotFound)

	_, err := o.GetStatus("missing")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestOrchestrator_CancelQueuedJob(t *testing.T) {
	t.Parallel()

	adapter := newBlockingAdapter()
	o := newTestOrchestrator(t, adapter, storage.NewMemory(), func(c *Config) { c.PoolSize = 1 })

	running := incrementalConfig(entity.TypeCampaigns)
	running.ParallelProcessing = true
	first, err := o.StartSync(running)
	require.NoError(t, err)
	<-adapter.started

	queued := incrementalConfig(entity.TypeAdGroups)
	queued.ParallelProcessing = true
	second, err := o.StartSync(queued)
	require.NoError(t, err)

	require.NoError(t, o.CancelSync(second))
	close(adapter.release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := o.Wait(ctx, second)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, status.Status)

	status, err = o.Wait(ctx, first)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status.Status)

	stats := o.GetStats()
	require.Equal(t, int64(1), stats.JobsCancelled)
	require.Equal(t, int64(1), stats.JobsStarted)
	require.Zero(t, stats.ActiveJobs)
}

func TestOrchestrator_Exclusivity(t *testing.T) {
	t.Parallel()

	adapter := newBlockingAdapter()
	o := newTestOrchestrator(t, adapter, storage.NewMemory())

	cfg := incrementalConfig(entity.TypeCampaigns)
	cfg.ParallelProcessing = true
	first, err := o.StartSync(cfg)
	require.NoError(t, err)
	<-adapter.started

	overlapping := incrementalConfig(entity.TypeAdGroups, entity.TypeCampaigns)
	overlapping.ParallelProcessing = true
	_, err = o.StartSync(overlapping)
	require.ErrorIs(t, err, ErrJobConflict)

	otherCustomer := incrementalConfig(entity.TypeCampaigns)
	otherCustomer.CustomerID = "456"
	otherCustomer.ParallelProcessing = true
	second, err := o.StartSync(otherCustomer)
	require.NoError(t, err)

	disjoint := incrementalConfig(entity.TypeKeywords)
	disjoint.ParallelProcessing = true
	third, err := o.StartSync(disjoint)
	require.NoError(t, err)

	_, err = o.ResolveConflict(context.Background(), "123", entity.TypeCampaigns, "1", conflict.PolicyRemoteWins)
	require.ErrorIs(t, err, ErrJobConflict)

	for _, id := range []string{first, second, third} {
		require.NoError(t, o.CancelSync(id))
	}
	close(adapter.release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range []string{first, second, third} {
		status, err := o.Wait(ctx, id)
		require.NoError(t, err)
		require.Equal(t, StatusCancelled, status.Status)
	}

	// Claims are released once jobs finish.
	_, err = o.StartSync(incrementalConfig(entity.TypeCampaigns))
	require.NoError(t, err)
}

func TestOrchestrator_ParallelEntityTypes(t *testing.T) {
	t.Parallel()

	adapter := returning(
		campaign("1", "Brand", testNow),
		entity.Entity{ID: "g1", Type: entity.TypeAdGroups, Fields: map[string]any{"ad_group.name": "Shoes"}},
		entity.Entity{ID: "k1", Type: entity.TypeKeywords, Fields: map[string]any{"keyword.text": "running shoes"}},
	)
	store := storage.NewMemory()
	o := newTestOrchestrator(t, adapter, store)

	cfg := incrementalConfig(entity.TypeCampaigns, entity.TypeAdGroups, entity.TypeKeywords)
	cfg.ParallelProcessing = true
	cfg.Workers = 2
	status := runSync(t, o, cfg)

	require.Equal(t, StatusCompleted, status.Status)
	require.Equal(t, 3, status.Result.TotalSynced())
	require.InDelta(t, 100.0, status.Progress, 0.001)
	for _, et := range cfg.EntityTypes {
		require.Len(t, storedByID(t, store, et), 1, et)
	}

	stats := o.GetStats()
	require.Equal(t, int64(1), stats.JobsCompleted)
	require.Equal(t, int64(3), stats.EntitiesSynced)
	require.Zero(t, stats.ActiveJobs)
}

func TestOrchestrator_RealTime(t *testing.T) {
	t.Parallel()

	t.Run("runs until cancelled", func(t *testing.T) {
		t.Parallel()

		cycles := make(chan struct{}, 16)
		adapter := &mockAdapter{
			fetchFunc: func(_ context.Context, _ FetchRequest) (Batch, error) {
				select {
				case cycles <- struct{}{}:
				default:
				}
				return Batch{}, nil
			},
		}
		o := newTestOrchestrator(t, adapter, storage.NewMemory())

		cfg := incrementalConfig(entity.TypeCampaigns)
		cfg.SyncType = SyncRealTime
		cfg.SyncInterval = time.Millisecond
		cfg.ParallelProcessing = true
		id, err := o.StartSync(cfg)
		require.NoError(t, err)

		for range 3 {
			<-cycles
		}
		require.NoError(t, o.CancelSync(id))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		status, err := o.Wait(ctx, id)
		require.NoError(t, err)
		require.Equal(t, StatusCancelled, status.Status)
		require.GreaterOrEqual(t, status.Result.APICalls, 3)
	})

	t.Run("timeout completes", func(t *testing.T) {
		t.Parallel()

		o := newTestOrchestrator(t, returning(), storage.NewMemory())

		cfg := incrementalConfig(entity.TypeCampaigns)
		cfg.SyncType = SyncRealTime
		cfg.SyncInterval = 5 * time.Millisecond
		cfg.Timeout = 40 * time.Millisecond
		status := runSync(t, o, cfg)

		require.Equal(t, StatusCompleted, status.Status)
		require.GreaterOrEqual(t, status.Result.APICalls, 1)
	})
}

func TestOrchestrator_CompletedJobsRetention(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, returning(), storage.NewMemory(), func(c *Config) { c.CompletedJobs = 2 })

	var ids []string
	for range 3 {
		status := runSync(t, o, incrementalConfig(entity.TypeCampaigns))
		ids = append(ids, status.ID)
	}

	_, err := o.GetStatus(ids[0])
	require.ErrorIs(t, err, ErrJobNotFound)

	for _, id := range ids[1:] {
		status, err := o.GetStatus(id)
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, status.Status)
		require.True(t, status.Terminal())
		require.Equal(t, testNow, status.CompletedAt)
	}
}

func TestOrchestrator_Close(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, returning(), storage.NewMemory())
	o.Close()
	o.Close()

	_, err := o.StartSync(incrementalConfig(entity.TypeCampaigns))
	require.ErrorIs(t, err, ErrOrchestratorClosed)
}

func TestGetStatus_IsolatedCopy(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, returning(campaign("1", "Brand", testNow)), storage.NewMemory())
	status := runSync(t, o, incrementalConfig(entity.TypeCampaigns))

	status.Result.EntitiesSynced[entity.TypeCampaigns] = 99
	status.Config.EntityTypes[0] = entity.TypeKeywords

	again, err := o.GetStatus(status.ID)
	require.NoError(t, err)
	require.Equal(t, 1, again.Result.EntitiesSynced[entity.TypeCampaigns])
	require.Equal(t, entity.TypeCampaigns, again.Config.EntityTypes[0])
}

func TestFilter_Matches(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		fields map[string]any
		filter *Filter
		id     string
		want   bool
	}{
		"nil filter": {
			id:   "1",
			want: true,
		},
		"id listed": {
			filter: &Filter{EntityIDs: []string{"1", "2"}},
			id:     "2",
			want:   true,
		},
		"id not listed": {
			filter: &Filter{EntityIDs: []string{"1"}},
			id:     "2",
		},
		"field matches across types": {
			fields: map[string]any{"campaign.status": "ENABLED", "metrics.clicks": 12.0},
			filter: &Filter{Fields: map[string]any{"metrics.clicks": 12}},
			id:     "1",
			want:   true,
		},
		"field differs": {
			fields: map[string]any{"campaign.status": "PAUSED"},
			filter: &Filter{Fields: map[string]any{"campaign.status": "ENABLED"}},
			id:     "1",
		},
		"field missing": {
			filter: &Filter{Fields: map[string]any{"campaign.status": "ENABLED"}},
			id:     "1",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.want, tc.filter.Matches(tc.id, tc.fields))
		})
	}
}

func TestParseSyncType(t *testing.T) {
	t.Parallel()

	got, err := ParseSyncType(" real_time ")
	require.NoError(t, err)
	require.Equal(t, SyncRealTime, got)

	_, err = ParseSyncType("hourly")
	require.Error(t, err)
}
