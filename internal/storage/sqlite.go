package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/doug-martin/goqu/v9"

	// Registers the sqlite3 dialect; without it goqu falls back to the default dialect.
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/glebarez/go-sqlite"

	"github.com/peteski22/adsmirror/internal/entity"
	"github.com/peteski22/adsmirror/internal/review"
)

const (
	snapshotsTable  = "snapshots"
	watermarksTable = "watermarks"
	conflictsTable  = "conflicts"

	// sqliteChunk bounds rows per statement to stay under SQLite's variable limit.
	sqliteChunk = 500
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS snapshots (
		customer_id text NOT NULL,
		entity_type text NOT NULL,
		entity_id text NOT NULL,
		fingerprint text NOT NULL,
		last_modified_time text NOT NULL DEFAULT '',
		payload blob NOT NULL,
		expires_at integer NOT NULL DEFAULT 0,
		updated_at integer NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_snapshots_key ON snapshots (customer_id, entity_type, entity_id)`,
	`CREATE TABLE IF NOT EXISTS watermarks (
		customer_id text NOT NULL,
		entity_type text NOT NULL,
		last_sync_time text NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_watermarks_key ON watermarks (customer_id, entity_type)`,
	`CREATE TABLE IF NOT EXISTS conflicts (
		customer_id text NOT NULL,
		entity_type text NOT NULL,
		entity_id text NOT NULL,
		item blob NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_conflicts_key ON conflicts (customer_id, entity_type, entity_id)`,
}

// SQLite is a Store backed by a local SQLite database. It also persists the manual
// review backlog through ReviewBackend.
type SQLite struct {
	codec *Codec
	db    *goqu.Database
	now   func() time.Time
	rawDB *sql.DB
	ttl   time.Duration
}

// SQLiteOption configures a SQLite store.
type SQLiteOption func(*SQLite)

// WithSQLiteTTL expires snapshots the given duration after they are written.
func WithSQLiteTTL(ttl time.Duration) SQLiteOption {
	return func(s *SQLite) {
		s.ttl = ttl
	}
}

// WithSQLiteClock sets the clock used for expiry.
func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(s *SQLite) {
		s.now = now
	}
}

// NewSQLite opens (creating if needed) the database at path. Use ":memory:" for a
// throwaway database.
func NewSQLite(ctx context.Context, path string, codec *Codec, opts ...SQLiteOption) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if codec == nil {
		return nil, errors.New("codec is required")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	rawDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases shared.
	rawDB.SetMaxOpenConns(1)

	s := &SQLite{
		codec: codec,
		db:    goqu.New("sqlite3", rawDB),
		now:   time.Now,
		rawDB: rawDB,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			_ = rawDB.Close()
			return nil, fmt.Errorf("initializing schema: %w", err)
		}
	}

	return s, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	if s.rawDB == nil {
		return nil
	}
	err := s.rawDB.Close()
	s.rawDB = nil
	return err
}

// Snapshots returns every live snapshot for the entity type and customer, ordered by ID.
func (s *SQLite) Snapshots(ctx context.Context, t entity.Type, customerID string) ([]entity.Snapshot, error) {
	if err := validateScope(t, customerID); err != nil {
		return nil, err
	}
	if s.rawDB == nil {
		return nil, ErrStoreClosed
	}

	q := s.db.From(snapshotsTable).Prepared(true)
	q = q.Select("entity_id", "fingerprint", "last_modified_time", "payload")
	q = q.Where(goqu.Ex{"customer_id": customerID, "entity_type": string(t)})
	q = q.Where(goqu.Or(
		goqu.C("expires_at").Eq(0),
		goqu.C("expires_at").Gt(s.now().Unix()),
	))
	q = q.Order(goqu.C("entity_id").Asc())

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("building snapshot query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var out []entity.Snapshot
	for rows.Next() {
		var id, fingerprint, lastModified string
		var payload []byte
		if err := rows.Scan(&id, &fingerprint, &lastModified, &payload); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}

		snap, err := s.codec.snapshot(id, fingerprint, payload)
		if err != nil {
			return nil, err
		}
		if lastModified != "" {
			lm, err := time.Parse(time.RFC3339Nano, lastModified)
			if err != nil {
				return nil, fmt.Errorf("snapshot %s: parsing last_modified_time: %w", id, err)
			}
			snap.LastModified = lm
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading snapshots: %w", err)
	}

	return out, nil
}

// PutSnapshots upserts the snapshots in a single transaction.
func (s *SQLite) PutSnapshots(ctx context.Context, t entity.Type, customerID string, snaps []entity.Snapshot) error {
	if err := validateScope(t, customerID); err != nil {
		return err
	}
	if s.rawDB == nil {
		return ErrStoreClosed
	}
	if len(snaps) == 0 {
		return nil
	}

	now := s.now()
	var expiresAt int64
	if s.ttl > 0 {
		expiresAt = now.Add(s.ttl).Unix()
	}

	records := make([]any, 0, len(snaps))
	for _, snap := range snaps {
		if snap.EntityID == "" {
			return errors.New("entity ID is required")
		}

		payload, err := s.codec.Encode(snap.Payload)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", snap.EntityID, err)
		}

		var lastModified string
		if !snap.LastModified.IsZero() {
			lastModified = snap.LastModified.UTC().Format(time.RFC3339Nano)
		}

		records = append(records, goqu.Record{
			"customer_id":        customerID,
			"entity_type":        string(t),
			"entity_id":          snap.EntityID,
			"fingerprint":        snap.Fingerprint,
			"last_modified_time": lastModified,
			"payload":            payload,
			"expires_at":         expiresAt,
			"updated_at":         now.Unix(),
		})
	}

	return s.inTx(ctx, func(tx *goqu.TxDatabase) error {
		for start := 0; start < len(records); start += sqliteChunk {
			end := min(start+sqliteChunk, len(records))

			q := tx.Insert(snapshotsTable).Prepared(true)
			q = q.Rows(records[start:end]...)
			q = q.OnConflict(goqu.DoUpdate("customer_id, entity_type, entity_id", goqu.Record{
				"fingerprint":        goqu.I("EXCLUDED.fingerprint"),
				"last_modified_time": goqu.I("EXCLUDED.last_modified_time"),
				"payload":            goqu.I("EXCLUDED.payload"),
				"expires_at":         goqu.I("EXCLUDED.expires_at"),
				"updated_at":         goqu.I("EXCLUDED.updated_at"),
			}))

			query, args, err := q.ToSQL()
			if err != nil {
				return fmt.Errorf("building snapshot upsert: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("writing snapshots: %w", err)
			}
		}
		return nil
	})
}

// DeleteSnapshots removes the snapshots in a single transaction.
func (s *SQLite) DeleteSnapshots(ctx context.Context, t entity.Type, customerID string, ids []string) error {
	if err := validateScope(t, customerID); err != nil {
		return err
	}
	if s.rawDB == nil {
		return ErrStoreClosed
	}
	if len(ids) == 0 {
		return nil
	}

	return s.inTx(ctx, func(tx *goqu.TxDatabase) error {
		for start := 0; start < len(ids); start += sqliteChunk {
			end := min(start+sqliteChunk, len(ids))

			q := tx.Delete(snapshotsTable).Prepared(true)
			q = q.Where(goqu.Ex{
				"customer_id": customerID,
				"entity_type": string(t),
				"entity_id":   ids[start:end],
			})

			query, args, err := q.ToSQL()
			if err != nil {
				return fmt.Errorf("building snapshot delete: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("deleting snapshots: %w", err)
			}
		}
		return nil
	})
}

// Watermark returns the stored sync time, or the zero time when none exists.
func (s *SQLite) Watermark(ctx context.Context, t entity.Type, customerID string) (time.Time, error) {
	if err := validateScope(t, customerID); err != nil {
		return time.Time{}, err
	}
	if s.rawDB == nil {
		return time.Time{}, ErrStoreClosed
	}

	q := s.db.From(watermarksTable).Prepared(true)
	q = q.Select("last_sync_time")
	q = q.Where(goqu.Ex{"customer_id": customerID, "entity_type": string(t)})

	query, args, err := q.ToSQL()
	if err != nil {
		return time.Time{}, fmt.Errorf("building watermark query: %w", err)
	}

	var raw string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("reading watermark: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing watermark: %w", err)
	}
	return ts, nil
}

// SetWatermark upserts the sync time.
func (s *SQLite) SetWatermark(ctx context.Context, t entity.Type, customerID string, ts time.Time) error {
	if err := validateScope(t, customerID); err != nil {
		return err
	}
	if s.rawDB == nil {
		return ErrStoreClosed
	}

	value := ts.UTC().Format(time.RFC3339Nano)

	q := s.db.Insert(watermarksTable).Prepared(true)
	q = q.Rows(goqu.Record{
		"customer_id":    customerID,
		"entity_type":    string(t),
		"last_sync_time": value,
	})
	q = q.OnConflict(goqu.DoUpdate("customer_id, entity_type", goqu.C("last_sync_time").Set(value)))

	query, args, err := q.ToSQL()
	if err != nil {
		return fmt.Errorf("building watermark upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("writing watermark: %w", err)
	}
	return nil
}

// ReviewBackend returns a review.Backend persisting pending conflicts in this database.
func (s *SQLite) ReviewBackend() *SQLiteReview {
	return &SQLiteReview{store: s}
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *goqu.TxDatabase) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rolling back: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// SQLiteReview stores review items as JSON rows of the conflicts table.
type SQLiteReview struct {
	store *SQLite
}

var _ review.Backend = (*SQLiteReview)(nil)

// Load implements review.Backend.
func (r *SQLiteReview) Load(ctx context.Context, key review.Key) (review.Item, bool, error) {
	if r.store.rawDB == nil {
		return review.Item{}, false, ErrStoreClosed
	}

	q := r.store.db.From(conflictsTable).Prepared(true)
	q = q.Select("item")
	q = q.Where(goqu.Ex{
		"customer_id": key.CustomerID,
		"entity_type": string(key.EntityType),
		"entity_id":   key.EntityID,
	})

	query, args, err := q.ToSQL()
	if err != nil {
		return review.Item{}, false, fmt.Errorf("building conflict query: %w", err)
	}

	var data []byte
	if err := r.store.db.QueryRowContext(ctx, query, args...).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return review.Item{}, false, nil
		}
		return review.Item{}, false, fmt.Errorf("reading conflict: %w", err)
	}

	var item review.Item
	if err := json.Unmarshal(data, &item); err != nil {
		return review.Item{}, false, fmt.Errorf("decoding conflict %s: %w", key, err)
	}
	return item, true, nil
}

// Save implements review.Backend.
func (r *SQLiteReview) Save(ctx context.Context, item review.Item) error {
	if r.store.rawDB == nil {
		return ErrStoreClosed
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding conflict: %w", err)
	}

	key := item.Key()
	q := r.store.db.Insert(conflictsTable).Prepared(true)
	q = q.Rows(goqu.Record{
		"customer_id": key.CustomerID,
		"entity_type": string(key.EntityType),
		"entity_id":   key.EntityID,
		"item":        data,
	})
	q = q.OnConflict(goqu.DoUpdate("customer_id, entity_type, entity_id", goqu.C("item").Set(data)))

	query, args, err := q.ToSQL()
	if err != nil {
		return fmt.Errorf("building conflict upsert: %w", err)
	}
	if _, err := r.store.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("writing conflict: %w", err)
	}
	return nil
}

// Remove implements review.Backend.
func (r *SQLiteReview) Remove(ctx context.Context, key review.Key) error {
	if r.store.rawDB == nil {
		return ErrStoreClosed
	}

	q := r.store.db.Delete(conflictsTable).Prepared(true)
	q = q.Where(goqu.Ex{
		"customer_id": key.CustomerID,
		"entity_type": string(key.EntityType),
		"entity_id":   key.EntityID,
	})

	query, args, err := q.ToSQL()
	if err != nil {
		return fmt.Errorf("building conflict delete: %w", err)
	}
	if _, err := r.store.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting conflict: %w", err)
	}
	return nil
}

// All implements review.Backend.
func (r *SQLiteReview) All(ctx context.Context) ([]review.Item, error) {
	if r.store.rawDB == nil {
		return nil, ErrStoreClosed
	}

	query, args, err := r.store.db.From(conflictsTable).Prepared(true).Select("item").ToSQL()
	if err != nil {
		return nil, fmt.Errorf("building conflict query: %w", err)
	}

	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conflicts: %w", err)
	}
	defer rows.Close()

	var items []review.Item
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning conflict: %w", err)
		}
		var item review.Item
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, fmt.Errorf("decoding conflict: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading conflicts: %w", err)
	}

	return items, nil
}
