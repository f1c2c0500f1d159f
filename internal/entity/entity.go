// Package entity defines the mirrored advertising entities and their stored snapshots.
package entity

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// LastModifiedField is the field carrying the remote modification time of an entity.
const LastModifiedField = "last_modified_time"

// Type identifies a class of mirrored entity.
type Type string

const (
	// TypeAccounts identifies customer accounts.
	TypeAccounts Type = "ACCOUNTS"

	// TypeAdGroups identifies ad groups.
	TypeAdGroups Type = "AD_GROUPS"

	// TypeCampaigns identifies campaigns.
	TypeCampaigns Type = "CAMPAIGNS"

	// TypeKeywords identifies keyword criteria.
	TypeKeywords Type = "KEYWORDS"

	// TypePerformance identifies daily performance snapshots.
	TypePerformance Type = "PERFORMANCE"
)

// Types lists every supported entity type.
var Types = []Type{TypeAccounts, TypeCampaigns, TypeAdGroups, TypeKeywords, TypePerformance}

// ParseType converts a case-insensitive name into a Type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type: %q", s)
	}
	return t, nil
}

// Valid reports whether t is a supported entity type.
func (t Type) Valid() bool {
	switch t {
	case TypeAccounts, TypeAdGroups, TypeCampaigns, TypeKeywords, TypePerformance:
		return true
	default:
		return false
	}
}

// Entity is a single record fetched from the remote source.
type Entity struct {
	// Fields holds the normalized field values of the entity.
	Fields map[string]any

	// ID is the remote identifier, unique within the entity type and customer.
	ID string

	// Removed indicates the source reported the entity as deleted.
	Removed bool

	// Type is the entity type.
	Type Type
}

// LastModified returns the remote modification time, if the entity carries one.
func (e Entity) LastModified() (time.Time, bool) {
	return lastModified(e.Fields)
}

// Snapshot is the last known state of an entity as persisted by the mirror.
type Snapshot struct {
	// EntityID is the remote identifier.
	EntityID string `json:"entity_id"`

	// Fingerprint is the content hash of Payload.
	Fingerprint string `json:"fingerprint"`

	// LastModified is the remote modification time, zero when unknown.
	LastModified time.Time `json:"last_modified_time,omitzero"`

	// Payload holds the entity fields.
	Payload map[string]any `json:"payload"`
}

// NewSnapshot builds a snapshot of the given entity, computing its fingerprint.
func NewSnapshot(e Entity) (Snapshot, error) {
	return SnapshotOf(e.ID, e.Fields)
}

// SnapshotOf builds a snapshot from an entity ID and its fields.
func SnapshotOf(id string, fields map[string]any) (Snapshot, error) {
	fp, err := Fingerprint(fields)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fingerprinting %s: %w", id, err)
	}

	lm, _ := lastModified(fields)

	return Snapshot{
		EntityID:     id,
		Fingerprint:  fp,
		LastModified: lm,
		Payload:      fields,
	}, nil
}

// Fingerprint returns a stable, order-independent content hash of the fields.
// Map keys are serialized in sorted order at every nesting level.
func Fingerprint(fields map[string]any) (string, error) {
	if fields == nil {
		fields = map[string]any{}
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encoding fields: %w", err)
	}

	return fmt.Sprintf("%016x", xxhash.Sum64(data)), nil
}

// Clone returns a shallow copy of the fields map.
func Clone(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func lastModified(fields map[string]any) (time.Time, bool) {
	v, ok := fields[LastModifiedField]
	if !ok || v == nil {
		return time.Time{}, false
	}

	switch tv := v.(type) {
	case time.Time:
		return tv, !tv.IsZero()
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, tv); err == nil {
				return t, true
			}
		}
	case float64:
		return time.Unix(int64(tv), 0).UTC(), true
	case int64:
		return time.Unix(tv, 0).UTC(), true
	case int:
		return time.Unix(int64(tv), 0).UTC(), true
	}

	return time.Time{}, false
}
