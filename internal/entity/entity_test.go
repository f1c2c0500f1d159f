package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		input   string
		want    Type
		wantErr bool
	}{
		"upper case":        {input: "CAMPAIGNS", want: TypeCampaigns},
		"lower case":        {input: "ad_groups", want: TypeAdGroups},
		"padded":            {input: "  keywords ", want: TypeKeywords},
		"unknown type":      {input: "ads", wantErr: true},
		"empty string fails": {input: "", wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseType(tc.input)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	t.Run("independent of insertion order", func(t *testing.T) {
		t.Parallel()

		a := map[string]any{}
		a["name"] = "Spring Sale"
		a["status"] = "ENABLED"
		a["budget"] = map[string]any{"amount_micros": 1000, "currency": "USD"}

		b := map[string]any{}
		b["budget"] = map[string]any{"currency": "USD", "amount_micros": 1000}
		b["status"] = "ENABLED"
		b["name"] = "Spring Sale"

		fa, err := Fingerprint(a)
		require.NoError(t, err)
		fb, err := Fingerprint(b)
		require.NoError(t, err)
		require.Equal(t, fa, fb)
	})

	t.Run("changes with content", func(t *testing.T) {
		t.Parallel()

		fa, err := Fingerprint(map[string]any{"name": "a"})
		require.NoError(t, err)
		fb, err := Fingerprint(map[string]any{"name": "b"})
		require.NoError(t, err)
		require.NotEqual(t, fa, fb)
	})

	t.Run("nil and empty are equal", func(t *testing.T) {
		t.Parallel()

		fa, err := Fingerprint(nil)
		require.NoError(t, err)
		fb, err := Fingerprint(map[string]any{})
		require.NoError(t, err)
		require.Equal(t, fa, fb)
	})

	t.Run("unencodable value fails", func(t *testing.T) {
		t.Parallel()

		_, err := Fingerprint(map[string]any{"ch": make(chan int)})
		require.Error(t, err)
	})
}

func TestEntity_LastModified(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := map[string]struct {
		fields map[string]any
		want   time.Time
		wantOK bool
	}{
		"rfc3339 string": {
			fields: map[string]any{LastModifiedField: "2025-03-01T12:00:00Z"},
			want:   ts,
			wantOK: true,
		},
		"ads api format": {
			fields: map[string]any{LastModifiedField: "2025-03-01 12:00:00"},
			want:   ts,
			wantOK: true,
		},
		"time value": {
			fields: map[string]any{LastModifiedField: ts},
			want:   ts,
			wantOK: true,
		},
		"unix seconds": {
			fields: map[string]any{LastModifiedField: float64(ts.Unix())},
			want:   ts,
			wantOK: true,
		},
		"missing": {
			fields: map[string]any{"name": "x"},
		},
		"unparseable": {
			fields: map[string]any{LastModifiedField: "yesterday"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got, ok := Entity{Fields: tc.fields}.LastModified()
			require.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				require.True(t, tc.want.Equal(got), "got %s want %s", got, tc.want)
			}
		})
	}
}

func TestNewSnapshot(t *testing.T) {
	t.Parallel()

	e := Entity{
		ID:   "42",
		Type: TypeCampaigns,
		Fields: map[string]any{
			"name":            "Brand",
			LastModifiedField: "2025-03-01T12:00:00Z",
		},
	}

	snap, err := NewSnapshot(e)
	require.NoError(t, err)
	require.Equal(t, "42", snap.EntityID)
	require.NotEmpty(t, snap.Fingerprint)
	require.Equal(t, 2025, snap.LastModified.Year())
	require.Equal(t, e.Fields, snap.Payload)
}
