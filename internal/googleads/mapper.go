package googleads

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/peteski22/adsmirror/internal/entity"
)

// statusRemoved is the status Google reports for deleted entities.
const statusRemoved = "REMOVED"

// toEntity converts a search row into an entity of type t.
func (q query) toEntity(t entity.Type, row map[string]any) (entity.Entity, error) {
	fields := flatten(row)

	parts := make([]string, 0, len(q.idFields))
	for _, f := range q.idFields {
		v, ok := fields[f]
		if !ok || v == nil {
			return entity.Entity{}, fmt.Errorf("row is missing identifier field %s", f)
		}
		parts = append(parts, fmt.Sprint(v))
	}

	e := entity.Entity{
		Fields: fields,
		ID:     strings.Join(parts, idSeparator),
		Type:   t,
	}
	if q.statusField != "" {
		e.Removed = fields[q.statusField] == statusRemoved
	}
	return e, nil
}

// flatten turns the nested camelCase JSON of a row into dotted GAQL field names, e.g.
// {"adGroupCriterion": {"keyword": {"matchType": "EXACT"}}} becomes
// {"ad_group_criterion.keyword.match_type": "EXACT"}.
func flatten(row map[string]any) map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", row)
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		key := snakeCase(k)
		if prefix != "" {
			key = prefix + "." + key
		}

		if nested, ok := v.(map[string]any); ok {
			flattenInto(out, key, nested)
			continue
		}
		out[key] = v
	}
}

// snakeCase converts a camelCase JSON name to its GAQL snake_case form.
func snakeCase(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
