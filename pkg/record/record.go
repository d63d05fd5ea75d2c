// Package record defines the unit of ETL: a dynamic property bag plus the
// run-level kind that decides how the rest of the pipeline treats it.
package record

// Kind is the run-level record kind. It drives endpoint selection, transform
// assembly, and batching rules.
type Kind string

const (
	KindEvent          Kind = "event"
	KindUser           Kind = "user"
	KindGroup          Kind = "group"
	KindTable          Kind = "table"
	KindSCD            Kind = "scd"
	KindExport         Kind = "export"
	KindProfileExport  Kind = "profile-export"
	KindExportEvents   Kind = "export-import-events"
	KindExportProfiles Kind = "export-import-profiles"
)

// IsProfile reports whether records of this kind carry profile directives.
func (k Kind) IsProfile() bool {
	return k == KindUser || k == KindGroup
}

// IsEventShaped reports whether records of this kind go through the event
// transforms (time coercion, insert-id synthesis).
func (k Kind) IsEventShaped() bool {
	return k == KindEvent || k == KindSCD || k == KindExportEvents
}

// IsExport reports whether the run pulls data out of the API instead of
// pushing into it.
func (k Kind) IsExport() bool {
	return k == KindExport || k == KindProfileExport
}

// Directives are the profile operations recognized on user and group
// records. A normalized profile carries exactly one of them.
var Directives = []string{"$set", "$set_once", "$add", "$union", "$append", "$remove", "$unset"}

var directiveAliases = map[string]string{
	"set":      "$set",
	"set_once": "$set_once",
	"add":      "$add",
	"union":    "$union",
	"append":   "$append",
	"remove":   "$remove",
	"unset":    "$unset",
}

// NormalizeDirectiveKeys rewrites bare directive names (set, set_once, ...)
// to their $-prefixed wire forms in place.
func NormalizeDirectiveKeys(m map[string]any) {
	for bare, wire := range directiveAliases {
		if v, ok := m[bare]; ok {
			if _, taken := m[wire]; !taken {
				m[wire] = v
			}
			delete(m, bare)
		}
	}
}

// ActiveDirective returns the wire name and payload of the record's profile
// directive. ok is false when the record carries none.
func ActiveDirective(m map[string]any) (string, map[string]any, bool) {
	for _, d := range Directives {
		if v, ok := m[d]; ok {
			payload, _ := v.(map[string]any)
			return d, payload, true
		}
	}
	return "", nil, false
}

// ReservedProfileAttrs are profile attributes the ingest API treats as
// first-class; shape normalization prefixes them with "$".
var ReservedProfileAttrs = map[string]struct{}{
	"name":         {},
	"first_name":   {},
	"last_name":    {},
	"email":        {},
	"phone":        {},
	"avatar":       {},
	"created":      {},
	"city":         {},
	"region":       {},
	"country_code": {},
	"timezone":     {},
	"ip":           {},
}

// IdentityKeys are the keys shape normalization promotes out of a profile's
// directive payload, in lookup order.
var IdentityKeys = []string{"$distinct_id", "distinct_id", "$group_id", "group_id", "$group_key", "group_key", "$token", "token"}

// Clone returns a deep copy of a record. Nested maps and slices are copied;
// scalars are shared.
func Clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return Clone(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
