// Package vendors maps foreign analytics schemas onto the target ingest
// shape. Adapters run ahead of the generic transform chain: they extract
// identities, synthesize deterministic insert ids, remap vendor default
// properties to reserved names, and flatten vendor parameter arrays. An
// adapter may emit zero, one, or several records per input.
package vendors

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Jeffail/gabs/v2"

	"github.com/evtstream/mixetl/pkg/config"
	"github.com/evtstream/mixetl/pkg/record"
)

// ErrUnsupported marks a (vendor, kind) pair the adapter cannot serve.
var ErrUnsupported = errors.New("unsupported record kind for vendor")

// Adapter translates one foreign record into target-shaped records. A nil
// slice with a nil error skips the record.
type Adapter interface {
	Name() string
	Apply(kind record.Kind, m map[string]any) ([]map[string]any, error)
}

// New resolves a vendor name to its adapter. June's export schema is
// Amplitude's, so it shares that adapter; "mixpanel" is the identity.
// VendorOpts tunes an adapter: "idPaths" overrides the identity candidate
// paths (amplitude, heap, posthog), "identityTypes" overrides the
// user-identity precedence (mparticle). Unrecognized keys are ignored.
func New(name string, o *config.Options) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "mixpanel":
		return identity{}, nil
	case "amplitude", "june":
		return &amplitude{idPaths: optStrings(o, "idPaths", amplitudeIDPaths)}, nil
	case "heap":
		return &heap{idPaths: optStrings(o, "idPaths", heapIDPaths)}, nil
	case "ga4":
		return &ga4{}, nil
	case "mparticle":
		return &mparticle{identityTypes: optStrings(o, "identityTypes", mparticleIdentityTypes)}, nil
	case "posthog":
		return &posthog{idPaths: optStrings(o, "idPaths", posthogIDPaths)}, nil
	default:
		return nil, fmt.Errorf("unknown vendor %q", name)
	}
}

// optStrings reads a VendorOpts key as a string list. YAML and JSON decode
// lists as []any; programmatic callers may pass []string directly.
func optStrings(o *config.Options, key string, def []string) []string {
	if o == nil || o.VendorOpts == nil {
		return def
	}
	switch v := o.VendorOpts[key].(type) {
	case []string:
		if len(v) > 0 {
			return v
		}
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s := asString(e); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}

// identity passes records through untouched.
type identity struct{}

func (identity) Name() string { return "mixpanel" }

func (identity) Apply(_ record.Kind, m map[string]any) ([]map[string]any, error) {
	return []map[string]any{m}, nil
}

// badIDs are identity values that look present but carry no identity.
var badIDs = map[string]struct{}{
	"":          {},
	"null":      {},
	"nil":       {},
	"undefined": {},
	"0":         {},
	"-1":        {},
	"anonymous": {},
	"none":      {},
	"n/a":       {},
	"nan":       {},
	"unknown":   {},
}

// goodID rejects placeholder identities.
func goodID(s string) bool {
	_, bad := badIDs[strings.ToLower(strings.TrimSpace(s))]
	return !bad
}

// firstID walks candidate paths (dotted for nested lookups) in order and
// returns the first usable identity.
func firstID(m map[string]any, paths ...string) string {
	c := gabs.Wrap(m)
	for _, p := range paths {
		v := c.Path(p).Data()
		if v == nil {
			continue
		}
		if s := asString(v); goodID(s) {
			return s
		}
	}
	return ""
}

func asString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return string(record.Canonical(v))
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// remapDefaults moves vendor default properties onto reserved target names.
// Missing sources are skipped; existing targets are not overwritten.
func remapDefaults(props map[string]any, renames map[string]string) {
	for from, to := range renames {
		if from == to {
			continue
		}
		v, ok := props[from]
		if !ok {
			continue
		}
		if _, taken := props[to]; !taken {
			props[to] = v
		}
		delete(props, from)
	}
}

// eventRecord assembles the common target event shape. Time must already be
// unix ms.
func eventRecord(name, distinctID, insertID string, ms int64, props map[string]any) map[string]any {
	if props == nil {
		props = make(map[string]any)
	}
	props["distinct_id"] = distinctID
	props["time"] = ms
	props["$insert_id"] = insertID
	return map[string]any{"event": name, "properties": props}
}
