package vendors

import (
	"strings"

	"github.com/evtstream/mixetl/pkg/record"
)

// posthog maps PostHog export rows. PostHog already $-prefixes its default
// properties, so the event path mostly renames the handful that differ and
// strips library internals.
type posthog struct {
	idPaths []string
}

func (*posthog) Name() string { return "posthog" }

var posthogIDPaths = []string{"distinct_id", "properties.distinct_id", "properties.$anon_distinct_id"}

var posthogDefaults = map[string]string{
	"$geoip_city_name":          "$city",
	"$geoip_subdivision_1_name": "$region",
	"$geoip_country_code":       "mp_country_code",
	"$device_type":              "$device",
}

// Library bookkeeping keys dropped from the output.
var posthogInternalExact = map[string]struct{}{
	"$lib": {}, "$lib_version": {}, "$set": {}, "$set_once": {}, "$groups": {},
}

var posthogInternalPrefixes = []string{"$feature/", "$plugins_"}

func (p *posthog) Apply(kind record.Kind, m map[string]any) ([]map[string]any, error) {
	switch {
	case kind == record.KindEvent || kind == record.KindSCD:
		return p.event(m)
	case kind.IsProfile():
		return p.profile(m)
	default:
		return nil, ErrUnsupported
	}
}

func (p *posthog) event(m map[string]any) ([]map[string]any, error) {
	id := firstID(m, p.idPaths...)
	if id == "" {
		return nil, nil
	}
	name := asString(m["event"])
	if name == "" {
		return nil, nil
	}

	tv := m["timestamp"]
	if tv == nil {
		tv = m["sent_at"]
	}
	ms, timeOK := record.CoerceTime(tv)

	insertID := firstID(m, "uuid", "id")
	if insertID == "" {
		insertID = record.InsertID(id, asString(tv), name)
	} else {
		insertID = record.InsertID(insertID)
	}

	src := asMap(m["properties"])
	props := make(map[string]any, len(src))
	for k, v := range src {
		if posthogDropKey(k) {
			continue
		}
		props[k] = v
	}
	remapDefaults(props, posthogDefaults)
	delete(props, "distinct_id")
	delete(props, "$anon_distinct_id")

	out := eventRecord(name, id, insertID, ms, props)
	if !timeOK {
		delete(asMap(out["properties"]), "time")
	}
	return []map[string]any{out}, nil
}

func posthogDropKey(k string) bool {
	if _, ok := posthogInternalExact[k]; ok {
		return true
	}
	for _, prefix := range posthogInternalPrefixes {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// profile lifts a $set / $set_once payload off the event when present,
// otherwise treats person_properties as the set payload.
func (p *posthog) profile(m map[string]any) ([]map[string]any, error) {
	id := firstID(m, p.idPaths...)
	if id == "" {
		return nil, nil
	}
	src := asMap(m["properties"])
	for _, d := range []string{"$set", "$set_once"} {
		if payload := asMap(src[d]); len(payload) > 0 {
			return []map[string]any{{
				"$distinct_id": id,
				d:              payload,
			}}, nil
		}
	}
	if payload := asMap(m["person_properties"]); len(payload) > 0 {
		return []map[string]any{{
			"$distinct_id": id,
			"$set":         payload,
		}}, nil
	}
	return nil, nil
}
