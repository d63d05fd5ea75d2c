package vendors

import (
	"github.com/evtstream/mixetl/pkg/record"
)

// amplitude maps Amplitude (and June, which exports the same schema) rows.
type amplitude struct {
	idPaths []string
}

func (*amplitude) Name() string { return "amplitude" }

var amplitudeIDPaths = []string{"user_id", "device_id", "amplitude_id", "uuid"}

var amplitudeDefaults = map[string]string{
	"os_name":      "$os",
	"os_version":   "$os_version",
	"device_model": "$model",
	"device_brand": "$brand",
	"platform":     "$device",
	"city":         "$city",
	"region":       "$region",
	"country":      "mp_country_code",
	"language":     "$browser_language",
	"version_name": "$app_version_string",
	"ip_address":   "ip",
}

func (a *amplitude) Apply(kind record.Kind, m map[string]any) ([]map[string]any, error) {
	switch {
	case kind == record.KindEvent || kind == record.KindSCD:
		return a.event(m)
	case kind.IsProfile():
		return a.profile(m)
	default:
		return nil, ErrUnsupported
	}
}

func (a *amplitude) event(m map[string]any) ([]map[string]any, error) {
	id := firstID(m, a.idPaths...)
	if id == "" {
		return nil, nil
	}
	name := asString(m["event_type"])
	if name == "" {
		return nil, nil
	}

	tv := m["time"]
	if tv == nil {
		tv = m["event_time"]
	}
	ms, timeOK := record.CoerceTime(tv)

	insertID := firstID(m, "insert_id", "$insert_id")
	if insertID == "" {
		insertID = record.InsertID(id, asString(tv), name)
	}

	props := asMap(m["event_properties"])
	if props == nil {
		props = make(map[string]any)
	}
	for from := range amplitudeDefaults {
		if v, ok := m[from]; ok {
			props[from] = v
		}
	}
	remapDefaults(props, amplitudeDefaults)

	out := eventRecord(name, id, insertID, ms, props)
	if !timeOK {
		delete(asMap(out["properties"]), "time")
	}
	return []map[string]any{out}, nil
}

// profile turns the row's user_properties into a $set operation keyed by the
// same identity precedence as events.
func (a *amplitude) profile(m map[string]any) ([]map[string]any, error) {
	id := firstID(m, a.idPaths...)
	if id == "" {
		return nil, nil
	}
	set := asMap(m["user_properties"])
	if len(set) == 0 {
		return nil, nil
	}
	return []map[string]any{{
		"$distinct_id": id,
		"$set":         set,
	}}, nil
}
