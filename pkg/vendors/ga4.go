package vendors

import (
	"github.com/Jeffail/gabs/v2"

	"github.com/evtstream/mixetl/pkg/record"
)

// ga4 maps BigQuery-export rows from Google Analytics 4. Timestamps arrive
// in microseconds and custom parameters as typed key/value wrappers.
type ga4 struct{}

func (*ga4) Name() string { return "ga4" }

var ga4IDPaths = []string{"user_id", "user_pseudo_id", "client_id"}

var ga4Defaults = map[string]string{
	"device.operating_system":         "$os",
	"device.operating_system_version": "$os_version",
	"device.category":                 "$device",
	"device.mobile_model_name":        "$model",
	"device.web_info.browser":         "$browser",
	"device.web_info.browser_version": "$browser_version",
	"geo.city":                        "$city",
	"geo.region":                      "$region",
	"geo.country":                     "mp_country_code",
	"traffic_source.source":           "utm_source",
	"traffic_source.medium":           "utm_medium",
	"traffic_source.name":             "utm_campaign",
}

const microsCutoff = int64(1e14)

func (g *ga4) Apply(kind record.Kind, m map[string]any) ([]map[string]any, error) {
	switch {
	case kind == record.KindEvent || kind == record.KindSCD:
		return g.event(m)
	case kind.IsProfile():
		return g.profile(m)
	default:
		return nil, ErrUnsupported
	}
}

func (g *ga4) event(m map[string]any) ([]map[string]any, error) {
	id := firstID(m, ga4IDPaths...)
	if id == "" {
		return nil, nil
	}
	name := asString(m["event_name"])
	if name == "" {
		return nil, nil
	}

	tv := m["event_timestamp"]
	ms, timeOK := ga4Time(tv)

	props := flattenParams(m["event_params"])
	for from := range ga4Defaults {
		if v := firstRaw(m, from); v != nil {
			props[from] = v
		}
	}
	remapDefaults(props, ga4Defaults)

	insertID := record.InsertID(id, asString(tv), name)
	out := eventRecord(name, id, insertID, ms, props)
	if !timeOK {
		delete(asMap(out["properties"]), "time")
	}
	return []map[string]any{out}, nil
}

func (g *ga4) profile(m map[string]any) ([]map[string]any, error) {
	id := firstID(m, ga4IDPaths...)
	if id == "" {
		return nil, nil
	}
	set := flattenParams(m["user_properties"])
	if len(set) == 0 {
		return nil, nil
	}
	return []map[string]any{{
		"$distinct_id": id,
		"$set":         set,
	}}, nil
}

// ga4Time coerces GA4's microsecond epochs, falling back to the generic
// coercion for anything smaller.
func ga4Time(v any) (int64, bool) {
	var n int64
	switch v := v.(type) {
	case float64:
		n = int64(v)
	case int64:
		n = v
	case string:
		return record.CoerceTime(v)
	default:
		return record.CoerceTime(v)
	}
	if n >= microsCutoff {
		return n / 1000, true
	}
	return record.CoerceTime(n)
}

// flattenParams collapses GA4's [{key, value:{string_value|int_value|
// float_value|double_value}}] arrays into a flat mapping.
func flattenParams(v any) map[string]any {
	out := make(map[string]any)
	params, _ := v.([]any)
	for _, p := range params {
		pm := asMap(p)
		key := asString(pm["key"])
		if key == "" {
			continue
		}
		val := asMap(pm["value"])
		for _, typed := range []string{"string_value", "int_value", "float_value", "double_value"} {
			if tv, ok := val[typed]; ok && tv != nil {
				out[key] = tv
				break
			}
		}
	}
	return out
}

// firstRaw resolves a dotted path without the identity filtering firstID
// applies.
func firstRaw(m map[string]any, path string) any {
	return gabs.Wrap(m).Path(path).Data()
}
