package vendors

import (
	"github.com/evtstream/mixetl/pkg/record"
)

// heap maps Heap export rows. Heap stamps every row with a stable event_id,
// which becomes the insert id directly.
type heap struct {
	idPaths []string
}

func (*heap) Name() string { return "heap" }

var heapIDPaths = []string{"user_id", "identity", "id"}

var heapDefaults = map[string]string{
	"browser":     "$browser",
	"device_type": "$device",
	"platform":    "$os",
	"city":        "$city",
	"region":      "$region",
	"country":     "mp_country_code",
	"library":     "$lib",
	"ip":          "ip",
}

func (h *heap) Apply(kind record.Kind, m map[string]any) ([]map[string]any, error) {
	switch {
	case kind == record.KindEvent || kind == record.KindSCD:
		return h.event(m)
	case kind.IsProfile():
		return h.profile(m)
	default:
		return nil, ErrUnsupported
	}
}

func (h *heap) event(m map[string]any) ([]map[string]any, error) {
	id := firstID(m, h.idPaths...)
	if id == "" {
		return nil, nil
	}
	name := asString(m["event"])
	if name == "" {
		name = asString(m["type"])
	}
	if name == "" {
		return nil, nil
	}

	tv := m["time"]
	ms, timeOK := record.CoerceTime(tv)

	insertID := firstID(m, "event_id")
	if insertID == "" {
		insertID = record.InsertID(id, asString(tv), name)
	}

	props := make(map[string]any, len(m))
	for k, v := range m {
		switch k {
		case "event", "type", "time", "event_id", "user_id", "identity", "id":
			continue
		}
		props[k] = v
	}
	remapDefaults(props, heapDefaults)

	out := eventRecord(name, id, insertID, ms, props)
	if !timeOK {
		delete(asMap(out["properties"]), "time")
	}
	return []map[string]any{out}, nil
}

func (h *heap) profile(m map[string]any) ([]map[string]any, error) {
	id := firstID(m, h.idPaths...)
	if id == "" {
		return nil, nil
	}
	set := asMap(m["properties"])
	if set == nil {
		set = make(map[string]any, len(m))
		for k, v := range m {
			switch k {
			case "user_id", "identity", "id":
				continue
			}
			set[k] = v
		}
	}
	if len(set) == 0 {
		return nil, nil
	}
	return []map[string]any{{
		"$distinct_id": id,
		"$set":         set,
	}}, nil
}
