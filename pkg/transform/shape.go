package transform

import (
	"strconv"

	"github.com/evtstream/mixetl/pkg/record"
)

var eventKeyRenames = map[string]string{
	"user_id":   "$user_id",
	"device_id": "$device_id",
	"source":    "$source",
}

// shapeFix normalizes a record into the target ingest shape. Events get
// their loose top-level keys promoted into properties, time coerced to unix
// ms, and a deterministic insert id; profiles get exactly one directive
// with identity and token promoted out of it.
func (c *Chain) shapeFix(m map[string]any) map[string]any {
	if c.o.Kind().IsProfile() {
		return c.fixProfileShape(m)
	}
	return c.fixEventShape(m)
}

func (c *Chain) fixEventShape(m map[string]any) map[string]any {
	if _, ok := m["event"]; !ok {
		if v, ok := m["name"]; ok {
			m["event"] = v
			delete(m, "name")
		}
	}

	props, _ := m["properties"].(map[string]any)
	if props == nil {
		props = make(map[string]any)
	}
	for k, v := range m {
		if k == "event" || k == "properties" {
			continue
		}
		props[k] = v
		delete(m, k)
	}
	m["properties"] = props

	for from, to := range eventKeyRenames {
		if v, ok := props[from]; ok {
			props[to] = v
			delete(props, from)
		}
	}

	tv, ok := props["time"]
	if !ok {
		c.st.Unparsable.Add(1)
		return nil
	}
	ms, ok := record.CoerceTime(tv)
	if !ok {
		c.st.Unparsable.Add(1)
		return nil
	}
	props["time"] = ms

	// When an insert-id tuple is configured, synthesis belongs to the
	// dedicated insert-id-add stage.
	if _, ok := props["$insert_id"]; !ok && len(c.o.InsertIDTuple) == 0 {
		name, _ := m["event"].(string)
		props["$insert_id"] = record.InsertID(name, stringify(distinctID(props)), strconv.FormatInt(ms, 10))
	}
	return m
}

func distinctID(props map[string]any) any {
	for _, k := range []string{"distinct_id", "$distinct_id", "$user_id", "$device_id"} {
		if v, ok := props[k]; ok {
			return v
		}
	}
	return ""
}

var topLevelIdentityRenames = map[string]string{
	"distinct_id": "$distinct_id",
	"group_id":    "$group_id",
	"group_key":   "$group_key",
	"token":       "$token",
}

func (c *Chain) fixProfileShape(m map[string]any) map[string]any {
	record.NormalizeDirectiveKeys(m)

	d, payload, ok := record.ActiveDirective(m)
	if !ok {
		// No directive: wrap every non-identity field into $set.
		payload = make(map[string]any)
		for k, v := range m {
			if _, isIdentity := topLevelIdentityRenames[k]; isIdentity {
				continue
			}
			switch k {
			case "$distinct_id", "$group_id", "$group_key", "$token":
				continue
			}
			payload[k] = v
			delete(m, k)
		}
		d = "$set"
		m[d] = payload
	}
	if payload == nil {
		payload = make(map[string]any)
		m[d] = payload
	}

	// Promote identity and token out of the directive payload.
	for bare, wire := range topLevelIdentityRenames {
		if v, ok := payload[bare]; ok {
			if _, taken := m[wire]; !taken {
				m[wire] = v
			}
			delete(payload, bare)
		}
		if v, ok := payload[wire]; ok {
			if _, taken := m[wire]; !taken {
				m[wire] = v
			}
			delete(payload, wire)
		}
	}
	for bare, wire := range topLevelIdentityRenames {
		if v, ok := m[bare]; ok {
			if _, taken := m[wire]; !taken {
				m[wire] = v
			}
			delete(m, bare)
		}
	}

	// Reserved profile attributes get the "$" prefix inside the directive.
	for k, v := range payload {
		if _, reserved := record.ReservedProfileAttrs[k]; reserved {
			if _, taken := payload["$"+k]; !taken {
				payload["$"+k] = v
			}
			delete(payload, k)
		}
	}

	if c.o.Kind() == record.KindGroup {
		if _, ok := m["$group_key"]; !ok && c.o.GroupKey != "" {
			m["$group_key"] = c.o.GroupKey
		}
	}
	return m
}

// v2Compat backfills distinct_id from the renamed $user_id / $device_id for
// callers migrating off the v2 track.
func (c *Chain) v2Compat(m map[string]any) map[string]any {
	props, _ := m["properties"].(map[string]any)
	if props == nil {
		return m
	}
	if _, ok := props["distinct_id"]; ok {
		return m
	}
	if v, ok := props["$user_id"]; ok {
		props["distinct_id"] = v
		return m
	}
	if v, ok := props["$device_id"]; ok {
		props["distinct_id"] = v
	}
	return m
}

// scdTransform reshapes an SCD row onto the event ingest form: the change
// value rides in properties, and the row is stamped with a deterministic
// insert id so replays dedupe server-side.
func (c *Chain) scdTransform(m map[string]any) map[string]any {
	if _, ok := m["event"]; !ok {
		m["event"] = "$scd"
	}
	props, _ := m["properties"].(map[string]any)
	if props == nil {
		props = make(map[string]any)
		for k, v := range m {
			if k == "event" || k == "properties" {
				continue
			}
			props[k] = v
			delete(m, k)
		}
		m["properties"] = props
	}
	return m
}

func stringify(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return string(record.Canonical(v))
	}
}
