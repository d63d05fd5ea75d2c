package transform

import (
	"github.com/evtstream/mixetl/pkg/record"
)

// aliasApply renames top-level and property keys per the configured mapping.
func (c *Chain) aliasApply(m map[string]any) map[string]any {
	applyAliases(m, c.o.Aliases)
	if props, ok := m["properties"].(map[string]any); ok {
		applyAliases(props, c.o.Aliases)
	}
	return m
}

func applyAliases(m map[string]any, aliases map[string]string) {
	for from, to := range aliases {
		if v, ok := m[from]; ok {
			m[to] = v
			delete(m, from)
		}
	}
}

// nullRemove drops keys bound to null, empty string, empty mapping, or
// empty sequence under properties and the directive payloads.
func (c *Chain) nullRemove(m map[string]any) map[string]any {
	if props, ok := m["properties"].(map[string]any); ok {
		removeNullish(props)
	}
	for _, d := range record.Directives {
		if payload, ok := m[d].(map[string]any); ok {
			removeNullish(payload)
		}
	}
	return m
}

func removeNullish(m map[string]any) {
	for k, v := range m {
		if isNullish(v) {
			delete(m, k)
		}
	}
}

func isNullish(v any) bool {
	switch v := v.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case map[string]any:
		return len(v) == 0
	case []any:
		return len(v) == 0
	default:
		return false
	}
}

// utcOffset shifts event time by the configured number of hours. The value
// may be in seconds or milliseconds at this point in the chain; the shift
// preserves the unit.
func (c *Chain) utcOffset(m map[string]any) map[string]any {
	props, _ := m["properties"].(map[string]any)
	if props == nil {
		return m
	}
	t, ok := numericTime(props["time"])
	if !ok {
		return m
	}
	shift := int64(c.o.TimeOffset) * 3600
	if t >= 1e12 { // milliseconds
		shift *= 1000
	}
	props["time"] = t + shift
	return m
}

func numericTime(v any) (int64, bool) {
	switch v := v.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// tagAdd merges the fixed tag mapping into the record's property bag.
func (c *Chain) tagAdd(m map[string]any) map[string]any {
	bag := c.bag(m)
	for k, v := range c.o.Tags {
		bag[k] = v
	}
	return m
}

// tokenAdd stamps the project token onto every record.
func (c *Chain) tokenAdd(m map[string]any) map[string]any {
	if c.o.Kind().IsProfile() {
		if _, ok := m["$token"]; !ok {
			m["$token"] = c.o.Token
		}
		return m
	}
	props, _ := m["properties"].(map[string]any)
	if props == nil {
		props = make(map[string]any)
		m["properties"] = props
	}
	if _, ok := props["token"]; !ok {
		props["token"] = c.o.Token
	}
	return m
}

// timeTransform enforces a numeric unix-ms event time late in the chain,
// catching records that skipped shape-fix.
func (c *Chain) timeTransform(m map[string]any) map[string]any {
	props, _ := m["properties"].(map[string]any)
	if props == nil {
		return m
	}
	tv, ok := props["time"]
	if !ok {
		return m
	}
	ms, ok := record.CoerceTime(tv)
	if !ok {
		c.st.Unparsable.Add(1)
		return nil
	}
	props["time"] = ms
	return m
}

// columnDrop deletes configured top-level columns.
func (c *Chain) columnDrop(m map[string]any) map[string]any {
	for _, col := range c.o.DropColumns {
		delete(m, col)
	}
	return m
}

// insertIDAdd builds an insert id from the configured source-key tuple,
// falling back to the whole-record hash when the tuple cannot be assembled.
func (c *Chain) insertIDAdd(m map[string]any) map[string]any {
	props, _ := m["properties"].(map[string]any)
	if props == nil {
		props = make(map[string]any)
		m["properties"] = props
	}
	if _, ok := props["$insert_id"]; ok {
		return m
	}
	parts := make([]string, 0, len(c.o.InsertIDTuple))
	for _, key := range c.o.InsertIDTuple {
		v, ok := m[key]
		if !ok {
			v, ok = props[key]
		}
		if !ok || v == nil {
			props["$insert_id"] = record.InsertIDFromRecord(m)
			return m
		}
		parts = append(parts, stringify(v))
	}
	props["$insert_id"] = record.InsertID(parts...)
	return m
}
