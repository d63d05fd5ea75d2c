package transform

import (
	"github.com/evtstream/mixetl/pkg/config"
	"github.com/evtstream/mixetl/pkg/record"
)

// allowDeny applies the allow/deny lists over event name, property keys,
// property values, and composite key+value rules. Allow lists keep only
// matching records; deny lists drop matching records. Applying a filter
// twice is equivalent to applying it once.
func (c *Chain) allowDeny(m map[string]any) map[string]any {
	o := c.o
	bag := c.bag(m)

	if c.o.Kind().IsEventShaped() {
		name, _ := m["event"].(string)
		if len(o.EventWhitelist) > 0 && !containsString(o.EventWhitelist, name) {
			c.st.AllowSkipped.Add(1)
			return nil
		}
		if len(o.EventBlacklist) > 0 && containsString(o.EventBlacklist, name) {
			c.st.DenySkipped.Add(1)
			return nil
		}
	}

	if len(o.PropKeyWhitelist) > 0 && !anyKeyIn(bag, o.PropKeyWhitelist) {
		c.st.AllowSkipped.Add(1)
		return nil
	}
	if len(o.PropKeyBlacklist) > 0 && anyKeyIn(bag, o.PropKeyBlacklist) {
		c.st.DenySkipped.Add(1)
		return nil
	}

	if len(o.PropValWhitelist) > 0 && !anyValueIn(bag, o.PropValWhitelist) {
		c.st.AllowSkipped.Add(1)
		return nil
	}
	if len(o.PropValBlacklist) > 0 && anyValueIn(bag, o.PropValBlacklist) {
		c.st.DenySkipped.Add(1)
		return nil
	}

	if len(o.ComboWhiteList) > 0 && !anyComboMatch(bag, o.ComboWhiteList) {
		c.st.AllowSkipped.Add(1)
		return nil
	}
	if len(o.ComboBlackList) > 0 && anyComboMatch(bag, o.ComboBlackList) {
		c.st.DenySkipped.Add(1)
		return nil
	}
	return m
}

// epochFilter drops events whose time falls outside the configured
// [epochStart, epochEnd] second bounds.
func (c *Chain) epochFilter(m map[string]any) map[string]any {
	props, _ := m["properties"].(map[string]any)
	if props == nil {
		return m
	}
	t, ok := numericTime(props["time"])
	if !ok {
		return m
	}
	secs := t
	if secs >= 1e12 {
		secs /= 1000
	}
	if c.o.EpochStart > 0 && secs < c.o.EpochStart {
		c.st.OutOfBounds.Add(1)
		return nil
	}
	if c.o.EpochEnd > 0 && secs > c.o.EpochEnd {
		c.st.OutOfBounds.Add(1)
		return nil
	}
	return m
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func anyKeyIn(bag map[string]any, keys []string) bool {
	for _, k := range keys {
		if _, ok := bag[k]; ok {
			return true
		}
	}
	return false
}

func anyValueIn(bag map[string]any, values []any) bool {
	for _, have := range bag {
		for _, want := range values {
			if valuesEqual(have, want) {
				return true
			}
		}
	}
	return false
}

func anyComboMatch(bag map[string]any, rules []config.ComboRule) bool {
	for _, r := range rules {
		have, ok := bag[r.Key]
		if !ok {
			continue
		}
		for _, want := range r.Values {
			if valuesEqual(have, want) {
				return true
			}
		}
	}
	return false
}

// valuesEqual compares via canonical serialization so that a decoded
// float64(1) and a configured int 1 match.
func valuesEqual(a, b any) bool {
	return string(record.Canonical(a)) == string(record.Canonical(b))
}
