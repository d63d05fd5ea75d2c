package transform

import (
	"strconv"
	"strings"

	"github.com/Jeffail/gabs/v2"
)

// Property trees come from JSON and are assumed acyclic, but recursion is
// still depth-bounded defensively.
const maxWalkDepth = 64

// propertyScrub deletes the configured keys anywhere in the record,
// depth-first.
func (c *Chain) propertyScrub(m map[string]any) map[string]any {
	scrub(m, c.o.ScrubProps, 0)
	return m
}

func scrub(v any, keys []string, depth int) {
	if depth > maxWalkDepth {
		return
	}
	switch v := v.(type) {
	case map[string]any:
		for _, k := range keys {
			delete(v, k)
		}
		for _, child := range v {
			scrub(child, keys, depth+1)
		}
	case []any:
		for _, child := range v {
			scrub(child, keys, depth+1)
		}
	}
}

// flatten collapses nested mappings under the property bag into dotted
// keys. Sequences are left intact. Idempotent on bags without dotted keys.
func (c *Chain) flatten(m map[string]any) map[string]any {
	bag := c.bag(m)
	flat := make(map[string]any, len(bag))
	flattenInto(flat, "", bag, 0)
	for k := range bag {
		delete(bag, k)
	}
	for k, v := range flat {
		bag[k] = v
	}
	return m
}

func flattenInto(dst map[string]any, prefix string, src map[string]any, depth int) {
	for k, v := range src {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok && depth < maxWalkDepth {
			flattenInto(dst, key, child, depth+1)
			continue
		}
		dst[key] = v
	}
}

// jsonFix replaces property values that are stringified JSON (including
// double-stringified and backslash-escaped forms) with their parsed
// equivalents. Values that fail to parse are left unchanged.
func (c *Chain) jsonFix(m map[string]any) map[string]any {
	bag := c.bag(m)
	wrapped := gabs.Wrap(bag)
	for k, v := range bag {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if parsed, ok := parseEmbeddedJSON(s); ok {
			wrapped.Set(parsed, k)
		}
	}
	return m
}

// parseEmbeddedJSON tries progressively harder to recover a JSON value from
// a string: direct parse, unquote-then-parse for double-stringified values,
// and backslash-unescape for vendor exports that escape quotes.
func parseEmbeddedJSON(s string) (any, bool) {
	t := strings.TrimSpace(s)
	for attempt := 0; attempt < 3; attempt++ {
		switch {
		case strings.HasPrefix(t, "{") || strings.HasPrefix(t, "["):
			var v any
			if err := json.Unmarshal([]byte(t), &v); err == nil {
				return v, true
			}
			unescaped := strings.ReplaceAll(t, `\"`, `"`)
			if unescaped != t {
				if err := json.Unmarshal([]byte(unescaped), &v); err == nil {
					return v, true
				}
			}
			return nil, false
		case strings.HasPrefix(t, `"`):
			unq, err := strconv.Unquote(t)
			if err != nil {
				return nil, false
			}
			t = strings.TrimSpace(unq)
		default:
			return nil, false
		}
	}
	return nil, false
}
