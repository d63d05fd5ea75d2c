// Package transform implements the ordered per-record mutator chain:
// shape normalization, time coercion, insert-id synthesis, allow/deny
// filtering, flattening, scrubbing, and dedupe. Stages are assembled once at
// init from the enabled options; disabled stages never appear in the active
// list.
package transform

import (
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/evtstream/mixetl/pkg/config"
	"github.com/evtstream/mixetl/pkg/job"
	"github.com/evtstream/mixetl/pkg/record"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// A stage maps a record to its successor. Returning nil drops the record
// with the stage's own counter already bumped; returning an empty map drops
// it silently (counted as empty by the chain).
type stage struct {
	name string
	fn   func(map[string]any) map[string]any
}

// Chain is the assembled, fixed-order transform list for one run.
type Chain struct {
	o      *config.Options
	st     *job.State
	stages []stage

	dedupeMu  sync.Mutex
	dedupeSet map[uint64]struct{}
}

// New assembles the chain from the enabled options. The canonical stage
// order is fixed; options only decide membership.
func New(o *config.Options, st *job.State) *Chain {
	c := &Chain{o: o, st: st}
	kind := o.Kind()

	if len(o.Aliases) > 0 {
		c.add("alias-apply", c.aliasApply)
	}
	if kind == record.KindSCD {
		c.add("scd-transform", c.scdTransform)
	}
	if o.FixData {
		c.add("shape-fix", c.shapeFix)
	}
	if o.V2Compat && kind.IsEventShaped() {
		c.add("v2-compat", c.v2Compat)
	}
	if o.RemoveNulls {
		c.add("null-remove", c.nullRemove)
	}
	if o.TimeOffset != 0 && kind.IsEventShaped() {
		c.add("utc-offset", c.utcOffset)
	}
	if len(o.Tags) > 0 {
		c.add("tag-add", c.tagAdd)
	}
	if c.hasFilters() {
		c.add("allow-deny-list", c.allowDeny)
	}
	if (o.EpochStart > 0 || o.EpochEnd > 0) && kind.IsEventShaped() {
		c.add("epoch-filter", c.epochFilter)
	}
	if len(o.ScrubProps) > 0 {
		c.add("property-scrub", c.propertyScrub)
	}
	if len(o.DropColumns) > 0 {
		c.add("column-drop", c.columnDrop)
	}
	if o.FlattenData {
		c.add("flatten", c.flatten)
	}
	if o.FixJSON {
		c.add("json-fix", c.jsonFix)
	}
	if len(o.InsertIDTuple) > 0 && kind.IsEventShaped() {
		c.add("insert-id-add", c.insertIDAdd)
	}
	if o.AddToken && o.Token != "" {
		c.add("token-add", c.tokenAdd)
	}
	if o.FixTime && kind.IsEventShaped() {
		c.add("time-transform", c.timeTransform)
	}
	if o.TransformFunc != nil {
		c.add("transform-func", c.userTransform)
	}
	if o.Dedupe {
		c.dedupeSet = make(map[uint64]struct{})
	}
	return c
}

func (c *Chain) add(name string, fn func(map[string]any) map[string]any) {
	c.stages = append(c.stages, stage{name: name, fn: fn})
}

// Stages returns the names of the active stages, in order.
func (c *Chain) Stages() []string {
	out := make([]string, len(c.stages))
	for i, s := range c.stages {
		out[i] = s.name
	}
	return out
}

// Apply runs the record through the chain. ok is false when the record was
// dropped; the responsible counter has already been incremented.
func (c *Chain) Apply(m map[string]any) (map[string]any, bool) {
	for _, s := range c.stages {
		m = s.fn(m)
		if m == nil {
			return nil, false
		}
		if len(m) == 0 {
			c.st.Empty.Add(1)
			return nil, false
		}
	}
	if c.dedupeSet != nil {
		key := record.Sum64(m)
		c.dedupeMu.Lock()
		_, dup := c.dedupeSet[key]
		if !dup {
			c.dedupeSet[key] = struct{}{}
		}
		c.dedupeMu.Unlock()
		if dup {
			c.st.Duplicates.Add(1)
			return nil, false
		}
	}
	return m, true
}

func (c *Chain) hasFilters() bool {
	o := c.o
	return len(o.EventWhitelist) > 0 || len(o.EventBlacklist) > 0 ||
		len(o.PropKeyWhitelist) > 0 || len(o.PropKeyBlacklist) > 0 ||
		len(o.PropValWhitelist) > 0 || len(o.PropValBlacklist) > 0 ||
		len(o.ComboWhiteList) > 0 || len(o.ComboBlackList) > 0
}

// bag returns the record's mutable property container: properties for
// event-shaped records, the active directive payload for profiles, the
// record itself otherwise.
func (c *Chain) bag(m map[string]any) map[string]any {
	if c.o.Kind().IsEventShaped() {
		if props, ok := m["properties"].(map[string]any); ok {
			return props
		}
		return m
	}
	if c.o.Kind().IsProfile() {
		if _, payload, ok := record.ActiveDirective(m); ok && payload != nil {
			return payload
		}
	}
	return m
}

func (c *Chain) userTransform(m map[string]any) map[string]any {
	out := c.o.TransformFunc(m)
	if out == nil {
		return map[string]any{}
	}
	return out
}
