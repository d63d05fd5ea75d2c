package vendors

import (
	"fmt"

	"github.com/evtstream/mixetl/pkg/record"
)

// mparticle maps mParticle batch messages. One message carries a list of
// events plus shared device and identity context, so the event path is
// one-to-many.
type mparticle struct {
	identityTypes []string
}

func (*mparticle) Name() string { return "mparticle" }

var mparticleDefaults = map[string]string{
	"platform":            "$os",
	"os_version":          "$os_version",
	"device_model":        "$model",
	"device_manufacturer": "$brand",
	"locale_language":     "$browser_language",
	"application_version": "$app_version_string",
	"network_country":     "mp_country_code",
}

func (p *mparticle) Apply(kind record.Kind, m map[string]any) ([]map[string]any, error) {
	switch {
	case kind == record.KindEvent || kind == record.KindSCD:
		return p.events(m)
	case kind == record.KindUser:
		return p.profile(m)
	case kind == record.KindGroup:
		// The upstream feed does not carry group identities.
		return nil, fmt.Errorf("%w: mparticle group profiles", ErrUnsupported)
	default:
		return nil, ErrUnsupported
	}
}

var mparticleIdentityTypes = []string{"customer_id", "customerid", "email", "other"}

// identity walks the user_identities list in type-precedence order, then
// falls back to the mpid.
func (p *mparticle) identity(m map[string]any) string {
	identities, _ := m["user_identities"].([]any)
	for _, wanted := range p.identityTypes {
		for _, it := range identities {
			im := asMap(it)
			if asString(im["identity_type"]) != wanted {
				continue
			}
			if s := asString(im["identity"]); goodID(s) {
				return s
			}
		}
	}
	return firstID(m, "mpid", "device_info.device_unique_id")
}

func (p *mparticle) events(m map[string]any) ([]map[string]any, error) {
	id := p.identity(m)
	if id == "" {
		return nil, nil
	}
	device := asMap(m["device_info"])

	events, _ := m["events"].([]any)
	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		em := asMap(ev)
		data := asMap(em["data"])
		if data == nil {
			data = em
		}
		name := asString(data["event_name"])
		if name == "" {
			name = asString(em["event_type"])
		}
		if name == "" {
			continue
		}

		tv := data["timestamp_unixtime_ms"]
		ms, timeOK := record.CoerceTime(tv)

		insertID := asString(data["event_id"])
		if !goodID(insertID) {
			insertID = record.InsertID(id, asString(tv), name)
		} else {
			insertID = record.InsertID(insertID)
		}

		props := asMap(data["custom_attributes"])
		if props == nil {
			props = make(map[string]any)
		}
		for from := range mparticleDefaults {
			if v, ok := device[from]; ok {
				props[from] = v
			}
		}
		remapDefaults(props, mparticleDefaults)

		rec := eventRecord(name, id, insertID, ms, props)
		if !timeOK {
			delete(asMap(rec["properties"]), "time")
		}
		out = append(out, rec)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (p *mparticle) profile(m map[string]any) ([]map[string]any, error) {
	id := p.identity(m)
	if id == "" {
		return nil, nil
	}
	set := asMap(m["user_attributes"])
	if len(set) == 0 {
		return nil, nil
	}
	return []map[string]any{{
		"$distinct_id": id,
		"$set":         set,
	}}, nil
}
