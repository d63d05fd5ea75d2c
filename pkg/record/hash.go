package record

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/OneOfOne/xxhash"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Canonical serializes a value deterministically: object keys are emitted in
// sorted order at every depth, numbers in a fixed format. Two structurally
// equal records always canonicalize to the same bytes, which is what the
// dedupe set and the insert-id fallback key on.
func Canonical(v any) []byte {
	var b strings.Builder
	writeCanonical(&b, v, 0)
	return []byte(b.String())
}

const maxCanonicalDepth = 128

func writeCanonical(b *strings.Builder, v any, depth int) {
	if depth > maxCanonicalDepth {
		b.WriteString(`"..."`)
		return
	}
	switch v := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if v {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		enc, _ := json.Marshal(v)
		b.Write(enc)
	case float64:
		writeCanonicalFloat(b, v)
	case float32:
		writeCanonicalFloat(b, float64(v))
	case int:
		b.WriteString(strconv.FormatInt(int64(v), 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(v), 10))
	case int64:
		b.WriteString(strconv.FormatInt(v, 10))
	case uint64:
		b.WriteString(strconv.FormatUint(v, 10))
	case jsoniter.Number:
		b.WriteString(v.String())
	case []any:
		b.WriteByte('[')
		for i, e := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e, depth+1)
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, _ := json.Marshal(k)
			b.Write(enc)
			b.WriteByte(':')
			writeCanonical(b, v[k], depth+1)
		}
		b.WriteByte('}')
	default:
		enc, err := json.Marshal(v)
		if err != nil {
			b.WriteString(strconv.Quote(fmt.Sprintf("%v", v)))
			return
		}
		b.Write(enc)
	}
}

func writeCanonicalFloat(b *strings.Builder, f float64) {
	// Integral floats print without an exponent or trailing ".0" so that a
	// decoded 42 and a literal int 42 canonicalize identically.
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		b.WriteString(strconv.FormatInt(int64(f), 10))
		return
	}
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}

// Sum32 is the stable 32-bit hash used for insert-id synthesis.
func Sum32(s string) string {
	return strconv.FormatUint(uint64(xxhash.Checksum32([]byte(s))), 16)
}

// Sum64 is the stable 64-bit hash of a value's canonical form, used as the
// dedupe key.
func Sum64(v any) uint64 {
	return xxhash.Checksum64(Canonical(v))
}

// InsertID builds a deterministic insert id by joining the given parts with
// "-" and hashing.
func InsertID(parts ...string) string {
	return Sum32(strings.Join(parts, "-"))
}

// InsertIDFromRecord is the tuple-miss fallback: the hash of the whole
// record's canonical serialization.
func InsertIDFromRecord(m map[string]any) string {
	return Sum32(string(Canonical(m)))
}
