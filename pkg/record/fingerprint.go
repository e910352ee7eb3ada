package record

import (
	"hash/fnv"
	"io"
	"sort"
	"strconv"

	gojson "github.com/goccy/go-json"
)

// Fingerprint is the default FingerprintFn: an FNV-1a hash over the
// canonical JSON rendering of the record's fields. Map iteration order does
// not leak into the hash, so equal field sets always produce equal
// fingerprints regardless of decode order.
func Fingerprint(r *Record) string {
	h := fnv.New64a()
	writeCanonical(h, r.Fields)
	return strconv.FormatUint(h.Sum64(), 16)
}

// FingerprintFields hashes only the named fields, for resource kinds where
// some fields are remote-managed noise (timestamps, computed counts).
func FingerprintFields(names ...string) FingerprintFn {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return func(r *Record) string {
		h := fnv.New64a()
		for _, name := range sorted {
			io.WriteString(h, name)
			io.WriteString(h, "=")
			if v, ok := r.Fields[name]; ok {
				writeCanonical(h, v)
			}
			io.WriteString(h, ";")
		}
		return strconv.FormatUint(h.Sum64(), 16)
	}
}

// writeCanonical renders a decoded JSON value deterministically: object keys
// sorted, arrays in order, scalars via the JSON encoder.
func writeCanonical(w io.Writer, v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		io.WriteString(w, "{")
		for i, k := range keys {
			if i > 0 {
				io.WriteString(w, ",")
			}
			io.WriteString(w, strconv.Quote(k))
			io.WriteString(w, ":")
			writeCanonical(w, val[k])
		}
		io.WriteString(w, "}")
	case []interface{}:
		io.WriteString(w, "[")
		for i, item := range val {
			if i > 0 {
				io.WriteString(w, ",")
			}
			writeCanonical(w, item)
		}
		io.WriteString(w, "]")
	default:
		b, err := gojson.Marshal(val)
		if err != nil {
			io.WriteString(w, "null")
			return
		}
		w.Write(b)
	}
}
