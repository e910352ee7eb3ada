// Package record defines the flat record model that flows through the bulk
// transfer engine, together with the per-resource-kind functions that
// correlate records across the two platform instances.
//
// A Record is one line of the extraction log: a bag of named fields plus an
// optional parent reference pointing at an ancestor emitted earlier in the
// same stream. Records carry remote-assigned identifiers only as payload;
// correlation between instances always goes through a NaturalKeyFn computed
// over stable business fields.
package record

// Record is a single flattened entity from an extraction stream.
type Record struct {
	// ID is the remote-assigned identifier carried on the stream line.
	// It is ephemeral and never used for cross-instance correlation.
	ID string

	// ParentRef points at the ID of an ancestor record emitted earlier in
	// the same stream. Empty for top-level records.
	ParentRef string

	// Parent is the live ancestor record resolved during download. It is
	// session-scoped: valid only within the stream that produced it.
	Parent *Record

	// Fields holds the named field values decoded from the stream line.
	Fields map[string]interface{}
}

// New creates an empty record with an initialized field map.
func New() *Record {
	return &Record{Fields: make(map[string]interface{})}
}

// Field returns the named field value and whether it was present.
func (r *Record) Field(name string) (interface{}, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// StringField returns the named field as a string, or "" if absent or not
// a string. Natural key functions are the main consumer.
func (r *Record) StringField(name string) string {
	if v, ok := r.Fields[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// SetField sets a named field value.
func (r *Record) SetField(name string, value interface{}) {
	if r.Fields == nil {
		r.Fields = make(map[string]interface{})
	}
	r.Fields[name] = value
}

// NaturalKeyFn computes a stable cross-instance identifier for a record.
// Implementations must be pure and must never consult remote-assigned IDs.
type NaturalKeyFn func(*Record) string

// FingerprintFn computes a comparable summary of a record's content, used to
// decide whether a target-side entity already matches the source.
type FingerprintFn func(*Record) string
