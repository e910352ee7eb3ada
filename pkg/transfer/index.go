package transfer

import (
	"context"

	"github.com/storesync/storesync/pkg/bulk"
	"github.com/storesync/storesync/pkg/record"
)

// Entry associates a natural key with target-side state. Entries live only
// in memory for the duration of one apply run.
type Entry struct {
	NaturalKey  string
	RemoteID    string
	Fingerprint string
}

// Index maps natural keys to target-side state for one run. It is owned by
// a single run and never shared across resource kinds.
type Index struct {
	entries map[string]Entry
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{entries: make(map[string]Entry)}
}

// Put inserts or replaces an entry.
func (idx *Index) Put(e Entry) {
	idx.entries[e.NaturalKey] = e
}

// Get returns the entry for a key.
func (idx *Index) Get(key string) (Entry, bool) {
	e, ok := idx.entries[key]
	return e, ok
}

// Len returns the number of entries.
func (idx *Index) Len() int {
	return len(idx.entries)
}

// BuildIndex consumes a stream of the target's current state into a fresh
// index. Records without a computable key are ignored; when the same key
// appears more than once the last occurrence wins.
func BuildIndex(ctx context.Context, stream *bulk.Stream, keyFn record.NaturalKeyFn, fpFn record.FingerprintFn) (*Index, error) {
	idx := NewIndex()

	for {
		select {
		case <-ctx.Done():
			go stream.Drain() //nolint:errcheck // unblock the producer
			return nil, ctx.Err()
		case rec, ok := <-stream.Records:
			if !ok {
				if err := <-stream.Errors; err != nil {
					return nil, err
				}
				return idx, nil
			}
			key := keyFn(rec)
			if key == "" {
				continue
			}
			idx.Put(Entry{
				NaturalKey:  key,
				RemoteID:    rec.ID,
				Fingerprint: fpFn(rec),
			})
		}
	}
}
