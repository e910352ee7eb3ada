package transfer

import (
	"context"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/storesync/storesync/pkg/bulk"
	"github.com/storesync/storesync/pkg/clients"
	"github.com/storesync/storesync/pkg/errors"
	"github.com/storesync/storesync/pkg/metrics"
	"github.com/storesync/storesync/pkg/record"
)

// RecordError pairs a natural key with its write failure.
type RecordError struct {
	Key string
	Err error
}

// MarshalJSON renders the failure with its message text.
func (re RecordError) MarshalJSON() ([]byte, error) {
	msg := ""
	if re.Err != nil {
		msg = re.Err.Error()
	}
	return gojson.Marshal(struct {
		Key   string `json:"key"`
		Error string `json:"error"`
	}{re.Key, msg})
}

// Stats accumulates per-run apply outcomes. It is always returned, even
// after cancellation or a terminal stream failure, so callers can judge
// whether a run was acceptable.
type Stats struct {
	Created int           `json:"created"`
	Updated int           `json:"updated"`
	Skipped int           `json:"skipped"`
	Failed  int           `json:"failed"`
	Errors  []RecordError `json:"errors,omitempty"`
}

// Total returns the number of records processed.
func (s *Stats) Total() int {
	return s.Created + s.Updated + s.Skipped + s.Failed
}

func (s *Stats) fail(key string, err error) {
	s.Failed++
	s.Errors = append(s.Errors, RecordError{Key: key, Err: err})
}

// Applier runs the idempotent apply protocol for one resource kind at a
// time. All writes go through the shared throttle, independent of source
// ordering, trading wall-clock time for staying under the remote write
// budget.
type Applier struct {
	throttle *clients.Throttle
	logger   *zap.Logger
}

// NewApplier creates an applier writing through the given throttle.
func NewApplier(throttle *clients.Throttle, logger *zap.Logger) *Applier {
	return &Applier{
		throttle: throttle,
		logger:   logger.With(zap.String("component", "applier")),
	}
}

// Run rebuilds the natural-key index from the target's live state and then
// applies the source stream against it. Rebuilding fresh on every invocation
// is what makes re-runs idempotent: an unchanged source against an
// already-migrated target yields only skips.
func (a *Applier) Run(ctx context.Context, reg Registration, src *bulk.Stream) (*Stats, error) {
	kind := reg.Adapter.Kind()

	listing, err := reg.Adapter.List(ctx)
	if err != nil {
		return &Stats{}, err
	}
	idx, err := BuildIndex(ctx, listing, reg.NaturalKey, reg.fingerprint())
	if err != nil {
		return &Stats{}, err
	}
	a.logger.Info("natural-key index built",
		zap.String("kind", kind),
		zap.Int("entries", idx.Len()))

	return a.ApplyIndexed(ctx, reg, src, idx)
}

// ApplyIndexed applies the source stream against a prebuilt index. For every
// record, in stream order: absent from the index means create, a differing
// fingerprint means update, a matching one means skip. A failed write marks
// the record failed and the run continues; per-record failures never abort
// a run. On cancellation the returned stats reflect exactly the records
// processed up to that point.
func (a *Applier) ApplyIndexed(ctx context.Context, reg Registration, src *bulk.Stream, idx *Index) (*Stats, error) {
	kind := reg.Adapter.Kind()
	fp := reg.fingerprint()
	stats := &Stats{}
	logger := a.logger.With(zap.String("kind", kind))

	for {
		select {
		case <-ctx.Done():
			go src.Drain() //nolint:errcheck // unblock the producer
			return stats, ctx.Err()
		case rec, ok := <-src.Records:
			if !ok {
				if err := <-src.Errors; err != nil {
					return stats, err
				}
				logger.Info("apply run finished",
					zap.Int("created", stats.Created),
					zap.Int("updated", stats.Updated),
					zap.Int("skipped", stats.Skipped),
					zap.Int("failed", stats.Failed))
				return stats, nil
			}

			key := reg.NaturalKey(rec)
			if key == "" {
				err := errors.New(errors.ErrorTypeAdapter, "record has no computable natural key")
				stats.fail(key, err)
				metrics.RecordsApplied.WithLabelValues(kind, "failed").Inc()
				logger.Warn("record skipped: empty natural key", zap.String("id", rec.ID))
				continue
			}

			outcome, err := a.applyOne(ctx, reg, idx, key, fp, rec)
			if err != nil {
				if ctx.Err() != nil {
					return stats, ctx.Err()
				}
				stats.fail(key, errors.Wrap(err, errors.ErrorTypeAdapter, "write failed"))
				metrics.RecordsApplied.WithLabelValues(kind, "failed").Inc()
				logger.Warn("record write failed",
					zap.String("key", key),
					zap.Error(err))
				continue
			}

			switch outcome {
			case "created":
				stats.Created++
			case "updated":
				stats.Updated++
			case "skipped":
				stats.Skipped++
			}
			metrics.RecordsApplied.WithLabelValues(kind, outcome).Inc()
			logger.Debug("record applied",
				zap.String("key", key),
				zap.String("outcome", outcome))
		}
	}
}

// applyOne decides and performs the write for a single record.
func (a *Applier) applyOne(ctx context.Context, reg Registration, idx *Index, key string, fp record.FingerprintFn, rec *record.Record) (string, error) {
	entry, exists := idx.Get(key)

	switch {
	case !exists:
		var remoteID string
		err := a.throttle.Do(ctx, "apply_create", func(ctx context.Context) error {
			var callErr error
			remoteID, callErr = reg.Adapter.Create(ctx, rec)
			return callErr
		})
		if err != nil {
			return "", err
		}
		// Index the new entry so a duplicate key later in the same stream
		// resolves to an update or skip instead of a second create.
		idx.Put(Entry{NaturalKey: key, RemoteID: remoteID, Fingerprint: fp(rec)})
		return "created", nil

	case reg.Policy == UpdateAlways || entry.Fingerprint != fp(rec):
		err := a.throttle.Do(ctx, "apply_update", func(ctx context.Context) error {
			return reg.Adapter.Update(ctx, entry.RemoteID, rec)
		})
		if err != nil {
			return "", err
		}
		idx.Put(Entry{NaturalKey: key, RemoteID: entry.RemoteID, Fingerprint: fp(rec)})
		return "updated", nil

	default:
		return "skipped", nil
	}
}
