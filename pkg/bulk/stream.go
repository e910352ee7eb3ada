package bulk

import (
	"bytes"
	"context"
	"io"
	"sync/atomic"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/storesync/storesync/pkg/clients"
	"github.com/storesync/storesync/pkg/errors"
	"github.com/storesync/storesync/pkg/metrics"
	"github.com/storesync/storesync/pkg/record"
)

const (
	// IDField is the line-format field carrying the remote-assigned ID.
	IDField = "id"
	// ParentRefField is the line-format field carrying parent linkage.
	ParentRefField = "__parentId"

	readChunkSize = 32 * 1024
)

// Stream is a lazy, single-pass, finite sequence of records. Records is
// closed when the stream ends; Errors then yields the terminal error, if
// any. Parse failures on individual lines are not terminal: they are logged,
// counted and skipped.
type Stream struct {
	Records <-chan *record.Record
	Errors  <-chan error

	parseFailures int64
}

// ParseFailures returns the number of malformed lines skipped so far. The
// count is final once Records is closed.
func (s *Stream) ParseFailures() int64 {
	return atomic.LoadInt64(&s.parseFailures)
}

// Drain consumes and discards the rest of the stream and returns its
// terminal error.
func (s *Stream) Drain() error {
	for range s.Records {
	}
	return <-s.Errors
}

// Downloader fetches a bulk result payload and incrementally parses it into
// a record stream.
type Downloader struct {
	fetcher  clients.LocationFetcher
	throttle *clients.Throttle
	logger   *zap.Logger
}

// NewDownloader creates a downloader over the given fetcher. The fetch
// exchange is admitted through the throttle like every other remote call.
func NewDownloader(fetcher clients.LocationFetcher, throttle *clients.Throttle, logger *zap.Logger) *Downloader {
	return &Downloader{
		fetcher:  fetcher,
		throttle: throttle,
		logger:   logger.With(zap.String("component", "downloader")),
	}
}

// Open starts downloading the payload at url and returns its record stream.
// The sequence is not restartable: calling Open again re-fetches from the
// start, which is safe because a completed job's payload is immutable.
func (d *Downloader) Open(ctx context.Context, url string, stream string) *Stream {
	records := make(chan *record.Record)
	errs := make(chan error, 1)
	s := &Stream{Records: records, Errors: errs}

	go func() {
		defer close(records)
		defer close(errs)

		// Only the fetch initiation passes through the gate; the body is
		// streamed after admission so a multi-hour download does not pin a
		// slot. Mid-stream read failures still terminate the sequence: it
		// is single-pass and not restartable.
		var body io.ReadCloser
		err := d.throttle.Do(ctx, "payload_fetch", func(ctx context.Context) error {
			var fetchErr error
			body, fetchErr = d.fetcher.Fetch(ctx, url)
			return fetchErr
		})
		if err != nil {
			errs <- err
			return
		}
		defer body.Close()

		if err := decode(ctx, body, stream, s, records, d.logger); err != nil {
			errs <- err
		}
	}()

	return s
}

// Decode parses an already-open payload reader into a record stream. The
// engine uses it to replay extraction files; Open uses it internally. The
// stream label identifies the payload in logs and metrics.
func Decode(ctx context.Context, r io.Reader, stream string, logger *zap.Logger) *Stream {
	records := make(chan *record.Record)
	errs := make(chan error, 1)
	s := &Stream{Records: records, Errors: errs}

	go func() {
		defer close(records)
		defer close(errs)
		if err := decode(ctx, r, stream, s, records, logger); err != nil {
			errs <- err
		}
	}()

	return s
}

// decode incrementally splits the payload into newline-delimited segments.
// Network reads do not align with line boundaries, so a carry-over buffer
// retains the trailing partial segment between reads; at end-of-stream any
// non-empty remainder is parsed as a final record. Memory is bounded by one
// read buffer plus the session's ancestor map, never by dataset size.
func decode(ctx context.Context, r io.Reader, stream string, s *Stream, out chan<- *record.Record, logger *zap.Logger) error {
	// ancestors maps emitted IDs to live records, scoped to this session.
	// Emission order guarantees ancestors precede descendants.
	ancestors := make(map[string]*record.Record)
	buf := make([]byte, 0, readChunkSize)
	chunk := make([]byte, readChunkSize)

	emit := func(line []byte) error {
		rec, ok := parseLine(line, ancestors, stream, s, logger)
		if !ok {
			return nil
		}
		select {
		case out <- rec:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		n, readErr := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)

			start := 0
			for {
				i := bytes.IndexByte(buf[start:], '\n')
				if i < 0 {
					break
				}
				if err := emit(buf[start : start+i]); err != nil {
					return err
				}
				start += i + 1
			}
			buf = append(buf[:0], buf[start:]...)
		}

		if readErr == io.EOF {
			if len(bytes.TrimSpace(buf)) > 0 {
				if err := emit(buf); err != nil {
					return err
				}
			}
			return nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(readErr, errors.ErrorTypeTransport, "payload read failed")
		}
	}
}

// parseLine decodes one segment into a record and resolves its parent
// reference. A parse failure is non-fatal: the segment is logged, counted
// and skipped so one malformed line cannot abort a multi-hour extraction.
func parseLine(line []byte, ancestors map[string]*record.Record, stream string, s *Stream, logger *zap.Logger) (*record.Record, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}

	var fields map[string]interface{}
	if err := gojson.Unmarshal(line, &fields); err != nil {
		atomic.AddInt64(&s.parseFailures, 1)
		metrics.ParseFailures.WithLabelValues(stream).Inc()
		logger.Warn("skipping malformed stream line",
			zap.String("stream", stream),
			zap.Int("size", len(line)),
			zap.Error(errors.Wrap(err, errors.ErrorTypeParse, "malformed stream line")))
		return nil, false
	}

	// Identity and linkage are lifted out of the field bag: remote-assigned
	// IDs differ between instances and must not reach fingerprints or
	// mutation inputs.
	rec := &record.Record{Fields: fields}
	if id, ok := fields[IDField].(string); ok {
		rec.ID = id
		delete(fields, IDField)
	}
	if ref, ok := fields[ParentRefField].(string); ok {
		rec.ParentRef = ref
		delete(fields, ParentRefField)
		if parent, found := ancestors[ref]; found {
			rec.Parent = parent
		} else {
			logger.Warn("unresolved parent reference",
				zap.String("stream", stream),
				zap.String("parent_ref", ref))
		}
	}
	if rec.ID != "" {
		ancestors[rec.ID] = rec
	}

	return rec, true
}
