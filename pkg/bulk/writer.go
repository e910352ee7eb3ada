package bulk

import (
	"bufio"
	"io"

	gojson "github.com/goccy/go-json"

	"github.com/storesync/storesync/pkg/errors"
	"github.com/storesync/storesync/pkg/record"
)

// LineWriter writes records in the durable line format: one flat UTF-8 JSON
// object per line, LF-terminated, carrying the optional parent-linkage field.
// This format, not any in-memory shape, is the compatibility boundary
// between an extraction run and a later apply run.
type LineWriter struct {
	w     *bufio.Writer
	count int64
}

// NewLineWriter creates a writer over w.
func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{w: bufio.NewWriter(w)}
}

// Write appends one record as a line.
func (lw *LineWriter) Write(rec *record.Record) error {
	fields := rec.Fields
	if rec.ID != "" || rec.ParentRef != "" {
		fields = make(map[string]interface{}, len(rec.Fields)+2)
		for k, v := range rec.Fields {
			fields[k] = v
		}
		if rec.ID != "" {
			fields[IDField] = rec.ID
		}
		if rec.ParentRef != "" {
			fields[ParentRefField] = rec.ParentRef
		}
	}

	data, err := gojson.Marshal(fields)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode record")
	}
	if _, err := lw.w.Write(data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to write record")
	}
	if err := lw.w.WriteByte('\n'); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to write record")
	}

	lw.count++
	return nil
}

// Count returns the number of records written.
func (lw *LineWriter) Count() int64 {
	return lw.count
}

// Flush writes any buffered lines to the underlying writer.
func (lw *LineWriter) Flush() error {
	return lw.w.Flush()
}
