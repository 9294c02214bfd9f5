// Package artifact reads and writes the file artifacts exchanged by the
// Pickup transport: a delimited UTF-8 text file with a header row, or
// Parquet. Flat text is untyped, so every read declares its schema.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/memory"

	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/relation"
)

// Format is an artifact encoding.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

// DefaultChunkRows is the record batch size used when writing.
const DefaultChunkRows = 64 * 1024

// ParseFormat parses a format name; empty means csv.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "":
		return FormatCSV, nil
	case FormatCSV, FormatParquet:
		return f, nil
	}
	return "", sferrors.Newf(sferrors.CodeInvalidConfig, "unknown artifact format %q (csv, parquet)", s)
}

// FormatOf picks the format from the file extension.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet", ".pq":
		return FormatParquet
	default:
		return FormatCSV
	}
}

// Ext returns the file extension for f.
func (f Format) Ext() string {
	if f == FormatParquet {
		return ".parquet"
	}
	return ".csv"
}

// WriteInput writes an input relation to path. Timestamps are written as
// RFC 3339 text in both formats.
func WriteInput(ctx context.Context, path string, in *relation.Input) error {
	rec, err := inputRecord(memory.DefaultAllocator, in)
	if err != nil {
		return err
	}
	defer rec.Release()
	return write(ctx, path, rec.Schema(), []arrow.Record{rec})
}

// WriteOutput writes the draw relation to path.
func WriteOutput(ctx context.Context, path string, out *relation.Output) error {
	recs := out.Records(memory.DefaultAllocator, DefaultChunkRows)
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()
	return write(ctx, path, relation.DrawArrowSchema, recs)
}

// ReadInput reads path projected onto schema. Columns are matched by
// header name; extra columns are ignored, a missing one is a schema error.
func ReadInput(ctx context.Context, path string, schema relation.Schema) (*relation.Input, error) {
	switch FormatOf(path) {
	case FormatParquet:
		return readParquet(ctx, path, schema)
	default:
		return readCSV(ctx, path, schema)
	}
}

// ReadOutput reads a draw artifact. A null cell is an integrity error.
func ReadOutput(ctx context.Context, path string) (*relation.Output, error) {
	schema := make(relation.Schema, len(relation.DrawSchema))
	for i, c := range relation.DrawSchema {
		c.Nullable = true
		schema[i] = c
	}
	in, err := ReadInput(ctx, path, schema)
	if err != nil {
		return nil, err
	}
	out := relation.NewOutput(in.Len())
	for i, row := range in.Rows {
		id, ok1 := row[0].(int64)
		sim, ok2 := row[1].(int64)
		v, ok3 := row[2].(float64)
		if !ok1 || !ok2 || !ok3 {
			return nil, sferrors.Integrity("null in draw artifact %s at data row %d", path, i+1)
		}
		out.Append(id, sim, v)
	}
	return out, nil
}

func write(ctx context.Context, path string, schema *arrow.Schema, recs []arrow.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var err error
	switch FormatOf(path) {
	case FormatParquet:
		err = writeAtomic(path, func(f *os.File) error { return encodeParquet(f, schema, recs) })
	default:
		err = writeAtomic(path, func(f *os.File) error { return encodeCSV(f, schema, recs) })
	}
	if err != nil {
		return sferrors.Wrapf(err, sferrors.CodeUnknown, "write artifact %s", path)
	}
	return nil
}

// writeAtomic writes into a temporary sibling and renames it over path
// only after a successful close, so readers never see a partial file.
func writeAtomic(path string, fill func(f *os.File) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp.%d", filepath.Base(path), time.Now().UnixNano()))
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if err := fill(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
