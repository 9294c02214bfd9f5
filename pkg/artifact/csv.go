package artifact

import (
	"context"
	stdcsv "encoding/csv"
	"errors"
	"io"
	"os"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/csv"

	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/relation"
)

const csvChunkRows = 8192

func encodeCSV(w io.Writer, schema *arrow.Schema, recs []arrow.Record) error {
	cw := csv.NewWriter(w, schema, csv.WithHeader(true), csv.WithNullWriter(""))
	for _, rec := range recs {
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	if len(recs) == 0 {
		// header only
		rec := emptyRecord(schema)
		defer rec.Release()
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// readHeader returns the column names of the first line.
func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	header, err := stdcsv.NewReader(f).Read()
	if errors.Is(err, io.EOF) {
		return nil, sferrors.Newf(sferrors.CodeSchema, "artifact %s is empty, expected a header row", path)
	}
	if err != nil {
		return nil, sferrors.Wrapf(err, sferrors.CodeSchema, "artifact %s: malformed header", path)
	}
	return header, nil
}

func readCSV(ctx context.Context, path string, schema relation.Schema) (*relation.Input, error) {
	header, err := readHeader(path)
	if err != nil {
		if sferrors.GetCode(err) == sferrors.CodeUnknown {
			return nil, sferrors.Wrapf(err, sferrors.CodeUnknown, "open artifact %s", path)
		}
		return nil, err
	}

	pos := make(map[string]int, len(header))
	for i, name := range header {
		if _, dup := pos[name]; dup {
			return nil, sferrors.Newf(sferrors.CodeSchema, "artifact %s: duplicate column %q", path, name)
		}
		pos[name] = i
	}

	// Undeclared columns are read as text and dropped.
	fields := make([]arrow.Field, len(header))
	for i, name := range header {
		fields[i] = arrow.Field{Name: name, Type: arrow.BinaryTypes.String, Nullable: true}
	}
	cols := make([]int, len(schema))
	for i, c := range schema {
		p, ok := pos[c.Name]
		if !ok {
			return nil, sferrors.MissingColumn(c.Name, header).With("artifact", path)
		}
		cols[i] = p
		fields[p].Type = arrowType(c.Type)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, sferrors.Wrapf(err, sferrors.CodeUnknown, "open artifact %s", path)
	}
	defer f.Close()

	r := csv.NewReader(f, arrow.NewSchema(fields, nil),
		csv.WithHeader(true),
		csv.WithNullReader(true, ""),
		csv.WithChunk(csvChunkRows),
	)
	defer r.Release()

	in := &relation.Input{Schema: schema}
	for r.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := appendRecord(in, r.Record(), cols, in.Len()); err != nil {
			return nil, err.With("artifact", path)
		}
	}
	if err := r.Err(); err != nil {
		return nil, sferrors.Wrapf(err, sferrors.CodeSchema, "artifact %s: values do not match %s", path, schema)
	}
	return in, nil
}
