package artifact

import (
	"context"
	"io"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/relation"
)

// plainWriter hides Close so the parquet writer leaves the file to us.
type plainWriter struct{ io.Writer }

func encodeParquet(w io.Writer, schema *arrow.Schema, recs []arrow.Record) error {
	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithCreatedBy("simflow"),
	)
	fw, err := pqarrow.NewFileWriter(schema, plainWriter{w}, props, pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := fw.Write(rec); err != nil {
			fw.Close()
			return err
		}
	}
	return fw.Close()
}

func readParquet(ctx context.Context, path string, schema relation.Schema) (*relation.Input, error) {
	pf, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, sferrors.Wrapf(err, sferrors.CodeSchema, "artifact %s is not readable parquet", path)
	}
	defer pf.Close()

	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: DefaultChunkRows}, memory.DefaultAllocator)
	if err != nil {
		return nil, sferrors.Wrapf(err, sferrors.CodeSchema, "artifact %s", path)
	}
	tbl, err := fr.ReadTable(ctx)
	if err != nil {
		return nil, sferrors.Wrapf(err, sferrors.CodeSchema, "artifact %s", path)
	}
	defer tbl.Release()

	names := make([]string, tbl.Schema().NumFields())
	for i, f := range tbl.Schema().Fields() {
		names[i] = f.Name
	}
	cols := make([]int, len(schema))
	for i, c := range schema {
		idx := tbl.Schema().FieldIndices(c.Name)
		if len(idx) == 0 {
			return nil, sferrors.MissingColumn(c.Name, names).With("artifact", path)
		}
		cols[i] = idx[0]
	}

	in := &relation.Input{Schema: schema}
	tr := array.NewTableReader(tbl, DefaultChunkRows)
	defer tr.Release()
	for tr.Next() {
		if err := appendRecord(in, tr.Record(), cols, in.Len()); err != nil {
			return nil, err.With("artifact", path)
		}
	}
	return in, nil
}
