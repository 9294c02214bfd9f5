package artifact

import (
	"fmt"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"

	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/relation"
)

// arrowType is the on-disk type of a declared column. Timestamps travel as
// RFC 3339 text.
func arrowType(t relation.Type) arrow.DataType {
	switch t {
	case relation.TypeInt:
		return arrow.PrimitiveTypes.Int64
	case relation.TypeFloat:
		return arrow.PrimitiveTypes.Float64
	default:
		return arrow.BinaryTypes.String
	}
}

func arrowSchema(s relation.Schema) *arrow.Schema {
	fields := make([]arrow.Field, len(s))
	for i, c := range s {
		fields[i] = arrow.Field{Name: c.Name, Type: arrowType(c.Type), Nullable: c.Nullable}
	}
	return arrow.NewSchema(fields, nil)
}

func inputRecord(alloc memory.Allocator, in *relation.Input) (arrow.Record, error) {
	schema := arrowSchema(in.Schema)
	b := array.NewRecordBuilder(alloc, schema)
	defer b.Release()

	for r, row := range in.Rows {
		for i, c := range in.Schema {
			v := row[i]
			fb := b.Field(i)
			if v == nil {
				fb.AppendNull()
				continue
			}
			var ok bool
			switch c.Type {
			case relation.TypeInt:
				var x int64
				if x, ok = v.(int64); ok {
					fb.(*array.Int64Builder).Append(x)
				}
			case relation.TypeFloat:
				var x float64
				if x, ok = v.(float64); ok {
					fb.(*array.Float64Builder).Append(x)
				}
			case relation.TypeTimestamp:
				var x time.Time
				if x, ok = v.(time.Time); ok {
					fb.(*array.StringBuilder).Append(relation.FormatTimestamp(x))
				}
			default:
				var x string
				if x, ok = v.(string); ok {
					fb.(*array.StringBuilder).Append(x)
				}
			}
			if !ok {
				return nil, sferrors.Newf(sferrors.CodeSchema, "row %d column %q: %T is not %s", r+1, c.Name, v, c.Type)
			}
		}
	}
	return b.NewRecord(), nil
}

// appendRecord copies rec into in. cols maps each declared column to its
// position in rec.
func appendRecord(in *relation.Input, rec arrow.Record, cols []int, rowOffset int) *sferrors.Error {
	n := int(rec.NumRows())
	for r := 0; r < n; r++ {
		row := make([]any, len(in.Schema))
		for i, c := range in.Schema {
			v, err := cell(rec.Column(cols[i]), r, c.Type)
			if err != nil {
				return sferrors.Wrapf(err, sferrors.CodeSchema, "data row %d column %q", rowOffset+r+1, c.Name)
			}
			if v == nil && !c.Nullable {
				return sferrors.Newf(sferrors.CodeSchema, "data row %d column %q is empty", rowOffset+r+1, c.Name)
			}
			row[i] = v
		}
		in.Rows = append(in.Rows, row)
	}
	return nil
}

func cell(arr arrow.Array, i int, t relation.Type) (any, error) {
	if arr.IsNull(i) {
		return nil, nil
	}
	switch a := arr.(type) {
	case *array.Int64:
		return relation.Coerce(a.Value(i), t)
	case *array.Int32:
		return relation.Coerce(a.Value(i), t)
	case *array.Float64:
		return relation.Coerce(a.Value(i), t)
	case *array.Float32:
		return relation.Coerce(a.Value(i), t)
	case *array.String:
		if t == relation.TypeString {
			return a.Value(i), nil
		}
		return relation.ParseValue(a.Value(i), t)
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return relation.Coerce(a.Value(i).ToTime(unit), t)
	}
	return nil, fmt.Errorf("unsupported column type %s", arr.DataType())
}

func emptyRecord(schema *arrow.Schema) arrow.Record {
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	return b.NewRecord()
}
