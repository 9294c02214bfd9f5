package relation

import (
	"cmp"
	"fmt"
	"time"

	sferrors "github.com/simflow/simflow/pkg/errors"
)

// Input is the bounded relation read from the source store for one run.
// Rows hold int64, float64, string, time.Time or nil, matching Schema.
type Input struct {
	Schema Schema
	Rows   [][]any
}

// Len returns the number of rows.
func (in *Input) Len() int {
	if in == nil {
		return 0
	}
	return len(in.Rows)
}

// Column returns the values of the named column.
func (in *Input) Column(name string) ([]any, error) {
	idx := in.Schema.Index(name)
	if idx < 0 {
		return nil, sferrors.MissingColumn(name, in.Schema.Names())
	}
	out := make([]any, len(in.Rows))
	for i, row := range in.Rows {
		out[i] = row[idx]
	}
	return out, nil
}

// IDs returns the id column as int64s and checks the uniqueness invariant.
func (in *Input) IDs(idColumn string) ([]int64, error) {
	idx := in.Schema.Index(idColumn)
	if idx < 0 {
		return nil, sferrors.MissingColumn(idColumn, in.Schema.Names())
	}
	if in.Schema[idx].Type != TypeInt {
		return nil, sferrors.Newf(sferrors.CodeSchema, "id column %q must be int, got %s", idColumn, in.Schema[idx].Type)
	}

	ids := make([]int64, len(in.Rows))
	seen := make(map[int64]struct{}, len(in.Rows))
	for i, row := range in.Rows {
		id, ok := row[idx].(int64)
		if !ok {
			return nil, sferrors.Newf(sferrors.CodeSchema, "row %d: id is null or not an integer", i+1)
		}
		if _, dup := seen[id]; dup {
			return nil, sferrors.Integrity("duplicate input id %d", id)
		}
		seen[id] = struct{}{}
		ids[i] = id
	}
	return ids, nil
}

// Subset returns a relation sharing the schema with the selected rows.
func (in *Input) Subset(keep func(row []any) bool) *Input {
	out := &Input{Schema: in.Schema}
	for _, row := range in.Rows {
		if keep(row) {
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}

// SplitPoint is the boundary on the partition column. Rows strictly before
// the boundary are used for fitting, rows at or after it are simulated.
type SplitPoint struct {
	Column string
	Value  any
}

// ParseSplitPoint parses raw against the partition column type.
func ParseSplitPoint(column, raw string, t Type) (SplitPoint, error) {
	v, err := ParseValue(raw, t)
	if err != nil {
		return SplitPoint{}, fmt.Errorf("split point %q for column %q: %w", raw, column, err)
	}
	if v == nil {
		return SplitPoint{}, fmt.Errorf("split point for column %q is empty", column)
	}
	return SplitPoint{Column: column, Value: v}, nil
}

// String renders the split value the way the pickup command accepts it.
func (s SplitPoint) String() string {
	switch v := s.Value.(type) {
	case time.Time:
		return FormatTimestamp(v)
	default:
		return fmt.Sprint(v)
	}
}

// Split partitions the relation into the fit subset and the prediction
// subset. Rows with a null partition key belong to neither.
func (in *Input) Split(sp SplitPoint) (fit, predict *Input, err error) {
	idx := in.Schema.Index(sp.Column)
	if idx < 0 {
		return nil, nil, sferrors.MissingColumn(sp.Column, in.Schema.Names())
	}

	fit = &Input{Schema: in.Schema}
	predict = &Input{Schema: in.Schema}
	for i, row := range in.Rows {
		if row[idx] == nil {
			continue
		}
		c, err := compare(row[idx], sp.Value)
		if err != nil {
			return nil, nil, sferrors.Wrapf(err, sferrors.CodeSchema, "row %d: partition column %q", i+1, sp.Column)
		}
		if c < 0 {
			fit.Rows = append(fit.Rows, row)
		} else {
			predict.Rows = append(predict.Rows, row)
		}
	}
	return fit, predict, nil
}

func compare(a, b any) (int, error) {
	switch x := a.(type) {
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, fmt.Errorf("cannot compare timestamp with %T", b)
		}
		return x.Compare(y), nil
	case int64:
		switch y := b.(type) {
		case int64:
			return cmp.Compare(x, y), nil
		case float64:
			return cmp.Compare(float64(x), y), nil
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return cmp.Compare(x, y), nil
		case int64:
			return cmp.Compare(x, float64(y)), nil
		}
	case string:
		if y, ok := b.(string); ok {
			return cmp.Compare(x, y), nil
		}
	}
	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}
