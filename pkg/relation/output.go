package relation

import (
	"sort"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
)

// Output column names. The order is fixed: id, sim_id, value.
const (
	ColID    = "id"
	ColSimID = "sim_id"
	ColValue = "value"
	// ColBatchID is added to destinations written with the append policy.
	ColBatchID = "batch_id"
)

// DrawSchema is the declared result schema of every simulation run.
var DrawSchema = Schema{
	{Name: ColID, Type: TypeInt},
	{Name: ColSimID, Type: TypeInt},
	{Name: ColValue, Type: TypeFloat},
}

// DrawArrowSchema is DrawSchema as an Arrow schema. All fields are non-null.
var DrawArrowSchema = arrow.NewSchema([]arrow.Field{
	{Name: ColID, Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	{Name: ColSimID, Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	{Name: ColValue, Type: arrow.PrimitiveTypes.Float64, Nullable: false},
}, nil)

// Draw is one sampled outcome. Valid is false when the engine produced no
// value, which downstream treats as a defect.
type Draw struct {
	ID    int64
	SimID int64
	Value float64
	Valid bool
}

// Output is the long relation of draws, stored column-wise.
type Output struct {
	IDs    []int64
	SimIDs []int64
	Values []float64
}

// NewOutput allocates an output with capacity for n rows.
func NewOutput(n int) *Output {
	return &Output{
		IDs:    make([]int64, 0, n),
		SimIDs: make([]int64, 0, n),
		Values: make([]float64, 0, n),
	}
}

// Len returns the number of rows.
func (o *Output) Len() int {
	if o == nil {
		return 0
	}
	return len(o.IDs)
}

// Append adds one row.
func (o *Output) Append(id, simID int64, value float64) {
	o.IDs = append(o.IDs, id)
	o.SimIDs = append(o.SimIDs, simID)
	o.Values = append(o.Values, value)
}

// Row returns row i.
func (o *Output) Row(i int) (id, simID int64, value float64) {
	return o.IDs[i], o.SimIDs[i], o.Values[i]
}

// Sort orders rows by (id, sim_id). Row order carries no meaning; sorting
// gives read-backs a canonical form for comparison.
func (o *Output) Sort() {
	sort.Sort(byKey{o})
}

type byKey struct{ o *Output }

func (b byKey) Len() int { return b.o.Len() }
func (b byKey) Less(i, j int) bool {
	if b.o.IDs[i] != b.o.IDs[j] {
		return b.o.IDs[i] < b.o.IDs[j]
	}
	return b.o.SimIDs[i] < b.o.SimIDs[j]
}
func (b byKey) Swap(i, j int) {
	b.o.IDs[i], b.o.IDs[j] = b.o.IDs[j], b.o.IDs[i]
	b.o.SimIDs[i], b.o.SimIDs[j] = b.o.SimIDs[j], b.o.SimIDs[i]
	b.o.Values[i], b.o.Values[j] = b.o.Values[j], b.o.Values[i]
}

// Records slices the output into Arrow record batches of at most chunk rows.
// Callers release each record.
func (o *Output) Records(alloc memory.Allocator, chunk int) []arrow.Record {
	if chunk <= 0 {
		chunk = 64 * 1024
	}

	idB := array.NewInt64Builder(alloc)
	simB := array.NewInt64Builder(alloc)
	valB := array.NewFloat64Builder(alloc)
	defer idB.Release()
	defer simB.Release()
	defer valB.Release()

	var recs []arrow.Record
	for start := 0; start < o.Len(); start += chunk {
		end := min(start+chunk, o.Len())

		idB.AppendValues(o.IDs[start:end], nil)
		simB.AppendValues(o.SimIDs[start:end], nil)
		valB.AppendValues(o.Values[start:end], nil)

		cols := []arrow.Array{idB.NewArray(), simB.NewArray(), valB.NewArray()}
		recs = append(recs, array.NewRecord(DrawArrowSchema, cols, int64(end-start)))
		for _, c := range cols {
			c.Release()
		}
	}
	return recs
}

// AppendRecord appends the rows of an Arrow record whose first three
// columns are id, sim_id and value.
func (o *Output) AppendRecord(rec arrow.Record) error {
	ids, ok1 := rec.Column(0).(*array.Int64)
	sims, ok2 := rec.Column(1).(*array.Int64)
	vals, ok3 := rec.Column(2).(*array.Float64)
	if !ok1 || !ok2 || !ok3 {
		return errRecordLayout
	}
	for i := 0; i < int(rec.NumRows()); i++ {
		if ids.IsNull(i) || sims.IsNull(i) || vals.IsNull(i) {
			return errNullDraw
		}
		o.Append(ids.Value(i), sims.Value(i), vals.Value(i))
	}
	return nil
}
