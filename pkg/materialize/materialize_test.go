package materialize

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/expand"
	"github.com/simflow/simflow/pkg/procedure"
	"github.com/simflow/simflow/pkg/relation"
	"github.com/simflow/simflow/pkg/simulate"
)

var roles = simulate.Roles{
	ID: "id", Partition: "day", PartitionType: "int",
	Target: "delay", Group: "carrier", Features: []string{"distance"},
}

func flights(n int) *relation.Input {
	carriers := []string{"AA", "UA", "DL"}
	in := &relation.Input{Schema: roles.InputSchema()}
	for i := 0; i < n; i++ {
		dist := float64(100 + 37*i%400)
		in.Rows = append(in.Rows, []any{int64(i + 1), int64(i), 5 + dist/50 + float64(i%3), carriers[i%3], dist})
	}
	return in
}

func TestMaterializeCoversPredictionRows(t *testing.T) {
	var stats Stats
	var progress int
	m := &Materializer{
		Roles:      roles,
		Workers:    3,
		OnProgress: func(done, _ int) { progress = done },
		OnStats:    func(s Stats) { stats = s },
	}
	in := flights(60)
	sp, err := roles.SplitPoint("40")
	require.NoError(t, err)

	out, err := m.Materialize(context.Background(), in, Params{Sims: 5, Split: sp, Seed: 9})
	require.NoError(t, err)
	assert.Equal(t, 100, out.Len())

	ids, err := m.PredictionIDs(in, sp)
	require.NoError(t, err)
	assert.Len(t, ids, 20)
	assert.NoError(t, expand.Verify(out, ids, 5))

	assert.Equal(t, Stats{InputRows: 60, PredictionRows: 20, Draws: 100, Elapsed: stats.Elapsed}, stats)
	assert.Equal(t, 100, progress)
}

func TestMaterializeIsReproducible(t *testing.T) {
	in := flights(60)
	sp, err := roles.SplitPoint("40")
	require.NoError(t, err)

	a, err := (&Materializer{Roles: roles, Workers: 1}).Materialize(context.Background(), in, Params{Sims: 3, Split: sp, Seed: 4})
	require.NoError(t, err)
	b, err := (&Materializer{Roles: roles, Workers: 8}).Materialize(context.Background(), in, Params{Sims: 3, Split: sp, Seed: 4})
	require.NoError(t, err)
	a.Sort()
	b.Sort()
	assert.Equal(t, a, b)
}

func TestProcedureDeclaresDrawResult(t *testing.T) {
	def := (&Materializer{Roles: roles}).Procedure()
	assert.Equal(t, ProcedureName, def.Name)
	assert.Equal(t, relation.DrawSchema, def.ResultSchema)
	assert.Equal(t, roles.InputSchema(), def.InputSchema)
	require.NoError(t, procedure.NewHost(nil).Register(def))

	_, err := def.Body(context.Background(), flights(10), procedure.Params{"sims": int64(-1), "split": int64(5), "seed": int64(0)})
	assert.True(t, sferrors.IsCode(err, sferrors.CodeInvalidConfig))

	out, err := def.Body(context.Background(), flights(10), procedure.Params{"sims": int64(2), "split": int64(7), "seed": int64(1)})
	require.NoError(t, err)
	assert.Equal(t, 6, out.Len())
}
