// Package materialize is the read-free core shared by every transport:
// input relation in, verified draw relation out.
package materialize

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/expand"
	"github.com/simflow/simflow/pkg/procedure"
	"github.com/simflow/simflow/pkg/relation"
	"github.com/simflow/simflow/pkg/simulate"
)

// ProcedureName is the name the simulation is registered under for
// in-store calls.
const ProcedureName = "simulate"

// Params are the per-run scalars.
type Params struct {
	Sims  int
	Split relation.SplitPoint
	Seed  uint64
}

// Stats describe one materialization.
type Stats struct {
	InputRows      int
	PredictionRows int
	Draws          int
	Elapsed        time.Duration
}

// Materializer fits, simulates and expands.
type Materializer struct {
	Roles     simulate.Roles
	Workers   int
	ChunkRows int
	// NewModel builds a fresh model per run. Nil means the mixed-intercept
	// reference model.
	NewModel   func(simulate.Roles) simulate.Model
	OnProgress func(done, total int)
	// OnStats, when set, receives the stats of every successful run.
	OnStats func(Stats)
	Log     logrus.FieldLogger
}

// Materialize turns in into the verified draw relation for p.
func (m *Materializer) Materialize(ctx context.Context, in *relation.Input, p Params) (*relation.Output, error) {
	start := time.Now()
	newModel := m.NewModel
	if newModel == nil {
		newModel = func(r simulate.Roles) simulate.Model { return simulate.NewMixedModel(r) }
	}

	engine := &simulate.Engine{
		Workers:   m.Workers,
		ChunkRows: m.ChunkRows,
		Seed:      p.Seed,
		Log:       m.logger(),
	}
	gen, err := engine.Simulate(ctx, newModel(m.Roles), in, m.Roles, p.Sims, p.Split)
	if err != nil {
		return nil, err
	}
	defer gen.Close()

	out, err := expand.Expand(ctx, gen, expand.Options{OnProgress: m.OnProgress})
	if err != nil {
		return nil, err
	}

	stats := Stats{
		InputRows:      in.Len(),
		PredictionRows: len(gen.Expected().IDs),
		Draws:          out.Len(),
		Elapsed:        time.Since(start),
	}
	if m.OnStats != nil {
		m.OnStats(stats)
	}
	m.logger().WithFields(logrus.Fields{
		"input_rows":      stats.InputRows,
		"prediction_rows": stats.PredictionRows,
		"draws":           stats.Draws,
		"elapsed":         stats.Elapsed,
	}).Info("draws materialized")
	return out, nil
}

// PredictionIDs returns the ids that a run with split must cover.
func (m *Materializer) PredictionIDs(in *relation.Input, split relation.SplitPoint) ([]int64, error) {
	_, predict, err := in.Split(split)
	if err != nil {
		return nil, err
	}
	return predict.IDs(m.Roles.ID)
}

// Procedure returns the in-store definition of the simulation: parameters
// sims (int, required), split (partition type, required) and seed (int).
func (m *Materializer) Procedure() procedure.Definition {
	return procedure.Definition{
		Name: ProcedureName,
		Params: []procedure.Param{
			{Name: "sims", Type: relation.TypeInt, Required: true},
			{Name: "split", Type: m.Roles.PartitionKind(), Required: true},
			{Name: "seed", Type: relation.TypeInt, Default: int64(0)},
		},
		InputSchema:  m.Roles.InputSchema(),
		ResultSchema: relation.DrawSchema,
		Body: func(ctx context.Context, in *relation.Input, params procedure.Params) (*relation.Output, error) {
			sims := params.Int("sims")
			if sims < 0 {
				return nil, sferrors.Newf(sferrors.CodeInvalidConfig, "sims must be >= 0, got %d", sims)
			}
			return m.Materialize(ctx, in, Params{
				Sims:  int(sims),
				Split: relation.SplitPoint{Column: m.Roles.Partition, Value: params.Value("split")},
				Seed:  uint64(params.Int("seed")),
			})
		},
	}
}

func (m *Materializer) logger() logrus.FieldLogger {
	if m.Log != nil {
		return m.Log
	}
	return logrus.StandardLogger()
}
