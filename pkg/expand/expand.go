// Package expand materializes simulation draws into the long output
// relation (id, sim_id, value) and enforces its row-count invariant.
package expand

import (
	"context"
	"errors"
	"io"
	"math"

	"github.com/RoaringBitmap/roaring"

	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/relation"
	"github.com/simflow/simflow/pkg/simulate"
)

// Source is a finite, single-use stream of draw chunks.
type Source interface {
	Next(ctx context.Context) ([]relation.Draw, error)
	Expected() simulate.Expectation
}

// Options tune Expand.
type Options struct {
	// OnProgress is called after each chunk with the rows materialized so
	// far and the total expected.
	OnProgress func(done, total int)
}

// Expand drains src into an Output. Any draw that breaks the invariant
// (exactly one finite value per id of the prediction subset and sim_id in
// [1, N]) fails the whole batch with an integrity error.
func Expand(ctx context.Context, src Source, opts Options) (*relation.Output, error) {
	exp := src.Expected()
	cov := newCoverage(exp)
	out := relation.NewOutput(exp.Len())

	for {
		chunk, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, sferrors.Wrap(err, sferrors.GetCode(err), "draw generation failed").InStage("expand", "")
		}
		for _, d := range chunk {
			if !d.Valid {
				return nil, sferrors.Integrity("null draw for id=%d sim_id=%d", d.ID, d.SimID).InStage("expand", "")
			}
			if err := cov.add(d.ID, d.SimID, d.Value); err != nil {
				return nil, err.InStage("expand", "")
			}
			out.Append(d.ID, d.SimID, d.Value)
		}
		if opts.OnProgress != nil {
			opts.OnProgress(out.Len(), exp.Len())
		}
	}

	if err := cov.complete(); err != nil {
		return nil, err.InStage("expand", "")
	}
	return out, nil
}

// Verify applies the expansion checks to an already materialized relation,
// for example one read back from a destination.
func Verify(out *relation.Output, ids []int64, n int) error {
	cov := newCoverage(simulate.Expectation{IDs: ids, Sims: n})
	for i := 0; i < out.Len(); i++ {
		id, sim, v := out.Row(i)
		if err := cov.add(id, sim, v); err != nil {
			return err.InStage("verify", "")
		}
	}
	if err := cov.complete(); err != nil {
		return err.InStage("verify", "")
	}
	return nil
}

// coverage holds one bitmap of seen sim_ids per expected id.
type coverage struct {
	sims int
	seen map[int64]*roaring.Bitmap
}

func newCoverage(exp simulate.Expectation) *coverage {
	c := &coverage{sims: exp.Sims, seen: make(map[int64]*roaring.Bitmap, len(exp.IDs))}
	for _, id := range exp.IDs {
		c.seen[id] = roaring.New()
	}
	return c
}

func (c *coverage) add(id, sim int64, value float64) *sferrors.Error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return sferrors.Integrity("non-finite draw %v for id=%d sim_id=%d", value, id, sim)
	}
	if sim < 1 || sim > int64(c.sims) {
		return sferrors.Integrity("sim_id %d for id=%d outside [1, %d]", sim, id, c.sims)
	}
	bm, ok := c.seen[id]
	if !ok {
		return sferrors.Integrity("orphan draw: id=%d is not in the prediction subset", id)
	}
	if !bm.CheckedAdd(uint32(sim)) {
		return sferrors.Integrity("duplicate draw id=%d sim_id=%d", id, sim)
	}
	return nil
}

func (c *coverage) complete() *sferrors.Error {
	var short int
	var first int64
	for id, bm := range c.seen {
		if bm.GetCardinality() != uint64(c.sims) {
			if short == 0 || id < first {
				first = id
			}
			short++
		}
	}
	if short > 0 {
		return sferrors.Integrity("%d ids have fewer than %d draws", short, c.sims).
			With("first_id", first)
	}
	return nil
}
