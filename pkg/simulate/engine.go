package simulate

import (
	"context"
	"io"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/relation"
)

const (
	// DefaultChunkRows is the number of input rows simulated per work unit.
	DefaultChunkRows = 256
)

// ErrConsumed is returned by a generator that has already been drained or
// closed. Draws are produced once per batch.
var ErrConsumed = sferrors.New(sferrors.CodeSimulation, "draw generator already consumed")

// Engine fits a model and streams draws for the prediction subset.
type Engine struct {
	// Workers is the number of goroutines simulating rows. Zero means
	// GOMAXPROCS.
	Workers int
	// ChunkRows is the number of rows per work unit.
	ChunkRows int
	// Seed fixes the draws. Equal seeds give equal output.
	Seed uint64
	Log  logrus.FieldLogger
}

// Expectation describes what a generator will yield: Sims draws for each of
// IDs, sim_id running 1..Sims.
type Expectation struct {
	IDs  []int64
	Sims int
}

// Len returns the number of draws expected.
func (e Expectation) Len() int { return len(e.IDs) * e.Sims }

// Simulate splits in on split, fits model on the rows before the split and
// returns a lazy generator over the draws for the rows at or after it. No
// fitting happens when n is zero or the prediction subset is empty.
func (e *Engine) Simulate(ctx context.Context, model Model, in *relation.Input, roles Roles, n int, split relation.SplitPoint) (*Generator, error) {
	if n < 0 {
		return nil, sferrors.Newf(sferrors.CodeInvalidConfig, "simulation count must be >= 0, got %d", n)
	}
	log := e.logger()

	fit, predict, err := in.Split(split)
	if err != nil {
		return nil, sferrors.Wrap(err, sferrors.CodeSchema, "split input").InStage("simulate", "")
	}
	ids, err := predict.IDs(roles.ID)
	if err != nil {
		return nil, err
	}

	gen := &Generator{
		expect: Expectation{IDs: ids, Sims: n},
		out:    make(chan []relation.Draw, max(e.workers()*2, 1)),
	}
	if n == 0 || len(ids) == 0 {
		log.WithFields(logrus.Fields{"prediction_rows": len(ids), "sims": n}).Info("nothing to simulate")
		close(gen.out)
		return gen, nil
	}

	if err := model.Fit(ctx, fit); err != nil {
		if sferrors.GetCode(err) == sferrors.CodeUnknown {
			err = sferrors.Wrapf(err, sferrors.CodeSimulation, "fit %s", model.Name())
		}
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"model":           model.Name(),
		"fit_rows":        fit.Len(),
		"prediction_rows": predict.Len(),
		"sims":            n,
	}).Info("model fitted")

	idIdx := predict.Schema.Index(roles.ID)
	gen.run = func(ctx context.Context) error {
		return e.produce(ctx, model, predict, idIdx, n, gen.out)
	}
	return gen, nil
}

func (e *Engine) produce(ctx context.Context, model Model, predict *relation.Input, idIdx, n int, out chan<- []relation.Draw) error {
	chunk := e.ChunkRows
	if chunk <= 0 {
		chunk = DefaultChunkRows
	}

	g, ctx := errgroup.WithContext(ctx)
	spans := make(chan [2]int)

	g.Go(func() error {
		defer close(spans)
		for start := 0; start < predict.Len(); start += chunk {
			select {
			case spans <- [2]int{start, min(start+chunk, predict.Len())}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < e.workers(); w++ {
		g.Go(func() error {
			for span := range spans {
				draws := make([]relation.Draw, 0, (span[1]-span[0])*n)
				for _, row := range predict.Rows[span[0]:span[1]] {
					id := row[idIdx].(int64)
					dist, err := model.Predict(row)
					if err != nil {
						return sferrors.Wrapf(err, sferrors.CodeSimulation, "predict row id=%d", id)
					}
					src := RowSource(e.Seed, id)
					for s := 1; s <= n; s++ {
						v, ok := dist.Sample(src)
						draws = append(draws, relation.Draw{ID: id, SimID: int64(s), Value: v, Valid: ok})
					}
				}
				select {
				case out <- draws:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) workers() int {
	if e.Workers > 0 {
		return e.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func (e *Engine) logger() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

// Generator yields draws in chunks. Work starts on the first call to Next
// and the sequence can be read once. Chunk order is unspecified.
type Generator struct {
	expect Expectation
	run    func(ctx context.Context) error
	out    chan []relation.Draw

	once     sync.Once
	cancel   context.CancelFunc
	err      error
	mu       sync.Mutex
	finished bool
}

// Expected returns the ids and sim count this generator covers.
func (g *Generator) Expected() Expectation { return g.expect }

// Next returns the next chunk of draws, or io.EOF after the last one. Calls
// after io.EOF or Close return ErrConsumed.
func (g *Generator) Next(ctx context.Context) ([]relation.Draw, error) {
	g.mu.Lock()
	finished := g.finished
	g.mu.Unlock()
	if finished {
		return nil, ErrConsumed
	}
	if err := ctx.Err(); err != nil {
		g.Close()
		return nil, err
	}

	g.once.Do(func() { g.start(ctx) })

	select {
	case draws, ok := <-g.out:
		if ok {
			return draws, nil
		}
		g.finish()
		if g.err != nil {
			return nil, g.err
		}
		return nil, io.EOF
	case <-ctx.Done():
		g.Close()
		return nil, ctx.Err()
	}
}

func (g *Generator) start(ctx context.Context) {
	if g.run == nil {
		return
	}
	ctx, g.cancel = context.WithCancel(ctx)
	go func() {
		g.err = g.run(ctx)
		close(g.out)
	}()
}

// Close stops the workers and drains pending chunks. It is safe to call
// more than once.
func (g *Generator) Close() error {
	g.once.Do(func() {
		if g.run != nil {
			// never started: nothing will write to out
			g.run = nil
			close(g.out)
		}
	})
	if g.cancel != nil {
		g.cancel()
	}
	for range g.out {
	}
	g.finish()
	return nil
}

func (g *Generator) finish() {
	g.mu.Lock()
	g.finished = true
	g.mu.Unlock()
}
