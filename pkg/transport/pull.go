package transport

import (
	"context"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/simflow/simflow/pkg/materialize"
	"github.com/simflow/simflow/pkg/procedure"
	"github.com/simflow/simflow/pkg/relation"
	"github.com/simflow/simflow/pkg/store"
)

// PullConfig configures the Pull variant.
type PullConfig struct {
	// Host holds the registered procedures. Nil gets a private host.
	Host *procedure.Host `yaml:"-" validate:"-"`
	// Procedure to call; defaults to the simulation procedure.
	Procedure string `yaml:"procedure"`
}

// Pull runs the simulation inside the store's transaction boundary through
// a registered procedure. Only stores implementing store.Host qualify.
type Pull struct {
	cfg  PullConfig
	once sync.Once
	err  error
}

// NewPull builds a Pull strategy.
func NewPull(cfg PullConfig) *Pull {
	if cfg.Procedure == "" {
		cfg.Procedure = materialize.ProcedureName
	}
	return &Pull{cfg: cfg}
}

// Kind implements Strategy.
func (p *Pull) Kind() Kind { return KindPull }

// host returns the procedure host, creating it on first use. The simulation
// procedure is registered from the first job's materializer.
func (p *Pull) host(job Job) (*procedure.Host, error) {
	p.once.Do(func() {
		if p.cfg.Host == nil {
			p.cfg.Host = procedure.NewHost(job.Log)
		}
		if _, ok := p.cfg.Host.Lookup(materialize.ProcedureName); !ok {
			p.err = p.cfg.Host.Register(job.Materializer.Procedure())
		}
	})
	return p.cfg.Host, p.err
}

// Deliver implements Strategy. The whole in-store call counts as the write
// phase: read, simulation and write share one transaction.
func (p *Pull) Deliver(ctx context.Context, job Job) (*Delivery, error) {
	if err := job.validate(true); err != nil {
		return nil, staged(err, StageConnect, KindPull)
	}
	h, err := p.host(job)
	if err != nil {
		return nil, staged(err, StageConnect, KindPull)
	}

	res, err := h.Invoke(ctx, job.Store, procedure.Call{
		Procedure: p.cfg.Procedure,
		Inputs:    []relation.TableRef{job.Source.WithDefaultSchema(job.Store.DefaultSchema())},
		Params: map[string]string{
			"sims":  strconv.Itoa(job.Params.Sims),
			"split": job.Params.Split.String(),
			"seed":  strconv.FormatInt(int64(job.Params.Seed), 10),
		},
		Dest: job.Dest.WithDefaultSchema(job.Store.DefaultSchema()),
		Write: store.WriteOptions{
			Policy:  job.Policy,
			BatchID: job.BatchID,
		},
	})
	if err != nil {
		return nil, staged(err, StageWrite, KindPull)
	}

	job.logger().WithFields(logrus.Fields{
		"strategy":  KindPull,
		"procedure": res.Procedure,
		"rows":      res.Rows,
		"elapsed":   res.Elapsed,
	}).Info("draws pulled")
	return &Delivery{Rows: res.Rows, WriteElapsed: res.Elapsed}, nil
}
