// Package orchestrator sequences one simflow run: acquire the store, read,
// simulate, expand and deliver through the configured transport, and report.
package orchestrator

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/materialize"
	"github.com/simflow/simflow/pkg/relation"
	"github.com/simflow/simflow/pkg/simulate"
	"github.com/simflow/simflow/pkg/store"
	"github.com/simflow/simflow/pkg/telemetry"
	"github.com/simflow/simflow/pkg/transport"
)

// StageConfig is reported when a run is rejected before the store is
// touched.
const StageConfig = "config"

// RunConfig is everything one run needs. Every parameter is explicit.
type RunConfig struct {
	// StoreDSN selects the store, see store.Open.
	StoreDSN string
	Source   relation.TableRef
	// Dest may be empty only for a pickup run that does not load.
	Dest relation.TableRef `validate:"-"`
	Sims int               `validate:"gte=0"`
	// Split is parsed against the partition column type.
	Split     string `validate:"required"`
	Transport transport.Spec
	Policy    store.Policy `validate:"omitempty,oneof=replace fail append"`
	Seed      uint64
	Roles     simulate.Roles
	Workers   int `validate:"gte=0"`
	// BatchID defaults to a fresh UUID.
	BatchID string
}

// Report is the outcome of one run, successful or not.
type Report struct {
	BatchID       string         `json:"batch_id"`
	Strategy      transport.Kind `json:"strategy"`
	Protocol      store.Protocol `json:"protocol,omitempty"`
	Source        string         `json:"source"`
	Dest          string         `json:"dest,omitempty"`
	Sims          int            `json:"sims"`
	RowsWritten   int64          `json:"rows_written"`
	WriteElapsed  time.Duration  `json:"write_elapsed"`
	TotalElapsed  time.Duration  `json:"total_elapsed"`
	Artifact      string         `json:"artifact,omitempty"`
	Success       bool           `json:"success"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Code          sferrors.Code  `json:"code,omitempty"`
	Stage         string         `json:"stage,omitempty"`
}

func (r *Report) fail(err error) {
	r.Success = false
	r.FailureReason = err.Error()
	r.Code = sferrors.GetCode(err)
	var se *sferrors.Error
	if errors.As(err, &se) {
		r.Stage = se.Stage
	}
}

// Orchestrator runs pipelines. The zero value is usable.
type Orchestrator struct {
	Log     logrus.FieldLogger
	Metrics *telemetry.Metrics
	// Open acquires the store handle; nil means store.Open.
	Open func(ctx context.Context, dsn string) (store.Store, error)
	// NewModel overrides the reference model.
	NewModel   func(simulate.Roles) simulate.Model
	OnProgress func(done, total int)
}

var validate = validator.New()

// Run executes cfg. The report is always returned; err is non-nil exactly
// when the report records a failure. The store handle is released on every
// path.
func (o *Orchestrator) Run(ctx context.Context, cfg RunConfig) (*Report, error) {
	start := time.Now()
	if cfg.BatchID == "" {
		cfg.BatchID = uuid.NewString()
	}
	rep := &Report{
		BatchID:  cfg.BatchID,
		Strategy: cfg.Transport.Kind,
		Source:   cfg.Source.String(),
		Dest:     cfg.Dest.String(),
		Sims:     cfg.Sims,
	}
	log := o.logger().WithFields(logrus.Fields{"batch_id": cfg.BatchID, "strategy": cfg.Transport.Kind})

	ctx, span := telemetry.StartSpan(ctx, "simflow.run",
		attribute.String("simflow.batch_id", cfg.BatchID),
		attribute.String("simflow.strategy", string(cfg.Transport.Kind)),
		attribute.Int("simflow.sims", cfg.Sims),
	)
	d, err := o.run(ctx, cfg, log)
	telemetry.EndSpan(span, err)
	rep.TotalElapsed = time.Since(start)

	if err != nil {
		rep.fail(err)
		o.Metrics.ObserveRun(string(rep.Strategy), "", false, 0, 0)
		log.WithError(err).WithFields(logrus.Fields{"stage": rep.Stage, "code": rep.Code}).Error("run failed")
		return rep, err
	}

	rep.Success = true
	rep.RowsWritten = d.Rows
	rep.WriteElapsed = d.WriteElapsed
	rep.Protocol = d.Protocol
	rep.Artifact = d.Artifact
	o.Metrics.ObserveRun(string(rep.Strategy), string(rep.Protocol), true, rep.RowsWritten, rep.WriteElapsed)
	log.WithFields(logrus.Fields{
		"rows":          rep.RowsWritten,
		"write_elapsed": rep.WriteElapsed,
		"total_elapsed": rep.TotalElapsed,
	}).Info("run delivered")
	return rep, nil
}

func (o *Orchestrator) run(ctx context.Context, cfg RunConfig, log logrus.FieldLogger) (*transport.Delivery, error) {
	kind := string(cfg.Transport.Kind)
	invalid := func(err error, msg string) error {
		return sferrors.Wrap(err, sferrors.CodeInvalidConfig, msg).InStage(StageConfig, kind)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, invalid(err, "invalid run config")
	}
	policy, err := store.ParsePolicy(string(cfg.Policy))
	if err != nil {
		return nil, invalid(err, "invalid overwrite policy")
	}
	split, err := cfg.Roles.SplitPoint(cfg.Split)
	if err != nil {
		return nil, invalid(err, "invalid split point")
	}
	if cfg.Transport.Kind == transport.KindPickup && o.Metrics != nil {
		pc := transport.PickupConfig{}
		if cfg.Transport.Pickup != nil {
			pc = *cfg.Transport.Pickup
		}
		if pc.Metrics == nil {
			pc.Metrics = o.Metrics
		}
		cfg.Transport.Pickup = &pc
	}
	strategy, err := transport.New(cfg.Transport)
	if err != nil {
		return nil, invalid(err, "invalid transport")
	}

	st, err := o.open(ctx, cfg.StoreDSN)
	if err != nil {
		var se *sferrors.Error
		if !errors.As(err, &se) {
			se = sferrors.Connection(err, redact(cfg.StoreDSN))
			err = se
		}
		se.InStage(transport.StageConnect, kind)
		return nil, err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.WithError(err).Warn("closing store")
		}
	}()

	return strategy.Deliver(ctx, transport.Job{
		BatchID: cfg.BatchID,
		Source:  cfg.Source,
		Dest:    cfg.Dest,
		Params:  materialize.Params{Sims: cfg.Sims, Split: split, Seed: cfg.Seed},
		Policy:  policy,
		Store:   st,
		Materializer: &materialize.Materializer{
			Roles:      cfg.Roles,
			Workers:    cfg.Workers,
			NewModel:   o.NewModel,
			OnProgress: o.OnProgress,
			OnStats:    func(s materialize.Stats) { o.Metrics.AddDraws(s.Draws) },
			Log:        log,
		},
		Log: log,
	})
}

func (o *Orchestrator) open(ctx context.Context, dsn string) (store.Store, error) {
	if o.Open != nil {
		return o.Open(ctx, dsn)
	}
	return store.Open(ctx, dsn, store.WithLogger(o.logger()))
}

// redact hides a password in a URL-style DSN.
func redact(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		return u.Redacted()
	}
	return dsn
}

func (o *Orchestrator) logger() logrus.FieldLogger {
	if o.Log != nil {
		return o.Log
	}
	return logrus.StandardLogger()
}
