// Package transport delivers a run's draw relation to its destination. The
// three topologies (Push, Pull, Pickup) sit behind one Strategy interface so
// the orchestrator has a single call site.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/materialize"
	"github.com/simflow/simflow/pkg/relation"
	"github.com/simflow/simflow/pkg/store"
)

// Kind names a transport variant.
type Kind string

const (
	KindPush   Kind = "push"
	KindPull   Kind = "pull"
	KindPickup Kind = "pickup"
)

// ParseKind parses a strategy name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindPush, KindPull, KindPickup:
		return k, nil
	}
	return "", sferrors.Newf(sferrors.CodeInvalidConfig, "unknown strategy %q (push, pull, pickup)", s)
}

// Pipeline stages, as reported on errors and in delivery reports.
const (
	StageConnect  = "connect"
	StageRead     = "read"
	StageSimulate = "simulate"
	StageWrite    = "write"
	StageProcess  = "process"
	StageVerify   = "verify"
	StagePublish  = "publish"
)

// Spec is the tagged variant: Kind selects which payload is used. A nil
// payload means that variant's defaults.
type Spec struct {
	Kind   Kind
	Push   *PushConfig
	Pull   *PullConfig
	Pickup *PickupConfig
}

// Job is everything a strategy needs for one delivery. Store is owned by
// the caller and stays open for the whole call.
type Job struct {
	BatchID string
	Source  relation.TableRef
	Dest    relation.TableRef
	Params  materialize.Params
	Policy  store.Policy
	Store   store.Store
	// Materializer is the read-free input to output core.
	Materializer *materialize.Materializer
	Log          logrus.FieldLogger
}

func (j Job) logger() logrus.FieldLogger {
	log := j.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return log.WithField("batch_id", j.BatchID)
}

func (j Job) validate(needDest bool) error {
	if j.Store == nil {
		return sferrors.New(sferrors.CodeInvalidConfig, "job has no store")
	}
	if j.Materializer == nil {
		return sferrors.New(sferrors.CodeInvalidConfig, "job has no materializer")
	}
	if j.Params.Sims < 0 {
		return sferrors.Newf(sferrors.CodeInvalidConfig, "sims must be >= 0, got %d", j.Params.Sims)
	}
	if needDest && j.Dest.Table == "" {
		return sferrors.New(sferrors.CodeInvalidConfig, "job has no destination")
	}
	return nil
}

// Delivery is the outcome of a successful Deliver.
type Delivery struct {
	Rows int64
	// WriteElapsed is the wall time of the write phase only.
	WriteElapsed time.Duration
	// Protocol is the write protocol used, if the strategy wrote to a store.
	Protocol store.Protocol
	// Artifact is where a pickup output artifact was left or published.
	Artifact string
}

// Strategy moves one run's draws to the destination.
type Strategy interface {
	Kind() Kind
	Deliver(ctx context.Context, job Job) (*Delivery, error)
}

// New builds the strategy for spec.
func New(spec Spec) (Strategy, error) {
	switch spec.Kind {
	case KindPush:
		cfg := PushConfig{}
		if spec.Push != nil {
			cfg = *spec.Push
		}
		return NewPush(cfg)
	case KindPull:
		cfg := PullConfig{}
		if spec.Pull != nil {
			cfg = *spec.Pull
		}
		return NewPull(cfg), nil
	case KindPickup:
		cfg := PickupConfig{}
		if spec.Pickup != nil {
			cfg = *spec.Pickup
		}
		return NewPickup(cfg)
	default:
		_, err := ParseKind(string(spec.Kind))
		return nil, err
	}
}

// readSource reads the job's input with the model's declared schema.
func readSource(ctx context.Context, job Job) (*relation.Input, error) {
	ref := job.Source.WithDefaultSchema(job.Store.DefaultSchema())
	in, err := job.Store.Read(ctx, ref, job.Materializer.Roles.InputSchema())
	if err != nil {
		return nil, err
	}
	job.logger().WithFields(logrus.Fields{"source": ref.String(), "rows": in.Len()}).Debug("source read")
	return in, nil
}

// staged tags err with stage and kind. Errors without a code become
// CANCELED when the context ended, UNKNOWN otherwise.
func staged(err error, stage string, kind Kind) error {
	if err == nil {
		return nil
	}
	var se *sferrors.Error
	if errors.As(err, &se) {
		se.InStage(stage, string(kind))
		return err
	}
	code := sferrors.CodeUnknown
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		code = sferrors.CodeCanceled
	}
	return sferrors.Wrap(err, code, fmt.Sprintf("%s failed", stage)).InStage(stage, string(kind))
}
