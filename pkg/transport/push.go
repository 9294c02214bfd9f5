package transport

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/simflow/simflow/pkg/store"
)

// PushConfig configures the Push variant.
type PushConfig struct {
	// Protocol is bulk (default) or rowwise.
	Protocol store.Protocol `yaml:"protocol" validate:"omitempty,oneof=bulk rowwise"`
}

// Push reads, simulates and expands in this process, then writes over the
// caller's open connection: stage, then swap in one transaction.
type Push struct {
	cfg PushConfig
}

// NewPush validates cfg.
func NewPush(cfg PushConfig) (*Push, error) {
	p, err := store.ParseProtocol(string(cfg.Protocol))
	if err != nil {
		return nil, err
	}
	cfg.Protocol = p
	return &Push{cfg: cfg}, nil
}

// Kind implements Strategy.
func (p *Push) Kind() Kind { return KindPush }

// Deliver implements Strategy.
func (p *Push) Deliver(ctx context.Context, job Job) (*Delivery, error) {
	if err := job.validate(true); err != nil {
		return nil, staged(err, StageConnect, KindPush)
	}
	log := job.logger().WithField("strategy", KindPush)

	in, err := readSource(ctx, job)
	if err != nil {
		return nil, staged(err, StageRead, KindPush)
	}
	out, err := job.Materializer.Materialize(ctx, in, job.Params)
	if err != nil {
		return nil, staged(err, StageSimulate, KindPush)
	}

	dest := job.Dest.WithDefaultSchema(job.Store.DefaultSchema())
	start := time.Now()
	n, err := job.Store.Write(ctx, dest, out, store.WriteOptions{
		Protocol: p.cfg.Protocol,
		Policy:   job.Policy,
		BatchID:  job.BatchID,
	})
	elapsed := time.Since(start)
	if err != nil {
		return nil, staged(err, StageWrite, KindPush)
	}

	log.WithFields(logrus.Fields{
		"dest":     dest.String(),
		"rows":     n,
		"protocol": p.cfg.Protocol,
		"elapsed":  elapsed,
	}).Info("draws pushed")
	return &Delivery{Rows: n, WriteElapsed: elapsed, Protocol: p.cfg.Protocol}, nil
}
