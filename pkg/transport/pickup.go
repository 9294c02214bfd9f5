package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/simflow/simflow/pkg/artifact"
	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/expand"
	"github.com/simflow/simflow/pkg/notify"
	"github.com/simflow/simflow/pkg/store"
	"github.com/simflow/simflow/pkg/telemetry"
)

// Notifier announces a ready artifact to the external scheduler.
type Notifier interface {
	Notify(ctx context.Context, r notify.Ready) error
}

// PickupConfig configures the Pickup variant.
type PickupConfig struct {
	// Command is the executable and leading arguments; "simulate" and the
	// request flags are appended. Empty means the running executable.
	Command []string `yaml:"command"`
	// Env is added to the inherited environment of the process.
	Env []string `yaml:"env"`
	// WorkDir holds the per-batch artifact directories. Empty means the
	// system temp directory.
	WorkDir string          `yaml:"work_dir"`
	Format  artifact.Format `yaml:"format" validate:"omitempty,oneof=csv parquet"`
	// Load writes the verified output into the destination store, standing
	// in for the external scheduler.
	Load     bool           `yaml:"load"`
	Protocol store.Protocol `yaml:"protocol" validate:"omitempty,oneof=bulk rowwise"`
	// Keep leaves the batch directory in place after a load or publish.
	Keep bool `yaml:"keep"`
	// StderrLimit caps the process diagnostics kept for error reports.
	StderrLimit int `yaml:"stderr_limit"`

	Outbox   artifact.Outbox    `yaml:"-" validate:"-"`
	Notifier Notifier           `yaml:"-" validate:"-"`
	Metrics  *telemetry.Metrics `yaml:"-" validate:"-"`
}

// Pickup exchanges file artifacts with an out-of-process simulation.
type Pickup struct {
	cfg PickupConfig
}

// NewPickup validates cfg.
func NewPickup(cfg PickupConfig) (*Pickup, error) {
	f, err := artifact.ParseFormat(string(cfg.Format))
	if err != nil {
		return nil, err
	}
	cfg.Format = f
	if cfg.Protocol, err = store.ParseProtocol(string(cfg.Protocol)); err != nil {
		return nil, err
	}
	if cfg.StderrLimit <= 0 {
		cfg.StderrLimit = 16 * 1024
	}
	return &Pickup{cfg: cfg}, nil
}

// Kind implements Strategy.
func (p *Pickup) Kind() Kind { return KindPickup }

// Deliver implements Strategy: write the input artifact, run the process,
// read back and verify its output, then load, publish and notify as
// configured. Without a load the write phase is the process run.
func (p *Pickup) Deliver(ctx context.Context, job Job) (*Delivery, error) {
	if err := job.validate(p.cfg.Load); err != nil {
		return nil, staged(err, StageConnect, KindPickup)
	}
	log := job.logger().WithField("strategy", KindPickup)

	in, err := readSource(ctx, job)
	if err != nil {
		return nil, staged(err, StageRead, KindPickup)
	}

	dir, err := os.MkdirTemp(p.cfg.WorkDir, "simflow-pickup-")
	if err != nil {
		return nil, staged(sferrors.Wrap(err, sferrors.CodeUnknown, "create batch directory"), StageProcess, KindPickup)
	}
	keepDir := p.cfg.Keep
	defer func() {
		if !keepDir {
			if err := os.RemoveAll(dir); err != nil {
				log.WithError(err).Warn("could not remove batch directory")
			}
		}
	}()

	ext := p.cfg.Format.Ext()
	req := PickupRequest{
		Sims:    job.Params.Sims,
		Split:   job.Params.Split.String(),
		Seed:    job.Params.Seed,
		Input:   filepath.Join(dir, "input"+ext),
		Output:  filepath.Join(dir, "draws"+ext),
		Workers: job.Materializer.Workers,
		Roles:   job.Materializer.Roles,
	}
	if err := artifact.WriteInput(ctx, req.Input, in); err != nil {
		return nil, staged(err, StageProcess, KindPickup)
	}

	start := time.Now()
	if err := p.run(ctx, req, log); err != nil {
		return nil, staged(err, StageProcess, KindPickup)
	}
	// WriteElapsed covers the process and, when loading, the load.
	delivery := &Delivery{WriteElapsed: time.Since(start), Artifact: req.Output}

	out, err := artifact.ReadOutput(ctx, req.Output)
	if err != nil {
		return nil, staged(err, StageVerify, KindPickup)
	}
	ids, err := job.Materializer.PredictionIDs(in, job.Params.Split)
	if err != nil {
		return nil, staged(err, StageVerify, KindPickup)
	}
	if err := expand.Verify(out, ids, job.Params.Sims); err != nil {
		return nil, staged(err, StageVerify, KindPickup)
	}
	delivery.Rows = int64(out.Len())

	if p.cfg.Load {
		dest := job.Dest.WithDefaultSchema(job.Store.DefaultSchema())
		loadStart := time.Now()
		n, err := job.Store.Write(ctx, dest, out, store.WriteOptions{
			Protocol: p.cfg.Protocol,
			Policy:   job.Policy,
			BatchID:  job.BatchID,
		})
		if err != nil {
			return nil, staged(err, StageWrite, KindPickup)
		}
		delivery.Rows, delivery.Protocol = n, p.cfg.Protocol
		delivery.WriteElapsed += time.Since(loadStart)
	}

	switch {
	case p.cfg.Outbox != nil:
		loc, err := p.cfg.Outbox.Publish(ctx, req.Output)
		if err != nil {
			return nil, staged(err, StagePublish, KindPickup)
		}
		delivery.Artifact = loc
	case !p.cfg.Load:
		// The artifact is the delivery.
		keepDir = true
	case !keepDir:
		delivery.Artifact = ""
	}

	if p.cfg.Notifier != nil {
		ready := notify.Ready{
			BatchID:  job.BatchID,
			Artifact: delivery.Artifact,
			Rows:     delivery.Rows,
			Sims:     job.Params.Sims,
		}
		if p.cfg.Load {
			ready.Dest = job.Dest.WithDefaultSchema(job.Store.DefaultSchema()).String()
		}
		if err := p.cfg.Notifier.Notify(ctx, ready); err != nil {
			return nil, staged(err, StagePublish, KindPickup)
		}
	}

	log.WithFields(logrus.Fields{
		"rows":     delivery.Rows,
		"artifact": delivery.Artifact,
		"loaded":   p.cfg.Load,
		"elapsed":  delivery.WriteElapsed,
	}).Info("pickup delivered")
	return delivery, nil
}

func (p *Pickup) command() (string, []string, error) {
	if len(p.cfg.Command) > 0 {
		return p.cfg.Command[0], append([]string(nil), p.cfg.Command[1:]...), nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", nil, sferrors.Wrap(err, sferrors.CodeProtocolUnavailable, "locate simflow executable")
	}
	return exe, nil, nil
}

// run executes the process and maps its exit status back to an error code.
func (p *Pickup) run(ctx context.Context, req PickupRequest, log logrus.FieldLogger) error {
	name, args, err := p.command()
	if err != nil {
		return err
	}
	args = append(append(args, "simulate"), req.Args()...)

	diag := &tailBuffer{limit: p.cfg.StderrLimit}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	cmd.Stdout = diag
	cmd.Stderr = diag

	log.WithField("command", name).Debug("starting pickup process")
	err = cmd.Run()
	if cmd.ProcessState != nil {
		p.cfg.Metrics.ObservePickupExit(cmd.ProcessState.ExitCode())
	}
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return sferrors.Wrap(ctxErr, sferrors.CodeCanceled, "pickup process interrupted")
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		return sferrors.New(sferrors.CodeForExit(code), fmt.Sprintf("pickup process exited with status %d", code)).
			With("exit_code", code).
			With("stderr", diag.String())
	}
	return sferrors.Wrapf(err, sferrors.CodeProtocolUnavailable, "start pickup process %s", name)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf.Bytes()))
}
