package watch

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/simflow/simflow/pkg/artifact"
	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/notify"
	"github.com/simflow/simflow/pkg/telemetry"
	"github.com/simflow/simflow/pkg/transport"
)

// JobSuffix names the optional per-artifact job file: flights.csv is
// simulated with the overrides in flights.job.yaml.
const JobSuffix = ".job.yaml"

// Job overrides the service defaults for one artifact.
type Job struct {
	BatchID string  `yaml:"batch_id"`
	Sims    *int    `yaml:"sims"`
	Split   string  `yaml:"split"`
	Seed    *uint64 `yaml:"seed"`
}

// JobFile returns the job file path for an input artifact.
func JobFile(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + JobSuffix
}

// ReadJob decodes the job file at path. A missing or empty file is the
// zero Job; unknown keys are rejected.
func ReadJob(path string) (Job, error) {
	var job Job
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return job, nil
	}
	if err != nil {
		return job, sferrors.Wrapf(err, sferrors.CodeInvalidConfig, "open job file %s", path)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&job); err != nil && !errors.Is(err, io.EOF) {
		return job, sferrors.Wrapf(err, sferrors.CodeInvalidConfig, "parse job file %s", path)
	}
	return job, nil
}

// Processor simulates one inbox artifact the way a pickup process would and
// announces the result.
type Processor struct {
	// Defaults carries the roles, sims, split, seed and workers; Input and
	// Output are set per artifact.
	Defaults transport.PickupRequest
	// OutDir receives <base>.draws<ext>. It must not be the inbox.
	OutDir   string
	Outbox   artifact.Outbox
	Notifier transport.Notifier
	Metrics  *telemetry.Metrics
	Log      logrus.FieldLogger
}

// Handle is an Inbox handler.
func (p *Processor) Handle(ctx context.Context, path string) (err error) {
	defer func() {
		status := "success"
		if err != nil {
			status = "failure"
		}
		p.Metrics.ObserveInbox(status)
	}()

	job, err := ReadJob(JobFile(path))
	if err != nil {
		return err
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	req := p.Defaults
	if job.Sims != nil {
		req.Sims = *job.Sims
	}
	if job.Split != "" {
		req.Split = job.Split
	}
	if job.Seed != nil {
		req.Seed = *job.Seed
	}
	batch := job.BatchID
	if batch == "" {
		batch = base
	}
	req.Input = path
	req.Output = filepath.Join(p.OutDir, base+".draws"+artifact.FormatOf(path).Ext())

	log := p.logger().WithFields(logrus.Fields{"batch_id": batch, "sims": req.Sims, "split": req.Split})
	if err := transport.RunProcess(ctx, req, log); err != nil {
		return err
	}

	out, err := artifact.ReadOutput(ctx, req.Output)
	if err != nil {
		return sferrors.Wrap(err, sferrors.GetCode(err), "read back output artifact").InStage(transport.StageVerify, string(transport.KindPickup))
	}

	loc := req.Output
	if p.Outbox != nil {
		if loc, err = p.Outbox.Publish(ctx, req.Output); err != nil {
			return sferrors.Wrap(err, sferrors.GetCode(err), "publish output artifact").InStage(transport.StagePublish, string(transport.KindPickup))
		}
	}
	if p.Notifier != nil {
		ready := notify.Ready{
			BatchID:   batch,
			Artifact:  loc,
			Rows:      int64(out.Len()),
			Sims:      req.Sims,
			CreatedAt: time.Now().UTC(),
		}
		if err := p.Notifier.Notify(ctx, ready); err != nil {
			return err
		}
	}
	log.WithFields(logrus.Fields{"rows": out.Len(), "artifact": loc}).Info("draws published")
	return nil
}

func (p *Processor) logger() logrus.FieldLogger {
	if p.Log != nil {
		return p.Log
	}
	return logrus.StandardLogger()
}
