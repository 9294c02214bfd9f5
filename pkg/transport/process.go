package transport

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/simflow/simflow/pkg/artifact"
	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/materialize"
	"github.com/simflow/simflow/pkg/simulate"
)

// PickupRequest is the command line contract of the out-of-process
// simulation: simflow simulate --sims --split --seed --input --output plus
// the model role flags.
type PickupRequest struct {
	Sims    int    `validate:"gte=0"`
	Split   string `validate:"required"`
	Seed    uint64
	Input   string `validate:"required"`
	Output  string `validate:"required"`
	Workers int    `validate:"gte=0"`
	Roles   simulate.Roles
}

// BindFlags registers the request flags on fs, using the current field
// values as defaults.
func (r *PickupRequest) BindFlags(fs *pflag.FlagSet) {
	fs.IntVar(&r.Sims, "sims", r.Sims, "draws per prediction row")
	fs.StringVar(&r.Split, "split", r.Split, "split point on the partition column")
	fs.Uint64Var(&r.Seed, "seed", r.Seed, "random seed")
	fs.StringVar(&r.Input, "input", r.Input, "input artifact path (.csv or .parquet)")
	fs.StringVar(&r.Output, "output", r.Output, "output artifact path (.csv or .parquet)")
	fs.IntVar(&r.Workers, "workers", r.Workers, "simulation workers (0 = GOMAXPROCS)")
	fs.StringVar(&r.Roles.ID, "id", r.Roles.ID, "id column")
	fs.StringVar(&r.Roles.Partition, "partition", r.Roles.Partition, "partition column")
	fs.StringVar(&r.Roles.PartitionType, "partition-type", r.Roles.PartitionType, "partition column type")
	fs.StringVar(&r.Roles.Target, "target", r.Roles.Target, "target column")
	fs.StringVar(&r.Roles.Group, "group", r.Roles.Group, "group column for random intercepts")
	fs.StringSliceVar(&r.Roles.Features, "features", r.Roles.Features, "numeric feature columns")
}

// Args renders the request as flags BindFlags parses back. Every flag is
// explicit so the child's defaults never leak in.
func (r PickupRequest) Args() []string {
	flag := func(name, value string) string { return "--" + name + "=" + value }
	return []string{
		flag("sims", strconv.Itoa(r.Sims)),
		flag("split", r.Split),
		flag("seed", strconv.FormatUint(r.Seed, 10)),
		flag("input", r.Input),
		flag("output", r.Output),
		flag("workers", strconv.Itoa(r.Workers)),
		flag("id", r.Roles.ID),
		flag("partition", r.Roles.Partition),
		flag("partition-type", r.Roles.PartitionType),
		flag("target", r.Roles.Target),
		flag("group", r.Roles.Group),
		flag("features", strings.Join(r.Roles.Features, ",")),
	}
}

var validate = validator.New()

// RunProcess is the body of the pickup process: read the input artifact,
// simulate, expand and write the output artifact atomically. Nothing is
// written to Output unless every step succeeds. Map the error to an exit
// status with errors.ExitCode.
func RunProcess(ctx context.Context, req PickupRequest, log logrus.FieldLogger) error {
	if err := validate.Struct(req); err != nil {
		return sferrors.Wrap(err, sferrors.CodeInvalidConfig, "invalid simulate arguments")
	}
	split, err := req.Roles.SplitPoint(req.Split)
	if err != nil {
		return sferrors.Wrap(err, sferrors.CodeInvalidConfig, "invalid --split")
	}

	in, err := artifact.ReadInput(ctx, req.Input, req.Roles.InputSchema())
	if err != nil {
		return staged(err, StageRead, KindPickup)
	}
	m := &materialize.Materializer{Roles: req.Roles, Workers: req.Workers, Log: log}
	out, err := m.Materialize(ctx, in, materialize.Params{Sims: req.Sims, Split: split, Seed: req.Seed})
	if err != nil {
		return staged(err, StageSimulate, KindPickup)
	}
	if err := artifact.WriteOutput(ctx, req.Output, out); err != nil {
		return staged(err, StageWrite, KindPickup)
	}
	log.WithFields(logrus.Fields{"output": req.Output, "rows": out.Len()}).Info("output artifact written")
	return nil
}
