package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/simflow/simflow/pkg/artifact"
	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/resilience"
	"github.com/simflow/simflow/pkg/transport"
	"github.com/simflow/simflow/pkg/watch"
)

// Watch command flags
var (
	watchSplit  string
	watchListen string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Simulate every input artifact dropped into the inbox",
	Long: `Run the pickup simulation as a service. Every .csv or .parquet file
written into the inbox is simulated with the configured roles and run
defaults; a <name>.job.yaml next to it may override batch_id, sims, split
and seed. Outputs go to the outbox (or S3) and a ready notification is sent
when Redis is configured. Handled inputs move to the done directory, failed
ones to the failed directory with a .error report.

Example:
  simflow watch --split 2024-06-01 --listen :9464`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	f := watchCmd.Flags()
	f.StringVar(&watchSplit, "split", "", "Default split point for artifacts without a job file")
	f.StringVar(&watchListen, "listen", "", "Serve /metrics and /health on this address")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if cmd.Flags().Changed("listen") {
		cfg.Watch.Listen = watchListen
	}
	if cfg.Watch.Outbox == "" {
		return sferrors.New(sferrors.CodeInvalidConfig, "watch.outbox is required")
	}
	if err := os.MkdirAll(cfg.Watch.Outbox, 0o755); err != nil {
		return err
	}

	p := &watch.Processor{
		Defaults: transport.PickupRequest{
			Sims:    cfg.Run.Sims,
			Split:   watchSplit,
			Seed:    cfg.Run.Seed,
			Workers: cfg.Run.Workers,
			Roles:   cfg.Roles,
		},
		OutDir:  cfg.Watch.Outbox,
		Metrics: metrics,
		Log:     log.WithField("cmd", "watch"),
	}
	// Outputs already land in the watch outbox; only a remote outbox adds a
	// publish step.
	if cfg.Outbox.S3 != nil {
		s3, err := artifact.NewS3Outbox(ctx, *cfg.Outbox.S3)
		if err != nil {
			return err
		}
		p.Outbox = s3
	}
	n, err := openNotifier(ctx)
	if err != nil {
		return err
	}
	if n != nil {
		defer n.Close()
		p.Notifier = n
	}

	inbox := &watch.Inbox{
		Dir:      cfg.Watch.Inbox,
		Done:     cfg.Watch.Done,
		Failed:   cfg.Watch.Failed,
		Debounce: cfg.Watch.Debounce,
		Workers:  cfg.Watch.Workers,
		Handle:   p.Handle,
		Breaker:  resilience.NewCircuitBreaker(3, 30*time.Second),
		Log:      log.WithField("cmd", "watch"),
	}
	inbox.Breaker.OnTrip = func(err error) {
		log.WithError(err).Warn("inbox paused after repeated connection failures")
	}
	inbox.Breaker.OnReset = func() { log.Info("inbox resumed") }

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := inbox.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	if cfg.Watch.Listen != "" {
		g.Go(func() error {
			log.WithField("listen", cfg.Watch.Listen).Info("serving metrics")
			return metrics.Serve(ctx, cfg.Watch.Listen)
		})
	}
	return g.Wait()
}
