package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/simflow/simflow/pkg/artifact"
	"github.com/simflow/simflow/pkg/orchestrator"
	"github.com/simflow/simflow/pkg/relation"
	"github.com/simflow/simflow/pkg/store"
	"github.com/simflow/simflow/pkg/transport"
	"github.com/simflow/simflow/pkg/tui"
)

// Run command flags
var (
	runSource     string
	runDest       string
	runSplit      string
	runSims       int
	runSeed       uint64
	runStrategy   string
	runPolicy     string
	runProtocol   string
	runWorkers    int
	runBatchID    string
	runJSON       bool
	runNoProgress bool

	pickupFormat  string
	pickupLoad    bool
	pickupKeep    bool
	pickupWorkDir string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Simulate draws for a table and deliver them",
	Long: `Read the source table, fit the model on rows before the split point,
simulate --sims draws for every row at or after it and deliver the draws to
the destination table through the selected transport.

Examples:
  simflow run --store flights.duckdb --source flights --dest draws --split 2024-06-01 --sims 500
  simflow run --strategy pull --source flights --dest draws --split 2024-06-01
  simflow run --strategy pickup --source flights --split 2024-06-01 --pickup-format parquet
  simflow run --strategy pickup --source flights --dest draws --split 2024-06-01 --pickup-load`,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runSource, "source", "", "Source table ([schema.]table)")
	f.StringVar(&runDest, "dest", "", "Destination table ([schema.]table)")
	f.StringVar(&runSplit, "split", "", "Split point on the partition column")
	f.IntVar(&runSims, "sims", 0, "Draws per prediction row (default from config)")
	f.Uint64Var(&runSeed, "seed", 0, "Random seed (default from config)")
	f.StringVar(&runStrategy, "strategy", "", "Transport: push, pull or pickup")
	f.StringVar(&runPolicy, "policy", "", "Existing destination: replace, fail or append")
	f.StringVar(&runProtocol, "protocol", "", "Write protocol: bulk or rowwise")
	f.IntVar(&runWorkers, "workers", 0, "Simulation workers (0 = GOMAXPROCS)")
	f.StringVar(&runBatchID, "batch-id", "", "Batch id (default: random UUID)")
	f.BoolVar(&runJSON, "json", false, "Print the run report as JSON")
	f.BoolVar(&runNoProgress, "no-progress", false, "Hide the progress bar")

	f.StringVar(&pickupFormat, "pickup-format", "", "Pickup artifact format: csv or parquet")
	f.BoolVar(&pickupLoad, "pickup-load", false, "Load the pickup output into --dest")
	f.BoolVar(&pickupKeep, "pickup-keep", false, "Keep the pickup batch directory")
	f.StringVar(&pickupWorkDir, "pickup-workdir", "", "Directory for pickup batch directories")

	runCmd.MarkFlagRequired("source")
	runCmd.MarkFlagRequired("split")
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	defer flushMetrics()
	applyRunFlags(cmd)

	rc := orchestrator.RunConfig{
		StoreDSN: cfg.Store.DSN,
		Split:    runSplit,
		Sims:     cfg.Run.Sims,
		Seed:     cfg.Run.Seed,
		Policy:   store.Policy(cfg.Run.Policy),
		Roles:    cfg.Roles,
		Workers:  cfg.Run.Workers,
		BatchID:  runBatchID,
	}
	var err error
	if rc.Source, err = relation.ParseTableRef(runSource); err != nil {
		return err
	}
	if runDest != "" {
		if rc.Dest, err = relation.ParseTableRef(runDest); err != nil {
			return err
		}
	}

	kind, err := transport.ParseKind(cfg.Run.Strategy)
	if err != nil {
		return err
	}
	rc.Transport = transport.Spec{Kind: kind}
	switch kind {
	case transport.KindPush:
		rc.Transport.Push = &transport.PushConfig{Protocol: store.Protocol(cfg.Run.Protocol)}
	case transport.KindPull:
		rc.Transport.Pull = &transport.PullConfig{}
	case transport.KindPickup:
		pc, closeFn, err := pickupConfig(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		rc.Transport.Pickup = pc
	}

	orch := &orchestrator.Orchestrator{Log: log, Metrics: metrics}
	var bar *tui.Progress
	if !runJSON && !runNoProgress {
		bar = tui.NewProgress(os.Stderr, "draws")
		orch.OnProgress = bar.Update
	}
	rep, runErr := orch.Run(ctx, rc)
	if bar != nil {
		bar.Finish()
	}

	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	} else {
		tui.PrintReport(os.Stdout, rep)
	}
	return runErr
}

// applyRunFlags folds explicitly set run flags into the loaded config.
func applyRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("sims") {
		cfg.Run.Sims = runSims
	}
	if f.Changed("seed") {
		cfg.Run.Seed = runSeed
	}
	if f.Changed("strategy") {
		cfg.Run.Strategy = runStrategy
	}
	if f.Changed("policy") {
		cfg.Run.Policy = runPolicy
	}
	if f.Changed("protocol") {
		cfg.Run.Protocol = runProtocol
	}
	if f.Changed("workers") {
		cfg.Run.Workers = runWorkers
	}
	if f.Changed("pickup-format") {
		cfg.Pickup.Format = pickupFormat
	}
	if f.Changed("pickup-load") {
		cfg.Pickup.Load = pickupLoad
	}
	if f.Changed("pickup-keep") {
		cfg.Pickup.Keep = pickupKeep
	}
	if f.Changed("pickup-workdir") {
		cfg.Pickup.WorkDir = pickupWorkDir
	}
}

// pickupConfig builds the pickup transport with the configured outbox and
// notifier. The returned func releases them.
func pickupConfig(cmd *cobra.Command) (*transport.PickupConfig, func(), error) {
	format, err := artifact.ParseFormat(cfg.Pickup.Format)
	if err != nil {
		return nil, nil, err
	}
	pc := &transport.PickupConfig{
		Command:  cfg.Pickup.Command,
		WorkDir:  cfg.Pickup.WorkDir,
		Format:   format,
		Load:     cfg.Pickup.Load,
		Protocol: store.Protocol(cfg.Run.Protocol),
		Keep:     cfg.Pickup.Keep,
	}
	if pc.WorkDir != "" {
		if err := os.MkdirAll(pc.WorkDir, 0o755); err != nil {
			return nil, nil, err
		}
	}
	if pc.Outbox, err = openOutbox(cmd.Context()); err != nil {
		return nil, nil, err
	}
	n, err := openNotifier(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {}
	if n != nil {
		pc.Notifier = n
		closeFn = func() { n.Close() }
	}
	return pc, closeFn, nil
}
