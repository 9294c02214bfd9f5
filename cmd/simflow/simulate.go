package main

import (
	"github.com/spf13/cobra"

	"github.com/simflow/simflow/pkg/transport"
)

var simulateReq transport.PickupRequest

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Simulate draws from an input artifact into an output artifact",
	Long: `The pickup simulation process. Reads --input (.csv or .parquet), fits on
rows before --split, simulates --sims draws per prediction row and writes
id, sim_id, value to --output. The output appears only if every step
succeeds.

Exit status:
  0  success
  1  failure
  2  missing column or relation
  3  integrity violation in the draws

Example:
  simflow simulate --input flights.csv --output draws.parquet --split 2024-06-01 --sims 100`,
	Args: cobra.NoArgs,
	PreRun: func(cmd *cobra.Command, _ []string) {
		// Flags not given on the command line come from the config.
		f := cmd.Flags()
		defaults := map[string]func(){
			"id":             func() { simulateReq.Roles.ID = cfg.Roles.ID },
			"partition":      func() { simulateReq.Roles.Partition = cfg.Roles.Partition },
			"partition-type": func() { simulateReq.Roles.PartitionType = cfg.Roles.PartitionType },
			"target":         func() { simulateReq.Roles.Target = cfg.Roles.Target },
			"group":          func() { simulateReq.Roles.Group = cfg.Roles.Group },
			"features":       func() { simulateReq.Roles.Features = cfg.Roles.Features },
			"sims":           func() { simulateReq.Sims = cfg.Run.Sims },
			"seed":           func() { simulateReq.Seed = cfg.Run.Seed },
			"workers":        func() { simulateReq.Workers = cfg.Run.Workers },
		}
		for name, apply := range defaults {
			if !f.Changed(name) {
				apply()
			}
		}
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		defer flushMetrics()
		return transport.RunProcess(cmd.Context(), simulateReq, log.WithField("cmd", "simulate"))
	},
}

func init() {
	simulateReq.BindFlags(simulateCmd.Flags())
	simulateCmd.MarkFlagRequired("input")
	simulateCmd.MarkFlagRequired("output")
	simulateCmd.MarkFlagRequired("split")
}
