package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/simflow/simflow/pkg/expand"
	"github.com/simflow/simflow/pkg/materialize"
	"github.com/simflow/simflow/pkg/relation"
	"github.com/simflow/simflow/pkg/store"
	"github.com/simflow/simflow/pkg/tui"
)

// Verify command flags
var (
	verifySource string
	verifyDest   string
	verifySplit  string
	verifySims   int
	verifyBatch  string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check a delivered draw table against its source",
	Long: `Read back a draw table and check it holds exactly --sims finite draws,
sim_id 1..sims, for every source row at or after the split point, and
nothing else. A destination written with the append policy holds one set
of draws per batch; name the batch to check with --batch-id.

Example:
  simflow verify --source flights --dest draws --split 2024-06-01 --sims 500`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

func init() {
	f := verifyCmd.Flags()
	f.StringVar(&verifySource, "source", "", "Source table")
	f.StringVar(&verifyDest, "dest", "", "Draw table to check")
	f.StringVar(&verifySplit, "split", "", "Split point the draws were produced with")
	f.IntVar(&verifySims, "sims", 0, "Draws per prediction row (default from config)")
	f.StringVar(&verifyBatch, "batch-id", "", "Check only the rows of this append batch")
	verifyCmd.MarkFlagRequired("source")
	verifyCmd.MarkFlagRequired("dest")
	verifyCmd.MarkFlagRequired("split")
}

func runVerify(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	sims := cfg.Run.Sims
	if cmd.Flags().Changed("sims") {
		sims = verifySims
	}
	source, err := relation.ParseTableRef(verifySource)
	if err != nil {
		return err
	}
	dest, err := relation.ParseTableRef(verifyDest)
	if err != nil {
		return err
	}
	split, err := cfg.Roles.SplitPoint(verifySplit)
	if err != nil {
		return err
	}

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	in, err := st.Read(ctx, source, cfg.Roles.InputSchema())
	if err != nil {
		return err
	}
	m := &materialize.Materializer{Roles: cfg.Roles}
	ids, err := m.PredictionIDs(in, split)
	if err != nil {
		return err
	}
	var out *relation.Output
	if verifyBatch != "" {
		out, err = store.ReadBatch(ctx, st, dest, verifyBatch)
	} else {
		out, err = store.ReadDraws(ctx, st, dest)
	}
	if err != nil {
		return err
	}
	if err := expand.Verify(out, ids, sims); err != nil {
		return err
	}
	fmt.Printf("%s: %s draws for %s rows x %d sims, complete\n",
		dest, tui.FormatNumber(int64(out.Len())), tui.FormatNumber(int64(len(ids))), sims)
	return nil
}
