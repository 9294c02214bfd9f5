package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/simflow/simflow/pkg/artifact"
	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/relation"
	"github.com/simflow/simflow/pkg/store"
	"github.com/simflow/simflow/pkg/tui"
)

// Load command flags
var (
	loadInput    string
	loadDraws    string
	loadTable    string
	loadPolicy   string
	loadProtocol string
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load an artifact into the store",
	Long: `Load a source artifact into a new table (--input), or a draw artifact
produced by a pickup run into a draw table (--draws). Draws are staged and
swapped in like any other write.

Examples:
  simflow load --input flights.parquet --table flights
  simflow load --draws draws.csv --table draws --policy append`,
	Args: cobra.NoArgs,
	RunE: runLoad,
}

func init() {
	f := loadCmd.Flags()
	f.StringVar(&loadInput, "input", "", "Source artifact (.csv or .parquet) holding the role columns")
	f.StringVar(&loadDraws, "draws", "", "Draw artifact (.csv or .parquet)")
	f.StringVar(&loadTable, "table", "", "Target table")
	f.StringVar(&loadPolicy, "policy", "", "Existing draw table: replace, fail or append")
	f.StringVar(&loadProtocol, "protocol", "", "Write protocol: bulk or rowwise")
	loadCmd.MarkFlagRequired("table")
	loadCmd.MarkFlagsMutuallyExclusive("input", "draws")
}

func runLoad(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if (loadInput == "") == (loadDraws == "") {
		return sferrors.New(sferrors.CodeInvalidConfig, "exactly one of --input or --draws is required")
	}
	ref, err := relation.ParseTableRef(loadTable)
	if err != nil {
		return err
	}

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if loadInput != "" {
		in, err := artifact.ReadInput(ctx, loadInput, cfg.Roles.InputSchema())
		if err != nil {
			return err
		}
		if err := st.Load(ctx, ref, in); err != nil {
			return err
		}
		fmt.Printf("%s: %s rows loaded\n", ref, tui.FormatNumber(int64(in.Len())))
		return nil
	}

	out, err := artifact.ReadOutput(ctx, loadDraws)
	if err != nil {
		return err
	}
	opts := store.WriteOptions{BatchID: uuid.NewString()}
	if opts.Policy, err = store.ParsePolicy(loadPolicy); err != nil {
		return err
	}
	if opts.Protocol, err = store.ParseProtocol(loadProtocol); err != nil {
		return err
	}
	n, err := st.Write(ctx, ref, out, opts)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s draws written\n", ref, tui.FormatNumber(n))
	return nil
}
