package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/materialize"
	"github.com/simflow/simflow/pkg/procedure"
	"github.com/simflow/simflow/pkg/relation"
	"github.com/simflow/simflow/pkg/store"
	"github.com/simflow/simflow/pkg/tui"
)

// Call command flags
var (
	callInputs []string
	callParams []string
	callDest   string
	callPolicy string
)

var callCmd = &cobra.Command{
	Use:   "call [procedure]",
	Short: "Invoke a registered procedure inside the store",
	Long: `Run a procedure against one input relation in a single store
transaction and write its result to --dest. Nothing is visible unless the
call commits. Rows are inserted through the call's own transaction, so
there is no protocol choice.

The "simulate" procedure takes sims (int), split (partition type) and
seed (int).

Examples:
  simflow call simulate --input flights --dest draws --param sims=100 --param split=2024-06-01
  simflow call --list`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCall,
}

var callList bool

func init() {
	f := callCmd.Flags()
	f.StringArrayVar(&callInputs, "input", nil, "Input relation (exactly one)")
	f.StringArrayVar(&callParams, "param", nil, "Procedure parameter (format: name=value)")
	f.StringVar(&callDest, "dest", "", "Result relation")
	f.StringVar(&callPolicy, "policy", "", "Existing destination: replace, fail or append")
	f.BoolVar(&callList, "list", false, "List registered procedures")
}

// newHost registers the procedures this binary provides.
func newHost() (*procedure.Host, error) {
	h := procedure.NewHost(log)
	m := &materialize.Materializer{Roles: cfg.Roles, Workers: cfg.Run.Workers, Log: log}
	if err := h.Register(m.Procedure()); err != nil {
		return nil, err
	}
	return h, nil
}

func runCall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	host, err := newHost()
	if err != nil {
		return err
	}
	if callList {
		for _, name := range host.Names() {
			def, _ := host.Lookup(name)
			var params []string
			for _, p := range def.Params {
				params = append(params, p.Name+":"+p.Type.String())
			}
			fmt.Printf("%s(%s) -> %s\n", name, strings.Join(params, ", "), def.ResultSchema)
		}
		return nil
	}
	if len(args) != 1 {
		return sferrors.New(sferrors.CodeInvalidConfig, "procedure name required")
	}

	call := procedure.Call{Procedure: args[0], Params: make(map[string]string)}
	for _, raw := range callInputs {
		ref, err := relation.ParseTableRef(raw)
		if err != nil {
			return err
		}
		call.Inputs = append(call.Inputs, ref)
	}
	for _, kv := range callParams {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return sferrors.Newf(sferrors.CodeInvalidConfig, "invalid --param %q (want name=value)", kv)
		}
		call.Params[name] = value
	}
	if call.Dest, err = relation.ParseTableRef(callDest); err != nil {
		return err
	}
	if call.Write.Policy, err = store.ParsePolicy(callPolicy); err != nil {
		return err
	}
	call.Write.BatchID = uuid.NewString()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := host.Invoke(ctx, st, call)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s input rows, %s rows written to %s in %s\n",
		res.Procedure, tui.FormatNumber(int64(res.InputRows)), tui.FormatNumber(res.Rows),
		call.Dest, tui.FormatDuration(res.Elapsed))
	return nil
}
