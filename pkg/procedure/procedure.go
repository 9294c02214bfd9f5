// Package procedure hosts callables that run inside the store's own
// transaction boundary. A call binds exactly one input relation plus typed
// scalar parameters and yields exactly one relation of a declared schema.
package procedure

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/relation"
	"github.com/simflow/simflow/pkg/store"
)

// Param declares one scalar parameter.
type Param struct {
	Name     string
	Type     relation.Type
	Required bool
	Default  any
}

// Params are the typed parameter values of one call.
type Params map[string]any

// Int returns an int parameter.
func (p Params) Int(name string) int64 {
	v, _ := p[name].(int64)
	return v
}

// Value returns a parameter as declared.
func (p Params) Value(name string) any { return p[name] }

// Body computes the result relation from the bound input.
type Body func(ctx context.Context, in *relation.Input, params Params) (*relation.Output, error)

// Definition is a registered procedure.
type Definition struct {
	Name   string
	Params []Param
	// InputSchema is the projection applied to the bound relation.
	InputSchema relation.Schema
	// ResultSchema is declared ahead of execution. Only the draw layout
	// (id:int, sim_id:int, value:float, all non-null) can be produced.
	ResultSchema relation.Schema
	Body         Body
}

// Call is one invocation.
type Call struct {
	Procedure string
	// Inputs must hold exactly one relation.
	Inputs []relation.TableRef
	// Params are raw scalar values, typed against the definition.
	Params map[string]string
	Dest   relation.TableRef
	Write  store.WriteOptions
}

// Result reports a completed call.
type Result struct {
	Procedure string
	InputRows int
	Rows      int64
	Elapsed   time.Duration
}

// Host holds registered procedures.
type Host struct {
	mu    sync.RWMutex
	procs map[string]Definition
	log   logrus.FieldLogger
	warn  sync.Once
}

// NewHost creates an empty host.
func NewHost(log logrus.FieldLogger) *Host {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Host{procs: make(map[string]Definition), log: log}
}

// Register adds a procedure. The declared result schema must be the draw
// layout.
func (h *Host) Register(def Definition) error {
	if def.Name == "" || def.Body == nil {
		return sferrors.New(sferrors.CodeInvalidConfig, "procedure needs a name and a body")
	}
	if err := checkResultSchema(def.ResultSchema); err != nil {
		return err.With("procedure", def.Name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.procs[def.Name]; dup {
		return sferrors.Newf(sferrors.CodeInvalidConfig, "procedure %q already registered", def.Name)
	}
	h.procs[def.Name] = def
	return nil
}

// Names lists registered procedures.
func (h *Host) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.procs))
	for n := range h.procs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup returns a registered procedure.
func (h *Host) Lookup(name string) (Definition, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.procs[name]
	return d, ok
}

// Invoke runs call inside one transaction of s: read the bound input, run
// the body, validate the result and write it. Nothing is visible unless the
// whole call commits. Stores that cannot host execution return a
// ProtocolUnavailable error.
func (h *Host) Invoke(ctx context.Context, s store.Store, call Call) (*Result, error) {
	start := time.Now()

	host, ok := s.(store.Host)
	if !ok {
		return nil, sferrors.ProtocolUnavailable("pull", string(s.Dialect()))
	}
	h.warn.Do(func() {
		h.log.WithField("store", s.Dialect()).
			Warn("in-store execution runs in the store process and may not survive HA failover of the store")
	})

	def, ok := h.Lookup(call.Procedure)
	if !ok {
		return nil, sferrors.Newf(sferrors.CodeInvalidConfig, "unknown procedure %q (have %s)",
			call.Procedure, strings.Join(h.Names(), ", "))
	}
	if len(call.Inputs) != 1 {
		return nil, sferrors.Newf(sferrors.CodeInvalidConfig,
			"procedure %q takes exactly one input relation, got %d", def.Name, len(call.Inputs))
	}
	params, err := bindParams(def, call.Params)
	if err != nil {
		return nil, err
	}

	tx, err := host.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	in, err := tx.Read(ctx, call.Inputs[0], def.InputSchema)
	if err != nil {
		return nil, err
	}
	out, err := def.Body(ctx, in, params)
	if err != nil {
		return nil, err
	}
	if err := checkResult(out); err != nil {
		return nil, err.With("procedure", def.Name)
	}
	n, err := tx.Write(ctx, call.Dest, out, call.Write)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	res := &Result{Procedure: def.Name, InputRows: in.Len(), Rows: n, Elapsed: time.Since(start)}
	h.log.WithFields(logrus.Fields{
		"procedure":  def.Name,
		"input":      call.Inputs[0].String(),
		"dest":       call.Dest.String(),
		"input_rows": res.InputRows,
		"rows":       res.Rows,
	}).Info("procedure committed")
	return res, nil
}

func bindParams(def Definition, raw map[string]string) (Params, error) {
	declared := make(map[string]Param, len(def.Params))
	for _, p := range def.Params {
		declared[p.Name] = p
	}
	for name := range raw {
		if _, ok := declared[name]; !ok {
			return nil, sferrors.Newf(sferrors.CodeInvalidConfig, "procedure %q has no parameter %q", def.Name, name)
		}
	}

	params := make(Params, len(def.Params))
	for _, p := range def.Params {
		s, ok := raw[p.Name]
		if !ok {
			if p.Required {
				return nil, sferrors.Newf(sferrors.CodeInvalidConfig, "procedure %q: parameter %q is required", def.Name, p.Name)
			}
			params[p.Name] = p.Default
			continue
		}
		v, err := relation.ParseValue(s, p.Type)
		if err != nil || v == nil {
			return nil, sferrors.Newf(sferrors.CodeInvalidConfig, "procedure %q: parameter %q=%q is not a %s", def.Name, p.Name, s, p.Type)
		}
		params[p.Name] = v
	}
	return params, nil
}

func checkResultSchema(s relation.Schema) *sferrors.Error {
	if len(s) != len(relation.DrawSchema) {
		return sferrors.Newf(sferrors.CodeSchemaMismatch, "declared result schema %s, want %s", s, relation.DrawSchema)
	}
	for i, c := range s {
		want := relation.DrawSchema[i]
		if c.Name != want.Name || c.Type != want.Type || c.Nullable {
			return sferrors.Newf(sferrors.CodeSchemaMismatch, "declared result column %d is %s:%s, want non-null %s:%s",
				i+1, c.Name, c.Type, want.Name, want.Type)
		}
	}
	return nil
}

func checkResult(out *relation.Output) *sferrors.Error {
	if out == nil {
		return sferrors.New(sferrors.CodeIntegrity, "procedure returned no result relation")
	}
	if len(out.SimIDs) != out.Len() || len(out.Values) != out.Len() {
		return sferrors.New(sferrors.CodeSchemaMismatch, "result columns have different lengths")
	}
	for i, v := range out.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return sferrors.Integrity("result row %d: value %s is not finite", i+1, fmt.Sprint(v))
		}
	}
	return nil
}
