// Package store is the relational side of simflow: reading bounded input
// relations and writing draw relations atomically, on embedded DuckDB or
// PostgreSQL.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/relation"
)

// Dialect names a backend.
type Dialect string

const (
	DialectDuckDB   Dialect = "duckdb"
	DialectPostgres Dialect = "postgres"
)

// Protocol selects how rows reach the destination. The two are not
// interchangeable at scale: rowwise is kept for comparison and for stores
// without a bulk path.
type Protocol string

const (
	// ProtocolBulk uses the DuckDB appender or PostgreSQL COPY.
	ProtocolBulk Protocol = "bulk"
	// ProtocolRowwise issues one prepared INSERT per row in a transaction.
	ProtocolRowwise Protocol = "rowwise"
)

// Policy is what happens to an existing destination.
type Policy string

const (
	// PolicyReplace swaps the destination contents wholesale.
	PolicyReplace Policy = "replace"
	// PolicyFail refuses to touch an existing destination.
	PolicyFail Policy = "fail"
	// PolicyAppend adds the batch with its batch_id.
	PolicyAppend Policy = "append"
)

// ParseProtocol parses a protocol name; empty means bulk.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToLower(s)); p {
	case "":
		return ProtocolBulk, nil
	case ProtocolBulk, ProtocolRowwise:
		return p, nil
	}
	return "", sferrors.Newf(sferrors.CodeInvalidConfig, "unknown write protocol %q (bulk, rowwise)", s)
}

// ParsePolicy parses an overwrite policy; empty means replace.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(s)); p {
	case "":
		return PolicyReplace, nil
	case PolicyReplace, PolicyFail, PolicyAppend:
		return p, nil
	}
	return "", sferrors.Newf(sferrors.CodeInvalidConfig, "unknown overwrite policy %q (replace, fail, append)", s)
}

// WriteOptions control a draw write.
type WriteOptions struct {
	Protocol Protocol
	Policy   Policy
	// BatchID tags appended rows. Required for PolicyAppend.
	BatchID string
}

func (o WriteOptions) withDefaults() WriteOptions {
	if o.Protocol == "" {
		o.Protocol = ProtocolBulk
	}
	if o.Policy == "" {
		o.Policy = PolicyReplace
	}
	return o
}

// Reader reads typed relations.
type Reader interface {
	// Read projects ref onto schema. The relation and every column must
	// exist and convert to the declared type.
	Read(ctx context.Context, ref relation.TableRef, schema relation.Schema) (*relation.Input, error)
	// Exists reports whether ref names a table.
	Exists(ctx context.Context, ref relation.TableRef) (bool, error)
}

// Store is an open handle on one backend.
type Store interface {
	Reader
	Dialect() Dialect
	// DefaultSchema is used for references without a schema part.
	DefaultSchema() string
	// Write delivers out to ref under opts. A failed write leaves ref as it
	// was.
	Write(ctx context.Context, ref relation.TableRef, out *relation.Output, opts WriteOptions) (int64, error)
	// Load creates or replaces ref from a typed relation.
	Load(ctx context.Context, ref relation.TableRef, in *relation.Input) error
	Close() error
}

// Tx is a store transaction. Everything done through it becomes visible on
// Commit or not at all.
type Tx interface {
	Reader
	Write(ctx context.Context, ref relation.TableRef, out *relation.Output, opts WriteOptions) (int64, error)
	Commit() error
	Rollback() error
}

// Host is a store that can run code inside its own transaction boundary.
type Host interface {
	Store
	Begin(ctx context.Context) (Tx, error)
}

// Option configures Open.
type Option func(*options)

type options struct {
	log logrus.FieldLogger
}

// WithLogger sets the store logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.log = l }
}

// Open connects to the store named by dsn: postgres:// and postgresql://
// URLs select PostgreSQL, anything else is a DuckDB database path with an
// optional "duckdb:" prefix. An empty path is an in-memory database.
func Open(ctx context.Context, dsn string, opts ...Option) (Store, error) {
	o := options{log: logrus.StandardLogger()}
	for _, fn := range opts {
		fn(&o)
	}
	if IsPostgres(dsn) {
		return OpenPostgres(ctx, dsn, o.log)
	}
	return OpenDuckDB(ctx, strings.TrimPrefix(dsn, "duckdb:"), o.log)
}

// IsPostgres reports whether dsn selects the PostgreSQL backend.
func IsPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// ReadDraws reads a draw relation back as an Output. Extra columns such as
// batch_id are ignored.
func ReadDraws(ctx context.Context, r Reader, ref relation.TableRef) (*relation.Output, error) {
	in, err := r.Read(ctx, ref, relation.DrawSchema)
	if err != nil {
		return nil, err
	}
	return drawsOf(in, ref, nil)
}

// ReadBatch reads the draws one append batch added to ref.
func ReadBatch(ctx context.Context, r Reader, ref relation.TableRef, batchID string) (*relation.Output, error) {
	schema := append(relation.Schema{}, relation.DrawSchema...)
	schema = append(schema, relation.Column{Name: relation.ColBatchID, Type: relation.TypeString, Nullable: true})
	in, err := r.Read(ctx, ref, schema)
	if err != nil {
		return nil, err
	}
	return drawsOf(in, ref, func(row []any) bool { return row[3] == batchID })
}

func drawsOf(in *relation.Input, ref relation.TableRef, keep func(row []any) bool) (*relation.Output, error) {
	out := relation.NewOutput(in.Len())
	for i, row := range in.Rows {
		if keep != nil && !keep(row) {
			continue
		}
		id, ok1 := row[0].(int64)
		sim, ok2 := row[1].(int64)
		val, ok3 := row[2].(float64)
		if !ok1 || !ok2 || !ok3 {
			return nil, sferrors.Integrity("null in draw relation %s at row %d", ref, i+1)
		}
		out.Append(id, sim, val)
	}
	return out, nil
}

// stagingRef names the table a batch is loaded into before the swap.
func stagingRef(ref relation.TableRef, batchID string) relation.TableRef {
	suffix := strings.ReplaceAll(batchID, "-", "")
	if len(suffix) > 12 {
		suffix = suffix[:12]
	}
	return ref.Sibling(fmt.Sprintf("%s__stage_%s", ref.Table, suffix))
}
