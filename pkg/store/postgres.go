package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/relation"
)

// Postgres is a PostgreSQL store over a pgx pool. It does not host
// in-process execution.
type Postgres struct {
	pool *pgxpool.Pool
	host string
	log  logrus.FieldLogger
}

// OpenPostgres connects and pings the server.
func OpenPostgres(ctx context.Context, dsn string, log logrus.FieldLogger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, sferrors.Wrap(err, sferrors.CodeInvalidConfig, "invalid postgres dsn")
	}
	host := fmt.Sprintf("postgres://%s:%d/%s", cfg.ConnConfig.Host, cfg.ConnConfig.Port, cfg.ConnConfig.Database)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, sferrors.Connection(err, host)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, sferrors.Connection(err, host)
	}
	log.WithField("endpoint", host).Debug("postgres store opened")
	return &Postgres{pool: pool, host: host, log: log}, nil
}

// Pool exposes the underlying pool.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

func (p *Postgres) Dialect() Dialect      { return DialectPostgres }
func (p *Postgres) DefaultSchema() string { return "public" }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// pgQueryer is the subset shared by *pgxpool.Pool and pgx.Tx.
type pgQueryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (p *Postgres) Exists(ctx context.Context, ref relation.TableRef) (bool, error) {
	ref = ref.WithDefaultSchema(p.DefaultSchema())
	var n int64
	if err := p.pool.QueryRow(ctx, postgresSQL.existsQuery(), ref.Schema, ref.Table).Scan(&n); err != nil {
		return false, sferrors.Connection(err, p.host)
	}
	return n > 0, nil
}

func (p *Postgres) columns(ctx context.Context, q pgQueryer, ref relation.TableRef) ([]catalogColumn, error) {
	rows, err := q.Query(ctx, postgresSQL.columnsQuery(), ref.Schema, ref.Table)
	if err != nil {
		return nil, sferrors.Connection(err, p.host)
	}
	defer rows.Close()

	var cols []catalogColumn
	for rows.Next() {
		var c catalogColumn
		if err := rows.Scan(&c.name, &c.dataType); err != nil {
			return nil, sferrors.Connection(err, p.host)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (p *Postgres) Read(ctx context.Context, ref relation.TableRef, schema relation.Schema) (*relation.Input, error) {
	ref = ref.WithDefaultSchema(p.DefaultSchema())
	cols, err := p.columns(ctx, p.pool, ref)
	if err != nil {
		return nil, err
	}
	if err := checkColumns(ref, cols, schema); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, postgresSQL.selectQuery(ref, schema))
	if err != nil {
		return nil, p.readError(err, ref, schema)
	}
	defer rows.Close()

	in := &relation.Input{Schema: schema}
	for rows.Next() {
		cells, err := rows.Values()
		if err != nil {
			return nil, p.readError(err, ref, schema)
		}
		row, err := rowValues(ref, schema, cells)
		if err != nil {
			return nil, err
		}
		in.Rows = append(in.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, p.readError(err, ref, schema)
	}
	return in, nil
}

func (p *Postgres) readError(err error, ref relation.TableRef, schema relation.Schema) error {
	switch code, reported := pgErrorCode(err); {
	case code == sferrors.CodeSchema:
		return sferrors.Wrapf(err, sferrors.CodeSchema, "columns of %s do not convert to %s", ref, schema)
	case reported:
		return sferrors.Wrapf(err, code, "read %s", ref)
	}
	return sferrors.Connection(err, p.host)
}

// pgErrorCode classifies an error the server reported by its SQLSTATE.
// reported is false when err did not come from the server, which leaves
// the connection as the suspect.
func pgErrorCode(err error) (code sferrors.Code, reported bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return sferrors.CodeConnection, false
	}
	switch {
	case strings.HasPrefix(pgErr.Code, "22"), // data exception, e.g. 22P02 invalid input syntax
		pgErr.Code == "42P01", // undefined table
		pgErr.Code == "42703", // undefined column
		pgErr.Code == "42804", // datatype mismatch
		pgErr.Code == "42846": // cannot coerce
		return sferrors.CodeSchema, true
	case strings.HasPrefix(pgErr.Code, "08"), // connection exception
		strings.HasPrefix(pgErr.Code, "57P"): // operator intervention, e.g. shutdown
		return sferrors.CodeConnection, true
	}
	return sferrors.CodeUnknown, true
}

// Write loads the batch into a staging table with COPY (or row inserts)
// and swaps it in inside one transaction.
func (p *Postgres) Write(ctx context.Context, ref relation.TableRef, out *relation.Output, opts WriteOptions) (int64, error) {
	ref = ref.WithDefaultSchema(p.DefaultSchema())
	opts = opts.withDefaults()
	if opts.Policy == PolicyAppend && opts.BatchID == "" {
		return 0, sferrors.New(sferrors.CodeInvalidConfig, "append policy needs a batch id")
	}

	exists, err := p.Exists(ctx, ref)
	if err != nil {
		return 0, err
	}
	switch {
	case exists && opts.Policy == PolicyFail:
		return 0, sferrors.DestinationExists(ref.String())
	case exists && opts.Policy == PolicyAppend:
		cols, err := p.columns(ctx, p.pool, ref)
		if err != nil {
			return 0, err
		}
		if err := checkAppendTarget(ref, cols); err != nil {
			return 0, err
		}
	}

	stageID := opts.BatchID
	if stageID == "" {
		stageID = uuid.NewString()
	}
	stage := stagingRef(ref, stageID)
	schema := outputSchema(opts.Policy)
	log := p.log.WithFields(logrus.Fields{"destination": ref.String(), "staging": stage.Table, "protocol": opts.Protocol})

	if _, err := p.pool.Exec(ctx, postgresSQL.createTable(stage, schema)); err != nil {
		return 0, sferrors.PartialWrite(err, ref.String())
	}
	swapped := false
	defer func() {
		if swapped {
			return
		}
		if _, err := p.pool.Exec(context.WithoutCancel(ctx), postgresSQL.dropTable(stage)); err != nil {
			log.WithError(err).Warn("could not drop staging table")
		}
	}()

	withBatch := opts.Policy == PolicyAppend
	switch opts.Protocol {
	case ProtocolRowwise:
		err = p.loadRowwise(ctx, stage, schema, out, opts.BatchID)
	default:
		_, err = p.pool.CopyFrom(ctx, pgx.Identifier{stage.Schema, stage.Table}, schema.Names(),
			pgx.CopyFromSlice(out.Len(), func(i int) ([]any, error) {
				id, sim, v := out.Row(i)
				if withBatch {
					return []any{id, sim, v, opts.BatchID}, nil
				}
				return []any{id, sim, v}, nil
			}))
	}
	if err != nil {
		return 0, sferrors.PartialWrite(err, ref.String())
	}

	if err := p.swap(ctx, stage, ref, opts.Policy, exists); err != nil {
		return 0, err
	}
	swapped = true
	log.WithField("rows", out.Len()).Debug("batch swapped into destination")
	return int64(out.Len()), nil
}

func (p *Postgres) loadRowwise(ctx context.Context, stage relation.TableRef, schema relation.Schema, out *relation.Output, batchID string) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		sd, err := tx.Prepare(ctx, "simflow_insert_draw", postgresSQL.insertRow(stage, schema))
		if err != nil {
			return err
		}
		withBatch := len(schema) == 4
		for i := 0; i < out.Len(); i++ {
			id, sim, v := out.Row(i)
			if withBatch {
				_, err = tx.Exec(ctx, sd.Name, id, sim, v, batchID)
			} else {
				_, err = tx.Exec(ctx, sd.Name, id, sim, v)
			}
			if err != nil {
				return fmt.Errorf("insert row %d: %w", i, err)
			}
		}
		return nil
	})
}

func (p *Postgres) swap(ctx context.Context, stage, dest relation.TableRef, policy Policy, exists bool) error {
	var stmts []string
	switch {
	case policy == PolicyAppend && exists:
		stmts = []string{postgresSQL.appendFrom(stage, dest), postgresSQL.dropTable(stage)}
	case policy == PolicyReplace:
		stmts = []string{postgresSQL.dropTable(dest), postgresSQL.rename(stage, dest)}
	default:
		stmts = []string{postgresSQL.rename(stage, dest)}
	}
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for _, s := range stmts {
			if _, err := tx.Exec(ctx, s); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if policy == PolicyFail && strings.Contains(err.Error(), "already exists") {
			return sferrors.DestinationExists(dest.String())
		}
		return sferrors.PartialWrite(err, dest.String())
	}
	return nil
}

// Load creates or replaces ref with the rows of in.
func (p *Postgres) Load(ctx context.Context, ref relation.TableRef, in *relation.Input) error {
	ref = ref.WithDefaultSchema(p.DefaultSchema())
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, postgresSQL.dropTable(ref)); err != nil {
			return sferrors.PartialWrite(err, ref.String())
		}
		if _, err := tx.Exec(ctx, postgresSQL.createTable(ref, in.Schema)); err != nil {
			return sferrors.PartialWrite(err, ref.String())
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{ref.Schema, ref.Table}, in.Schema.Names(), pgx.CopyFromRows(in.Rows))
		if err != nil {
			return sferrors.PartialWrite(err, ref.String())
		}
		return nil
	})
}
