package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/marcboeker/go-duckdb"
	"github.com/sirupsen/logrus"

	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/relation"
)

// insertChunkRows bounds the rows per multi-row INSERT inside a transaction.
const insertChunkRows = 1000

// queryer is the subset shared by *sql.DB, *sql.Conn and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// DuckDB is an embedded DuckDB database. It is the only backend that can
// host in-process procedure calls.
type DuckDB struct {
	db   *sql.DB
	path string
	log  logrus.FieldLogger
}

// OpenDuckDB opens the database at path, or an in-memory one for "" or
// ":memory:".
func OpenDuckDB(ctx context.Context, path string, log logrus.FieldLogger) (*DuckDB, error) {
	if path == ":memory:" {
		path = ""
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, sferrors.Connection(err, "duckdb:"+path)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, sferrors.Connection(err, "duckdb:"+path)
	}
	log.WithField("path", displayPath(path)).Debug("duckdb store opened")
	return &DuckDB{db: db, path: path, log: log}, nil
}

func displayPath(p string) string {
	if p == "" {
		return ":memory:"
	}
	return p
}

// DB exposes the underlying handle for callers that need raw SQL.
func (d *DuckDB) DB() *sql.DB { return d.db }

func (d *DuckDB) Dialect() Dialect      { return DialectDuckDB }
func (d *DuckDB) DefaultSchema() string { return "main" }

func (d *DuckDB) Close() error { return d.db.Close() }

func (d *DuckDB) Exists(ctx context.Context, ref relation.TableRef) (bool, error) {
	return duckExists(ctx, d.db, ref.WithDefaultSchema(d.DefaultSchema()))
}

func (d *DuckDB) Read(ctx context.Context, ref relation.TableRef, schema relation.Schema) (*relation.Input, error) {
	return duckRead(ctx, d.db, ref.WithDefaultSchema(d.DefaultSchema()), schema)
}

// Write stages the batch in a sibling table and swaps it in with one
// transaction. The staging table is dropped on any failure.
func (d *DuckDB) Write(ctx context.Context, ref relation.TableRef, out *relation.Output, opts WriteOptions) (int64, error) {
	ref = ref.WithDefaultSchema(d.DefaultSchema())
	opts = opts.withDefaults()
	if opts.Policy == PolicyAppend && opts.BatchID == "" {
		return 0, sferrors.New(sferrors.CodeInvalidConfig, "append policy needs a batch id")
	}

	exists, err := d.Exists(ctx, ref)
	if err != nil {
		return 0, err
	}
	switch {
	case exists && opts.Policy == PolicyFail:
		return 0, sferrors.DestinationExists(ref.String())
	case exists && opts.Policy == PolicyAppend:
		cols, err := duckColumns(ctx, d.db, ref)
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
	log := d.log.WithFields(logrus.Fields{"destination": ref.String(), "staging": stage.Table, "protocol": opts.Protocol})

	if _, err := d.db.ExecContext(ctx, duckdbSQL.createTable(stage, schema)); err != nil {
		return 0, sferrors.PartialWrite(err, ref.String())
	}
	swapped := false
	defer func() {
		if swapped {
			return
		}
		if _, err := d.db.ExecContext(context.WithoutCancel(ctx), duckdbSQL.dropTable(stage)); err != nil {
			log.WithError(err).Warn("could not drop staging table")
		}
	}()

	switch opts.Protocol {
	case ProtocolRowwise:
		err = d.loadRowwise(ctx, stage, schema, out, opts.BatchID)
	default:
		err = d.loadAppender(ctx, stage, out, opts)
	}
	if err == nil {
		err = d.checkStaged(ctx, stage, out.Len())
	}
	if err != nil {
		return 0, sferrors.PartialWrite(err, ref.String())
	}

	if err := d.swap(ctx, stage, ref, opts.Policy, exists); err != nil {
		return 0, err
	}
	swapped = true
	log.WithField("rows", out.Len()).Debug("batch swapped into destination")
	return int64(out.Len()), nil
}

func (d *DuckDB) loadAppender(ctx context.Context, stage relation.TableRef, out *relation.Output, opts WriteOptions) error {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	return conn.Raw(func(dc any) error {
		app, err := duckdb.NewAppenderFromConn(dc.(driver.Conn), stage.Schema, stage.Table)
		if err != nil {
			return err
		}
		for i := 0; i < out.Len(); i++ {
			if i%insertChunkRows == 0 {
				if err := ctx.Err(); err != nil {
					app.Close()
					return err
				}
			}
			id, sim, v := out.Row(i)
			if opts.Policy == PolicyAppend {
				err = app.AppendRow(id, sim, v, opts.BatchID)
			} else {
				err = app.AppendRow(id, sim, v)
			}
			if err != nil {
				app.Close()
				return fmt.Errorf("append row %d: %w", i, err)
			}
		}
		// Flush panics on an appender that holds no rows.
		if out.Len() > 0 {
			if err := app.Flush(); err != nil {
				app.Close()
				return fmt.Errorf("flush appender: %w", err)
			}
		}
		return app.Close()
	})
}

// checkStaged fails when the staging table does not hold exactly want rows.
func (d *DuckDB) checkStaged(ctx context.Context, stage relation.TableRef, want int) error {
	var got int64
	if err := d.db.QueryRowContext(ctx, duckdbSQL.countRows(stage)).Scan(&got); err != nil {
		return err
	}
	if got != int64(want) {
		return fmt.Errorf("staged %d of %d rows", got, want)
	}
	return nil
}

func (d *DuckDB) loadRowwise(ctx context.Context, stage relation.TableRef, schema relation.Schema, out *relation.Output, batchID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := insertEachRow(ctx, tx, duckdbSQL, stage, schema, out, batchID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (d *DuckDB) swap(ctx context.Context, stage, dest relation.TableRef, policy Policy, exists bool) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return sferrors.PartialWrite(err, dest.String())
	}
	var stmts []string
	switch {
	case policy == PolicyAppend && exists:
		stmts = []string{duckdbSQL.appendFrom(stage, dest), duckdbSQL.dropTable(stage)}
	case policy == PolicyReplace:
		stmts = []string{duckdbSQL.dropTable(dest), duckdbSQL.rename(stage, dest)}
	default:
		stmts = []string{duckdbSQL.rename(stage, dest)}
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			tx.Rollback()
			if policy == PolicyFail && strings.Contains(strings.ToLower(err.Error()), "already exists") {
				return sferrors.DestinationExists(dest.String())
			}
			return sferrors.PartialWrite(err, dest.String())
		}
	}
	if err := tx.Commit(); err != nil {
		return sferrors.PartialWrite(err, dest.String())
	}
	return nil
}

// Load creates or replaces ref with the rows of in.
func (d *DuckDB) Load(ctx context.Context, ref relation.TableRef, in *relation.Input) error {
	ref = ref.WithDefaultSchema(d.DefaultSchema())
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return sferrors.Connection(err, "duckdb:"+d.path)
	}
	if err := loadInput(ctx, tx, duckdbSQL, ref, in); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Begin opens a transaction for in-process execution.
func (d *DuckDB) Begin(ctx context.Context) (Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, sferrors.Connection(err, "duckdb:"+d.path)
	}
	return &duckTx{tx: tx, schema: d.DefaultSchema()}, nil
}

type duckTx struct {
	tx     *sql.Tx
	schema string
}

func (t *duckTx) Exists(ctx context.Context, ref relation.TableRef) (bool, error) {
	return duckExists(ctx, t.tx, ref.WithDefaultSchema(t.schema))
}

func (t *duckTx) Read(ctx context.Context, ref relation.TableRef, schema relation.Schema) (*relation.Input, error) {
	return duckRead(ctx, t.tx, ref.WithDefaultSchema(t.schema), schema)
}

// Write writes directly into the destination; the enclosing transaction
// provides the atomicity.
func (t *duckTx) Write(ctx context.Context, ref relation.TableRef, out *relation.Output, opts WriteOptions) (int64, error) {
	ref = ref.WithDefaultSchema(t.schema)
	opts = opts.withDefaults()
	if opts.Policy == PolicyAppend && opts.BatchID == "" {
		return 0, sferrors.New(sferrors.CodeInvalidConfig, "append policy needs a batch id")
	}

	exists, err := t.Exists(ctx, ref)
	if err != nil {
		return 0, err
	}
	schema := outputSchema(opts.Policy)
	switch opts.Policy {
	case PolicyFail:
		if exists {
			return 0, sferrors.DestinationExists(ref.String())
		}
	case PolicyAppend:
		if exists {
			cols, err := duckColumns(ctx, t.tx, ref)
			if err != nil {
				return 0, err
			}
			if err := checkAppendTarget(ref, cols); err != nil {
				return 0, err
			}
		}
	default:
		if _, err := t.tx.ExecContext(ctx, duckdbSQL.dropTable(ref)); err != nil {
			return 0, sferrors.PartialWrite(err, ref.String())
		}
		exists = false
	}
	if !exists {
		if _, err := t.tx.ExecContext(ctx, duckdbSQL.createTable(ref, schema)); err != nil {
			return 0, sferrors.PartialWrite(err, ref.String())
		}
	}
	if err := insertChunked(ctx, t.tx, duckdbSQL, ref, schema, out, opts.BatchID); err != nil {
		return 0, sferrors.PartialWrite(err, ref.String())
	}
	return int64(out.Len()), nil
}

func (t *duckTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return sferrors.Wrap(err, sferrors.CodePartialWrite, "commit failed")
	}
	return nil
}

func (t *duckTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func duckExists(ctx context.Context, q queryer, ref relation.TableRef) (bool, error) {
	var n int64
	rows, err := q.QueryContext(ctx, duckdbSQL.existsQuery(), ref.Schema, ref.Table)
	if err != nil {
		return false, sferrors.Connection(err, "duckdb")
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return false, sferrors.Connection(err, "duckdb")
		}
	}
	return n > 0, rows.Err()
}

func duckColumns(ctx context.Context, q queryer, ref relation.TableRef) ([]catalogColumn, error) {
	rows, err := q.QueryContext(ctx, duckdbSQL.columnsQuery(), ref.Schema, ref.Table)
	if err != nil {
		return nil, sferrors.Connection(err, "duckdb")
	}
	defer rows.Close()

	var cols []catalogColumn
	for rows.Next() {
		var c catalogColumn
		if err := rows.Scan(&c.name, &c.dataType); err != nil {
			return nil, sferrors.Connection(err, "duckdb")
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func duckRead(ctx context.Context, q queryer, ref relation.TableRef, schema relation.Schema) (*relation.Input, error) {
	cols, err := duckColumns(ctx, q, ref)
	if err != nil {
		return nil, err
	}
	if err := checkColumns(ref, cols, schema); err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, duckdbSQL.selectQuery(ref, schema))
	if err != nil {
		if isCastError(err) {
			return nil, sferrors.Wrapf(err, sferrors.CodeSchema, "columns of %s do not convert to %s", ref, schema)
		}
		return nil, sferrors.Connection(err, "duckdb")
	}
	defer rows.Close()

	in := &relation.Input{Schema: schema}
	cells, ptrs := scanTargets(len(schema))
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, sferrors.Wrapf(err, sferrors.CodeSchema, "scan %s", ref)
		}
		row, err := rowValues(ref, schema, cells)
		if err != nil {
			return nil, err
		}
		in.Rows = append(in.Rows, row)
	}
	if err := rows.Err(); err != nil {
		if isCastError(err) {
			return nil, sferrors.Wrapf(err, sferrors.CodeSchema, "columns of %s do not convert to %s", ref, schema)
		}
		return nil, sferrors.Connection(err, "duckdb")
	}
	return in, nil
}

// insertEachRow is the legacy protocol: one prepared INSERT per row.
func insertEachRow(ctx context.Context, q queryer, d sqlDialect, ref relation.TableRef, schema relation.Schema, out *relation.Output, batchID string) error {
	stmt, err := q.PrepareContext(ctx, d.insertRow(ref, schema))
	if err != nil {
		return err
	}
	defer stmt.Close()

	withBatch := len(schema) == 4
	for i := 0; i < out.Len(); i++ {
		id, sim, v := out.Row(i)
		if withBatch {
			_, err = stmt.ExecContext(ctx, id, sim, v, batchID)
		} else {
			_, err = stmt.ExecContext(ctx, id, sim, v)
		}
		if err != nil {
			return fmt.Errorf("insert row %d: %w", i, err)
		}
	}
	return nil
}

// insertChunked writes rows as multi-row INSERT statements.
func insertChunked(ctx context.Context, q queryer, d sqlDialect, ref relation.TableRef, schema relation.Schema, out *relation.Output, batchID string) error {
	withBatch := len(schema) == 4
	for start := 0; start < out.Len(); start += insertChunkRows {
		end := min(start+insertChunkRows, out.Len())
		query := d.insertValues(ref, schema, end-start)
		args := make([]any, 0, (end-start)*len(schema))
		for i := start; i < end; i++ {
			id, sim, v := out.Row(i)
			args = append(args, id, sim, v)
			if withBatch {
				args = append(args, batchID)
			}
		}
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert rows %d..%d: %w", start, end-1, err)
		}
	}
	return nil
}

func loadInput(ctx context.Context, q queryer, d sqlDialect, ref relation.TableRef, in *relation.Input) error {
	if _, err := q.ExecContext(ctx, d.dropTable(ref)); err != nil {
		return sferrors.PartialWrite(err, ref.String())
	}
	if _, err := q.ExecContext(ctx, d.createTable(ref, in.Schema)); err != nil {
		return sferrors.PartialWrite(err, ref.String())
	}
	stmt, err := q.PrepareContext(ctx, d.insertRow(ref, in.Schema))
	if err != nil {
		return sferrors.PartialWrite(err, ref.String())
	}
	defer stmt.Close()
	for i, row := range in.Rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return sferrors.PartialWrite(fmt.Errorf("row %d: %w", i+1, err), ref.String())
		}
	}
	return nil
}
