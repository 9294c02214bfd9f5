package store

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/relation"
)

// sqlDialect renders the statements both backends share.
type sqlDialect struct {
	name Dialect
	// placeholder returns the bind marker for parameter i (1-based).
	placeholder func(i int) string
	types       map[relation.Type]string
}

var duckdbSQL = sqlDialect{
	name:        DialectDuckDB,
	placeholder: func(int) string { return "?" },
	types: map[relation.Type]string{
		relation.TypeInt:       "BIGINT",
		relation.TypeFloat:     "DOUBLE",
		relation.TypeString:    "VARCHAR",
		relation.TypeTimestamp: "TIMESTAMP",
	},
}

var postgresSQL = sqlDialect{
	name:        DialectPostgres,
	placeholder: func(i int) string { return fmt.Sprintf("$%d", i) },
	types: map[relation.Type]string{
		relation.TypeInt:       "BIGINT",
		relation.TypeFloat:     "DOUBLE PRECISION",
		relation.TypeString:    "TEXT",
		relation.TypeTimestamp: "TIMESTAMP",
	},
}

func (d sqlDialect) table(ref relation.TableRef) string {
	if d.name == DialectPostgres {
		return pgx.Identifier{ref.Schema, ref.Table}.Sanitize()
	}
	return ref.Quoted()
}

func (d sqlDialect) ident(name string) string {
	if d.name == DialectPostgres {
		return pgx.Identifier{name}.Sanitize()
	}
	return relation.QuoteIdent(name)
}

// columnsQuery lists a table's columns. Schema and table are bound, never
// spliced into the text.
func (d sqlDialect) columnsQuery() string {
	return fmt.Sprintf(`SELECT column_name, data_type FROM information_schema.columns
		WHERE table_schema = %s AND table_name = %s ORDER BY ordinal_position`,
		d.placeholder(1), d.placeholder(2))
}

func (d sqlDialect) existsQuery() string {
	return fmt.Sprintf(`SELECT count(*) FROM information_schema.tables
		WHERE table_schema = %s AND table_name = %s`,
		d.placeholder(1), d.placeholder(2))
}

func (d sqlDialect) countRows(ref relation.TableRef) string {
	return "SELECT count(*) FROM " + d.table(ref)
}

func (d sqlDialect) selectQuery(ref relation.TableRef, schema relation.Schema) string {
	cols := make([]string, len(schema))
	for i, c := range schema {
		cols[i] = fmt.Sprintf("CAST(%s AS %s)", d.ident(c.Name), d.types[c.Type])
	}
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), d.table(ref))
}

func (d sqlDialect) createTable(ref relation.TableRef, schema relation.Schema) string {
	cols := make([]string, len(schema))
	for i, c := range schema {
		cols[i] = d.ident(c.Name) + " " + d.types[c.Type]
		if !c.Nullable {
			cols[i] += " NOT NULL"
		}
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", d.table(ref), strings.Join(cols, ", "))
}

func (d sqlDialect) insertRow(ref relation.TableRef, schema relation.Schema) string {
	cols := make([]string, len(schema))
	marks := make([]string, len(schema))
	for i, c := range schema {
		cols[i] = d.ident(c.Name)
		marks[i] = d.placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.table(ref), strings.Join(cols, ", "), strings.Join(marks, ", "))
}

// insertValues renders a multi-row INSERT for n rows.
func (d sqlDialect) insertValues(ref relation.TableRef, schema relation.Schema, n int) string {
	cols := make([]string, len(schema))
	for i, c := range schema {
		cols[i] = d.ident(c.Name)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", d.table(ref), strings.Join(cols, ", "))
	p := 1
	for r := 0; r < n; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := range schema {
			if c > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(d.placeholder(p))
			p++
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

func (d sqlDialect) dropTable(ref relation.TableRef) string {
	return "DROP TABLE IF EXISTS " + d.table(ref)
}

// rename moves staging onto the destination name within the same schema.
func (d sqlDialect) rename(staging, dest relation.TableRef) string {
	return fmt.Sprintf("ALTER TABLE %s RENAME TO %s", d.table(staging), d.ident(dest.Table))
}

// appendFrom copies a staged batch into an append-mode destination.
func (d sqlDialect) appendFrom(staging, dest relation.TableRef) string {
	return fmt.Sprintf("INSERT INTO %s (%s, %s, %s, %s) SELECT %s, %s, %s, %s FROM %s",
		d.table(dest),
		d.ident(relation.ColID), d.ident(relation.ColSimID), d.ident(relation.ColValue), d.ident(relation.ColBatchID),
		d.ident(relation.ColID), d.ident(relation.ColSimID), d.ident(relation.ColValue), d.ident(relation.ColBatchID),
		d.table(staging))
}

// outputSchema is the destination layout for a policy.
func outputSchema(p Policy) relation.Schema {
	s := append(relation.Schema(nil), relation.DrawSchema...)
	if p == PolicyAppend {
		s = append(s, relation.Column{Name: relation.ColBatchID, Type: relation.TypeString})
	}
	return s
}

type catalogColumn struct {
	name     string
	dataType string
}

// checkColumns verifies that every column of want is in the catalog.
func checkColumns(ref relation.TableRef, have []catalogColumn, want relation.Schema) error {
	if len(have) == 0 {
		return sferrors.MissingRelation(ref.String())
	}
	names := make([]string, len(have))
	set := make(map[string]bool, len(have))
	for i, c := range have {
		names[i] = c.name
		set[c.name] = true
	}
	for _, c := range want {
		if !set[c.Name] {
			return sferrors.MissingColumn(c.Name, names).With("relation", ref.String())
		}
	}
	return nil
}

// checkAppendTarget verifies an existing destination can take appended
// batches.
func checkAppendTarget(ref relation.TableRef, have []catalogColumn) error {
	if err := checkColumns(ref, have, outputSchema(PolicyAppend)); err != nil {
		return sferrors.Wrap(err, sferrors.CodeSchemaMismatch, "destination cannot take appended batches").
			With("destination", ref.String())
	}
	return nil
}

// rowValues converts scanned row cells to declared Go values.
func rowValues(ref relation.TableRef, schema relation.Schema, cells []any) ([]any, error) {
	row := make([]any, len(schema))
	for i, c := range schema {
		v, err := relation.Coerce(cells[i], c.Type)
		if err != nil {
			return nil, sferrors.Wrapf(err, sferrors.CodeSchema, "column %q of %s", c.Name, ref)
		}
		if v == nil && !c.Nullable {
			return nil, sferrors.Newf(sferrors.CodeSchema, "column %q of %s is null but declared non-null", c.Name, ref)
		}
		row[i] = v
	}
	return row, nil
}

func scanTargets(n int) ([]any, []any) {
	cells := make([]any, n)
	ptrs := make([]any, n)
	for i := range cells {
		ptrs[i] = &cells[i]
	}
	return cells, ptrs
}

// isCastError reports a conversion failure raised by the engine while
// projecting a column onto its declared type.
func isCastError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "conversion") ||
		strings.Contains(msg, "could not convert") ||
		strings.Contains(msg, "invalid input syntax") ||
		strings.Contains(msg, "cannot be cast") ||
		strings.Contains(msg, "cannot cast")
}
