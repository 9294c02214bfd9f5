package relation

import (
	"fmt"
	"strings"
)

// TableRef names a table by schema and table separately. The parts are never
// joined into SQL text unquoted; stores quote each part with their own
// identifier rules.
type TableRef struct {
	Schema string `yaml:"schema"`
	Table  string `yaml:"table" validate:"required"`
}

// ParseTableRef splits "schema.table" into its parts. A quoted part may
// contain dots: `"my.schema"."t"`. A bare name has an empty schema, which
// stores resolve to their default.
func ParseTableRef(s string) (TableRef, error) {
	parts, err := splitIdent(s)
	if err != nil {
		return TableRef{}, err
	}
	switch len(parts) {
	case 1:
		return TableRef{Table: parts[0]}, nil
	case 2:
		return TableRef{Schema: parts[0], Table: parts[1]}, nil
	default:
		return TableRef{}, fmt.Errorf("table reference %q: expected [schema.]table", s)
	}
}

func splitIdent(s string) ([]string, error) {
	var (
		parts  []string
		cur    strings.Builder
		quoted bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' && quoted && i+1 < len(s) && s[i+1] == '"':
			cur.WriteByte('"')
			i++
		case c == '"':
			quoted = !quoted
		case c == '.' && !quoted:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if quoted {
		return nil, fmt.Errorf("table reference %q: unterminated quote", s)
	}
	parts = append(parts, cur.String())
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("table reference %q: empty identifier", s)
		}
	}
	return parts, nil
}

// WithDefaultSchema fills an empty schema.
func (r TableRef) WithDefaultSchema(schema string) TableRef {
	if r.Schema == "" {
		r.Schema = schema
	}
	return r
}

// Sibling returns a table in the same schema with the given name.
func (r TableRef) Sibling(table string) TableRef {
	return TableRef{Schema: r.Schema, Table: table}
}

// String renders the reference for logs and error messages.
func (r TableRef) String() string {
	if r.Schema == "" {
		return r.Table
	}
	return r.Schema + "." + r.Table
}

// QuoteIdent quotes one identifier with SQL double quotes.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Quoted renders the reference with each part quoted separately.
func (r TableRef) Quoted() string {
	if r.Schema == "" {
		return QuoteIdent(r.Table)
	}
	return QuoteIdent(r.Schema) + "." + QuoteIdent(r.Table)
}
