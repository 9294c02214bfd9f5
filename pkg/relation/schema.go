// Package relation defines the in-memory relations that flow through a
// simflow run: the bounded input relation read from a store and the long
// (id, sim_id, value) output relation produced by the simulation.
package relation

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Type is a declared column type.
type Type uint8

const (
	TypeInt Type = iota + 1
	TypeFloat
	TypeString
	TypeTimestamp
)

// String returns the type name used in configs and declared schemas.
func (t Type) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	case TypeTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// ParseType parses a type name.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int", "integer", "bigint", "int64":
		return TypeInt, nil
	case "float", "double", "real", "float64":
		return TypeFloat, nil
	case "string", "text", "varchar", "categorical":
		return TypeString, nil
	case "timestamp", "date", "datetime":
		return TypeTimestamp, nil
	default:
		return 0, fmt.Errorf("unknown column type %q", s)
	}
}

// Column is a named, typed column.
type Column struct {
	Name     string
	Type     Type
	Nullable bool
}

// Schema is an ordered list of columns.
type Schema []Column

// Index returns the position of the named column, or -1.
func (s Schema) Index(name string) int {
	for i, c := range s {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = c.Name
	}
	return names
}

// String renders the schema as "name:type" pairs, e.g. "id:int, value:float".
func (s Schema) String() string {
	parts := make([]string, len(s))
	for i, c := range s {
		parts[i] = c.Name + ":" + c.Type.String()
	}
	return strings.Join(parts, ", ")
}

// ParseSchema parses the "name:type, name:type" form produced by String.
func ParseSchema(s string) (Schema, error) {
	var schema Schema
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, typ, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("column %q: expected name:type", part)
		}
		t, err := ParseType(typ)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", name, err)
		}
		schema = append(schema, Column{Name: strings.TrimSpace(name), Type: t})
	}
	return schema, nil
}

// timestampLayouts are the ISO-8601-like forms accepted for timestamp values.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601-like timestamp. Values without a zone
// are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// FormatTimestamp renders a timestamp the way artifacts store it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseValue converts text to the Go value for t. Empty text is nil.
func ParseValue(s string, t Type) (any, error) {
	if s == "" {
		return nil, nil
	}
	switch t {
	case TypeInt:
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	case TypeFloat:
		return strconv.ParseFloat(strings.TrimSpace(s), 64)
	case TypeString:
		return s, nil
	case TypeTimestamp:
		return ParseTimestamp(s)
	default:
		return nil, fmt.Errorf("unsupported type %s", t)
	}
}

// Coerce converts a scanned driver value to the Go value for t. It accepts
// the widenings stores commonly return (int32 for int, int for float,
// []byte for string).
func Coerce(v any, t Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeInt:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int32:
			return int64(x), nil
		case int:
			return int64(x), nil
		case int16:
			return int64(x), nil
		case int8:
			return int64(x), nil
		case uint32:
			return int64(x), nil
		}
	case TypeFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case int32:
			return float64(x), nil
		case int:
			return float64(x), nil
		}
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		case fmt.Stringer:
			return x.String(), nil
		}
	case TypeTimestamp:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case string:
			return ParseTimestamp(x)
		}
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, t)
}
