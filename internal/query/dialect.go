package query

import (
	"fmt"

	"github.com/goccy/go-json"
)

// SQLite renders conditions against a JSON `document` column of the
// metadata table aliased `m`.
type SQLite struct{}

// Postgres renders conditions against a JSONB `document` column of the
// metadata table aliased `m`.
type Postgres struct{}

var (
	_ Dialect = SQLite{}
	_ Dialect = Postgres{}
)

func sqlitePath(field string) string {
	return `$."` + field + `"`
}

// sqliteValue maps booleans to the integers json_extract yields for them.
func sqliteValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}

func (SQLite) Condition(c *Cond) (string, []any, error) {
	const col = "json_extract(m.document, ?)"
	path := sqlitePath(c.Field)

	switch c.Op {
	case OpIn, OpNin:
		vals := c.Value.([]any)
		args := []any{path}
		for _, v := range vals {
			args = append(args, sqliteValue(v))
		}
		kw := "IN"
		if c.Op == OpNin {
			kw = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", col, kw, placeholders(len(vals), "?")), args, nil
	case OpWildcard:
		return col + ` LIKE ? ESCAPE '\'`, []any{path, escapeWildcard(c.Value.(string))}, nil
	}

	cmp, ok := comparison(c.Op)
	if !ok {
		return "", nil, fmt.Errorf("query: unsupported operator %s", c.Op)
	}
	if c.Value == nil {
		switch c.Op {
		case OpEq:
			return col + " IS NULL", []any{path}, nil
		case OpNe:
			return col + " IS NOT NULL", []any{path}, nil
		}
	}
	return fmt.Sprintf("%s %s ?", col, cmp), []any{path, sqliteValue(c.Value)}, nil
}

func jsonb(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("query: encode comparand: %w", err)
	}
	return string(b), nil
}

func (Postgres) Condition(c *Cond) (string, []any, error) {
	const col = "m.document -> ?::text"

	switch c.Op {
	case OpIn, OpNin:
		vals := c.Value.([]any)
		args := []any{c.Field}
		for _, v := range vals {
			s, err := jsonb(v)
			if err != nil {
				return "", nil, err
			}
			args = append(args, s)
		}
		kw := "IN"
		if c.Op == OpNin {
			kw = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", col, kw, placeholders(len(vals), "?::jsonb")), args, nil
	case OpWildcard:
		return `m.document ->> ?::text LIKE ? ESCAPE '\'`, []any{c.Field, escapeWildcard(c.Value.(string))}, nil
	}

	cmp, ok := comparison(c.Op)
	if !ok {
		return "", nil, fmt.Errorf("query: unsupported operator %s", c.Op)
	}
	if c.Value == nil {
		switch c.Op {
		case OpEq:
			return "COALESCE(" + col + ", 'null'::jsonb) = 'null'::jsonb", []any{c.Field}, nil
		case OpNe:
			return "COALESCE(" + col + ", 'null'::jsonb) <> 'null'::jsonb", []any{c.Field}, nil
		}
	}
	s, err := jsonb(c.Value)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("%s %s ?::jsonb", col, cmp), []any{c.Field, s}, nil
}
