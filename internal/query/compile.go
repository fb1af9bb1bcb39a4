package query

import (
	"fmt"
	"strings"
)

// Condition is one bound comparison produced while compiling.
type Condition struct {
	Field string
	Op    Op
	Value any
}

// Predicate is a compiled filter. SQL uses `?` placeholders matching Args
// in order.
type Predicate struct {
	SQL        string
	Args       []any
	Conditions []Condition
}

// Dialect renders a single condition for a database backend. Every
// comparand, including the field path, must be returned as an argument.
type Dialect interface {
	Condition(c *Cond) (sql string, args []any, err error)
}

// Compile renders e with d. A nil Expr compiles to a nil Predicate.
func Compile(e Expr, d Dialect) (*Predicate, error) {
	if e == nil {
		return nil, nil
	}
	p := &Predicate{}
	sql, _, err := p.render(e, d)
	if err != nil {
		return nil, err
	}
	p.SQL = sql
	return p, nil
}

// render returns the SQL for e and whether it is an unparenthesised
// multi-condition conjunction that a parent must wrap.
func (p *Predicate) render(e Expr, d Dialect) (string, bool, error) {
	switch n := e.(type) {
	case *Cond:
		sql, args, err := d.Condition(n)
		if err != nil {
			return "", false, err
		}
		p.Args = append(p.Args, args...)
		p.Conditions = append(p.Conditions, Condition{Field: n.Field, Op: n.Op, Value: n.Value})
		return sql, false, nil

	case *Group:
		if len(n.Children) == 1 {
			return p.render(n.Children[0], d)
		}
		parts := make([]string, 0, len(n.Children))
		for _, child := range n.Children {
			s, wrap, err := p.render(child, d)
			if err != nil {
				return "", false, err
			}
			if wrap {
				s = "(" + s + ")"
			}
			parts = append(parts, s)
		}
		joiner := " AND "
		if n.Combinator == Or {
			joiner = " OR "
		}
		sql := strings.Join(parts, joiner)
		if n.Implicit {
			return sql, true, nil
		}
		return "(" + sql + ")", false, nil
	}
	return "", false, fmt.Errorf("query: unknown expression %T", e)
}

// escapeWildcard turns a `*` pattern into a LIKE pattern using `\` as the
// escape character.
func escapeWildcard(pattern string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return strings.ReplaceAll(r.Replace(pattern), "*", "%")
}

func comparison(op Op) (string, bool) {
	switch op {
	case OpEq:
		return "=", true
	case OpNe:
		return "<>", true
	case OpGt:
		return ">", true
	case OpGte:
		return ">=", true
	case OpLt:
		return "<", true
	case OpLte:
		return "<=", true
	}
	return "", false
}

func placeholders(n int, one string) string {
	return strings.TrimSuffix(strings.Repeat(one+", ", n), ", ")
}
