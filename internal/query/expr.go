// Package query turns client metadata filters into bound SQL predicates.
//
// A filter is a JSON object. Each entry is either an implicit equality
// (`"field": value`), an operator object (`"field": {"$gt": 3}`) or a boolean
// combinator (`"$and": [...]`, `"$or": [...]`). Sibling entries are ANDed.
package query

// Op is a comparison operator.
type Op string

const (
	OpEq       Op = "$eq"
	OpNe       Op = "$ne"
	OpGt       Op = "$gt"
	OpGte      Op = "$gte"
	OpLt       Op = "$lt"
	OpLte      Op = "$lte"
	OpIn       Op = "$in"
	OpNin      Op = "$nin"
	OpWildcard Op = "$wildcard"
)

// Combinator joins the children of a Group.
type Combinator string

const (
	And Combinator = "$and"
	Or  Combinator = "$or"
)

var operators = map[string]Op{
	string(OpNe):       OpNe,
	string(OpGt):       OpGt,
	string(OpGte):      OpGte,
	string(OpLt):       OpLt,
	string(OpLte):      OpLte,
	string(OpIn):       OpIn,
	string(OpNin):      OpNin,
	string(OpWildcard): OpWildcard,
}

// Expr is a node of a parsed filter: *Cond or *Group.
type Expr interface {
	expr()
}

// Cond compares one metadata field against a value. Value is a scalar
// (string, int64, float64, bool or nil), a []any of scalars for $in and $nin,
// or a string for $wildcard.
type Cond struct {
	Field string
	Op    Op
	Value any
}

// Group combines child expressions. Implicit groups come from sibling
// entries in one object rather than from an explicit $and.
type Group struct {
	Combinator Combinator
	Children   []Expr
	Implicit   bool
}

func (*Cond) expr()  {}
func (*Group) expr() {}
