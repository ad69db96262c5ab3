package db

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Op is a predicate operator supported by every gateway backend.
type Op int

const (
	// OpEq matches column = value.
	OpEq Op = iota
	// OpIsNull matches column IS NULL.
	OpIsNull
	// OpNotNull matches column IS NOT NULL.
	OpNotNull
	// OpIn matches column IN (values...). An empty set matches nothing.
	OpIn
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "eq"
	case OpIsNull:
		return "is_null"
	case OpNotNull:
		return "not_null"
	case OpIn:
		return "in"
	default:
		return "unknown"
	}
}

// Predicate is a single column condition. Predicates in a query are ANDed.
type Predicate struct {
	Column string
	Op     Op
	Value  any
	Values []any
}

// Eq builds an exact-match predicate.
func Eq(column string, value any) Predicate {
	return Predicate{Column: column, Op: OpEq, Value: value}
}

// IsNull builds a null-check predicate.
func IsNull(column string) Predicate {
	return Predicate{Column: column, Op: OpIsNull}
}

// NotNull builds a non-null predicate.
func NotNull(column string) Predicate {
	return Predicate{Column: column, Op: OpNotNull}
}

// In builds a set-membership predicate.
func In(column string, values ...any) Predicate {
	return Predicate{Column: column, Op: OpIn, Values: values}
}

// Order is one ORDER BY term.
type Order struct {
	Column string
	Desc   bool
}

// Asc orders by column ascending.
func Asc(column string) Order { return Order{Column: column} }

// Query describes a single-table row query.
type Query struct {
	Table   string
	Columns []string // nil selects all columns
	Where   []Predicate
	OrderBy []Order
	Limit   int // <= 0 means no limit
}

// Placeholder renders the n-th (1-based) bind parameter.
type Placeholder func(n int) string

// Dollar renders Postgres-style $n placeholders.
func Dollar(n int) string { return "$" + strconv.Itoa(n) }

// Question renders SQLite-style ? placeholders.
func Question(int) string { return "?" }

// Ident quotes a possibly schema-qualified identifier ("public.jobs").
func Ident(name string) string {
	parts := strings.SplitN(name, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{name}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

// Build renders q as a SELECT with bind parameters.
func (q Query) Build(ph Placeholder) (string, []any, error) {
	if q.Table == "" {
		return "", nil, eris.New("db: query: no table specified")
	}

	cols := "*"
	if len(q.Columns) > 0 {
		cols = quoteAndJoin(q.Columns)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", cols, Ident(q.Table))

	where, args, err := buildWhere(q.Where, ph)
	if err != nil {
		return "", nil, err
	}
	sb.WriteString(where)

	if len(q.OrderBy) > 0 {
		terms := make([]string, len(q.OrderBy))
		for i, o := range q.OrderBy {
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			terms[i] = pgx.Identifier{o.Column}.Sanitize() + " " + dir
		}
		sb.WriteString(" ORDER BY " + strings.Join(terms, ", "))
	}

	if q.Limit > 0 {
		sb.WriteString(" LIMIT " + strconv.Itoa(q.Limit))
	}
	return sb.String(), args, nil
}

// BuildExists renders a point lookup returning at most one row.
func BuildExists(table string, where []Predicate, ph Placeholder) (string, []any, error) {
	if table == "" {
		return "", nil, eris.New("db: exists: no table specified")
	}
	if len(where) == 0 {
		return "", nil, eris.New("db: exists: refusing unkeyed lookup")
	}
	clause, args, err := buildWhere(where, ph)
	if err != nil {
		return "", nil, err
	}
	return "SELECT 1 FROM " + Ident(table) + clause + " LIMIT 1", args, nil
}

// BuildInsert renders a single-row INSERT for the given columns.
func BuildInsert(table string, columns []string, ph Placeholder) (string, error) {
	if table == "" {
		return "", eris.New("db: insert: no table specified")
	}
	if len(columns) == 0 {
		return "", eris.New("db: insert: no columns specified")
	}
	marks := make([]string, len(columns))
	for i := range columns {
		marks[i] = ph(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		Ident(table), quoteAndJoin(columns), strings.Join(marks, ", ")), nil
}

func buildWhere(preds []Predicate, ph Placeholder) (string, []any, error) {
	if len(preds) == 0 {
		return "", nil, nil
	}

	var args []any
	n := 0
	clauses := make([]string, 0, len(preds))
	for _, p := range preds {
		if p.Column == "" {
			return "", nil, eris.New("db: predicate: empty column")
		}
		col := pgx.Identifier{p.Column}.Sanitize()
		switch p.Op {
		case OpEq:
			n++
			args = append(args, p.Value)
			clauses = append(clauses, col+" = "+ph(n))
		case OpIsNull:
			clauses = append(clauses, col+" IS NULL")
		case OpNotNull:
			clauses = append(clauses, col+" IS NOT NULL")
		case OpIn:
			if len(p.Values) == 0 {
				clauses = append(clauses, "1 = 0")
				continue
			}
			marks := make([]string, len(p.Values))
			for i, v := range p.Values {
				n++
				args = append(args, v)
				marks[i] = ph(n)
			}
			clauses = append(clauses, col+" IN ("+strings.Join(marks, ", ")+")")
		default:
			return "", nil, eris.Errorf("db: predicate: unsupported op %d on %s", p.Op, p.Column)
		}
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}
