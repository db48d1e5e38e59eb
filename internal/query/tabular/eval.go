package tabular

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Run evaluates program with scope as its initial bindings and returns the
// value of the final statement.
func Run(ctx context.Context, program Program, scope map[string]any) (any, error) {
	ev := &evaluator{ctx: ctx, scope: make(map[string]any, len(scope)+4)}
	for name, value := range scope {
		ev.scope[name] = value
	}
	var last any
	for i, stmt := range program.Statements {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch typed := stmt.(type) {
		case Assign:
			value, err := ev.eval(typed.Value)
			if err != nil {
				return nil, fmt.Errorf("statement %d: %w", i+1, err)
			}
			ev.scope[typed.Name] = value
		case ExprStmt:
			value, err := ev.eval(typed.Value)
			if err != nil {
				return nil, fmt.Errorf("statement %d: %w", i+1, err)
			}
			last = value
		}
	}
	return last, nil
}

type evaluator struct {
	ctx   context.Context
	scope map[string]any
}

func (ev *evaluator) eval(n Node) (any, error) {
	if err := ev.ctx.Err(); err != nil {
		return nil, err
	}
	switch node := n.(type) {
	case VarRef:
		value, ok := ev.scope[node.Name]
		if !ok {
			return nil, fmt.Errorf("name %q is not defined", node.Name)
		}
		return value, nil
	case Literal:
		return node.Value, nil
	case ListLit:
		out := make([]any, len(node.Items))
		for i, item := range node.Items {
			value, err := ev.eval(item)
			if err != nil {
				return nil, err
			}
			if !isScalar(value) {
				return nil, fmt.Errorf("lists may only hold plain values, got %s", typeName(value))
			}
			out[i] = value
		}
		return out, nil
	case ColumnRef:
		return ev.columnRef(node)
	case Item:
		return ev.item(node)
	case ColumnsRef:
		source, err := ev.frame(node.Source, "columns")
		if err != nil {
			return nil, err
		}
		out := make([]any, len(source.columns))
		for i, column := range source.columns {
			out[i] = column
		}
		return out, nil
	case Project:
		source, err := ev.frame(node.Source, "column selection")
		if err != nil {
			return nil, err
		}
		return project(source, node.Columns)
	case Filter:
		return ev.filter(node)
	case Slice:
		return ev.slice(node)
	case Compare:
		return ev.compare(node)
	case Logical:
		return ev.logical(node)
	case Not:
		return ev.not(node)
	case Negate:
		operand, err := ev.eval(node.Operand)
		if err != nil {
			return nil, err
		}
		return mapNumeric(operand, "unary -", func(x any) (any, error) {
			switch typed := x.(type) {
			case int64:
				if typed == math.MinInt64 {
					return -float64(typed), nil
				}
				return -typed, nil
			case float64:
				return -typed, nil
			case bool:
				if typed {
					return int64(-1), nil
				}
				return int64(0), nil
			}
			return nil, fmt.Errorf("bad operand type for unary -: %s", typeName(x))
		})
	case Arith:
		return ev.arith(node)
	case NullCheck:
		return ev.nullCheck(node)
	case IsIn:
		source, err := ev.series(node.Source, "isin")
		if err != nil {
			return nil, err
		}
		out := make([]any, len(source.values))
		for i, value := range source.values {
			match := false
			for _, candidate := range node.Values {
				if equalValues(value, candidate) {
					match = true
					break
				}
			}
			out[i] = match
		}
		return source.withValues(out), nil
	case StrMatch:
		return ev.strMatch(node)
	case StrCase:
		source, err := ev.series(node.Source, "str")
		if err != nil {
			return nil, err
		}
		out := make([]any, len(source.values))
		for i, value := range source.values {
			text, ok := value.(string)
			if !ok {
				continue
			}
			if node.Upper {
				out[i] = strings.ToUpper(text)
			} else {
				out[i] = strings.ToLower(text)
			}
		}
		return source.withValues(out), nil
	case Aggregate:
		return ev.aggregate(node)
	case ValueCounts:
		source, err := ev.series(node.Source, "value_counts")
		if err != nil {
			return nil, err
		}
		return valueCounts(source, node), nil
	case GroupBy:
		source, err := ev.frame(node.Source, "groupby")
		if err != nil {
			return nil, err
		}
		for _, key := range node.Keys {
			if _, err := source.columnIndex(key); err != nil {
				return nil, err
			}
		}
		return &grouped{source: source, keys: node.Keys}, nil
	case Sort:
		return ev.sortValues(node)
	case SortIndex:
		return ev.sortIndex(node)
	case Limit:
		return ev.limit(node)
	case DropNA:
		return ev.dropNA(node)
	case Dedupe:
		return ev.dedupe(node)
	case FillNA:
		source, err := ev.eval(node.Source)
		if err != nil {
			return nil, err
		}
		return mapCells(source, "fillna", func(v any) (any, error) {
			if isMissing(v) {
				return node.Value, nil
			}
			return v, nil
		})
	case ResetIndex:
		return ev.resetIndex(node)
	case ToList:
		source, err := ev.eval(node.Source)
		if err != nil {
			return nil, err
		}
		switch typed := source.(type) {
		case *series:
			return append([]any(nil), typed.values...), nil
		case []any:
			return append([]any(nil), typed...), nil
		case *frame:
			out := make([]any, len(typed.columns))
			for i, column := range typed.columns {
				out[i] = column
			}
			return out, nil
		}
		return nil, fmt.Errorf("cannot convert %s to a list", typeName(source))
	case Len:
		return ev.length(node)
	case Shape:
		source, err := ev.eval(node.Source)
		if err != nil {
			return nil, err
		}
		switch typed := source.(type) {
		case *frame:
			if node.Axis == 0 {
				return int64(len(typed.rows)), nil
			}
			return int64(len(typed.columns)), nil
		case *series:
			if node.Axis == 0 {
				return int64(len(typed.values)), nil
			}
			return nil, fmt.Errorf("tuple index out of range")
		}
		return nil, fmt.Errorf("%s has no shape", typeName(source))
	case Round:
		source, err := ev.eval(node.Source)
		if err != nil {
			return nil, err
		}
		scale := math.Pow(10, float64(node.Digits))
		return mapNumeric(source, "round", func(x any) (any, error) {
			switch typed := x.(type) {
			case int64:
				return typed, nil
			case float64:
				if math.IsNaN(typed) || math.IsInf(typed, 0) {
					return typed, nil
				}
				return math.RoundToEven(typed*scale) / scale, nil
			}
			return nil, fmt.Errorf("type %s doesn't define round", typeName(x))
		})
	case Abs:
		source, err := ev.eval(node.Source)
		if err != nil {
			return nil, err
		}
		return mapNumeric(source, "abs", func(x any) (any, error) {
			switch typed := x.(type) {
			case int64:
				if typed < 0 {
					return -typed, nil
				}
				return typed, nil
			case float64:
				return math.Abs(typed), nil
			}
			return nil, fmt.Errorf("bad operand type for abs(): %s", typeName(x))
		})
	case Cast:
		source, err := ev.eval(node.Source)
		if err != nil {
			return nil, err
		}
		return cast(source, node.Kind)
	default:
		return nil, fmt.Errorf("unsupported operation %T", n)
	}
}

func (ev *evaluator) frame(n Node, op string) (*frame, error) {
	value, err := ev.eval(n)
	if err != nil {
		return nil, err
	}
	f, ok := value.(*frame)
	if !ok {
		return nil, fmt.Errorf("%s needs a table, got %s", op, typeName(value))
	}
	return f, nil
}

func (ev *evaluator) series(n Node, op string) (*series, error) {
	value, err := ev.eval(n)
	if err != nil {
		return nil, err
	}
	s, ok := value.(*series)
	if !ok {
		return nil, fmt.Errorf("%s needs a column, got %s", op, typeName(value))
	}
	return s, nil
}

func (ev *evaluator) columnRef(node ColumnRef) (any, error) {
	source, err := ev.eval(node.Source)
	if err != nil {
		return nil, err
	}
	switch typed := source.(type) {
	case *frame:
		return typed.column(node.Name)
	case *grouped:
		if typed.column != "" {
			return nil, fmt.Errorf("a column is already selected on this group")
		}
		if _, err := typed.source.columnIndex(node.Name); err != nil {
			return nil, err
		}
		return &grouped{source: typed.source, keys: typed.keys, column: node.Name}, nil
	case *series:
		for i, label := range typed.labels {
			if text, ok := label.(string); ok && text == node.Key {
				return typed.values[i], nil
			}
		}
		return nil, fmt.Errorf("label %q not found", node.Key)
	}
	return nil, fmt.Errorf("%s is not subscriptable by name", typeName(source))
}

func (ev *evaluator) item(node Item) (any, error) {
	source, err := ev.eval(node.Source)
	if err != nil {
		return nil, err
	}
	var values []any
	switch typed := source.(type) {
	case []any:
		values = typed
	case *series:
		values = typed.values
	default:
		return nil, fmt.Errorf("%s does not support positional access", typeName(source))
	}
	position := node.Position
	if position < 0 {
		position += len(values)
	}
	if position < 0 || position >= len(values) {
		return nil, fmt.Errorf("index %d out of range", node.Position)
	}
	return values[position], nil
}

func project(source *frame, columns []string) (*frame, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("column selection is empty")
	}
	positions := make([]int, len(columns))
	for i, column := range columns {
		p, err := source.columnIndex(column)
		if err != nil {
			return nil, err
		}
		positions[i] = p
	}
	out := &frame{columns: append([]string(nil), columns...), index: source.index, rows: make([][]any, len(source.rows))}
	for r, row := range source.rows {
		projected := make([]any, len(positions))
		for i, p := range positions {
			projected[i] = row[p]
		}
		out.rows[r] = projected
	}
	return out, nil
}

func (ev *evaluator) filter(node Filter) (any, error) {
	source, err := ev.eval(node.Source)
	if err != nil {
		return nil, err
	}
	predicate, err := ev.eval(node.Predicate)
	if err != nil {
		return nil, err
	}
	mask, ok := predicate.(*series)
	if !ok {
		return nil, fmt.Errorf("filters need a boolean condition over the table, got %s", typeName(predicate))
	}
	var labels []any
	switch typed := source.(type) {
	case *frame:
		labels = typed.index
	case *series:
		labels = typed.labels
	default:
		return nil, fmt.Errorf("%s cannot be filtered", typeName(source))
	}

	keep, err := alignMask(labels, mask)
	if err != nil {
		return nil, err
	}
	switch typed := source.(type) {
	case *frame:
		return typed.take(keep), nil
	default:
		return source.(*series).take(keep), nil
	}
}

// alignMask returns the positions of labels whose mask value is true. The
// mask is matched by position when it carries the same labels, by label
// otherwise.
func alignMask(labels []any, mask *series) ([]int, error) {
	for _, value := range mask.values {
		if _, ok := value.(bool); !ok && value != nil {
			return nil, fmt.Errorf("filter condition must be boolean, got %s values", typeName(value))
		}
	}
	keep := make([]int, 0, len(labels))
	if sameLabels(labels, mask.labels) {
		for i, value := range mask.values {
			if value == true {
				keep = append(keep, i)
			}
		}
		return keep, nil
	}
	byLabel := make(map[any]bool, len(mask.labels))
	for i, label := range mask.labels {
		byLabel[valueKey(label)] = mask.values[i] == true
	}
	for i, label := range labels {
		value, ok := byLabel[valueKey(label)]
		if !ok {
			return nil, fmt.Errorf("filter condition does not line up with the filtered rows")
		}
		if value {
			keep = append(keep, i)
		}
	}
	return keep, nil
}

func sameLabels(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if valueKey(a[i]) != valueKey(b[i]) {
			return false
		}
	}
	return true
}

func (ev *evaluator) slice(node Slice) (any, error) {
	source, err := ev.eval(node.Source)
	if err != nil {
		return nil, err
	}
	length := 0
	switch typed := source.(type) {
	case *frame:
		length = len(typed.rows)
	case *series:
		length = len(typed.values)
	case []any:
		length = len(typed)
	default:
		return nil, fmt.Errorf("%s cannot be sliced", typeName(source))
	}
	start, stop := sliceBounds(length, node.Start, node.Stop)
	return takeRange(source, start, stop), nil
}

func sliceBounds(length int, startPtr, stopPtr *int) (int, int) {
	clamp := func(v int) int {
		if v < 0 {
			v += length
		}
		return min(max(v, 0), length)
	}
	start, stop := 0, length
	if startPtr != nil {
		start = clamp(*startPtr)
	}
	if stopPtr != nil {
		stop = clamp(*stopPtr)
	}
	if stop < start {
		stop = start
	}
	return start, stop
}

func takeRange(source any, start, stop int) any {
	positions := make([]int, 0, stop-start)
	for i := start; i < stop; i++ {
		positions = append(positions, i)
	}
	switch typed := source.(type) {
	case *frame:
		return typed.take(positions)
	case *series:
		return typed.take(positions)
	case []any:
		return append([]any(nil), typed[start:stop]...)
	}
	return source
}

var flippedOps = map[string]string{"==": "==", "!=": "!=", "<": ">", "<=": ">=", ">": "<", ">=": "<="}

func (ev *evaluator) compare(node Compare) (any, error) {
	left, err := ev.eval(node.Left)
	if err != nil {
		return nil, err
	}
	right, err := ev.eval(node.Right)
	if err != nil {
		return nil, err
	}
	op := node.Op
	if isScalar(left) {
		if rs, ok := right.(*series); ok {
			left, right = rs, left
			op = flippedOps[op]
		}
	}
	switch l := left.(type) {
	case *series:
		out := make([]any, len(l.values))
		switch r := right.(type) {
		case *series:
			if len(r.values) != len(l.values) {
				return nil, fmt.Errorf("can only compare identically-labeled columns")
			}
			for i := range l.values {
				if out[i], err = compareValues(op, l.values[i], r.values[i]); err != nil {
					return nil, err
				}
			}
		default:
			if !isScalar(right) {
				return nil, fmt.Errorf("cannot compare a column with %s", typeName(right))
			}
			for i := range l.values {
				if out[i], err = compareValues(op, l.values[i], right); err != nil {
					return nil, err
				}
			}
		}
		return l.withValues(out), nil
	default:
		if !isScalar(left) || !isScalar(right) {
			return nil, fmt.Errorf("cannot compare %s with %s", typeName(left), typeName(right))
		}
		return compareValues(op, left, right)
	}
}

// compareValues applies op to two cells. A missing operand compares false,
// except for != which is true.
func compareValues(op string, a, b any) (bool, error) {
	if isMissing(a) || isMissing(b) {
		return op == "!=", nil
	}
	switch op {
	case "==":
		return equalValues(a, b), nil
	case "!=":
		return !equalValues(a, b), nil
	}
	order, err := compareOrder(a, b)
	if err != nil {
		return false, fmt.Errorf("'%s' not supported between instances of '%s' and '%s'", op, typeName(a), typeName(b))
	}
	switch op {
	case "<":
		return order < 0, nil
	case "<=":
		return order <= 0, nil
	case ">":
		return order > 0, nil
	case ">=":
		return order >= 0, nil
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}

func (ev *evaluator) logical(node Logical) (any, error) {
	left, err := ev.eval(node.Left)
	if err != nil {
		return nil, err
	}
	right, err := ev.eval(node.Right)
	if err != nil {
		return nil, err
	}
	apply := func(a, b any) (any, error) {
		x, okx := boolCell(a)
		y, oky := boolCell(b)
		if !okx || !oky {
			return nil, fmt.Errorf("%q needs boolean operands, got %s and %s", node.Op, typeName(a), typeName(b))
		}
		if node.Op == "and" {
			return x && y, nil
		}
		return x || y, nil
	}
	ls, lok := left.(*series)
	rs, rok := right.(*series)
	switch {
	case lok && rok:
		if len(ls.values) != len(rs.values) {
			return nil, fmt.Errorf("conditions must cover the same rows")
		}
		out := make([]any, len(ls.values))
		for i := range ls.values {
			if out[i], err = apply(ls.values[i], rs.values[i]); err != nil {
				return nil, err
			}
		}
		return ls.withValues(out), nil
	case lok || rok:
		s, scalar := ls, right
		if rok {
			s, scalar = rs, left
		}
		out := make([]any, len(s.values))
		for i := range s.values {
			if out[i], err = apply(s.values[i], scalar); err != nil {
				return nil, err
			}
		}
		return s.withValues(out), nil
	default:
		return apply(left, right)
	}
}

// boolCell reads a predicate cell; a missing cell counts as false.
func boolCell(v any) (bool, bool) {
	switch typed := v.(type) {
	case nil:
		return false, true
	case bool:
		return typed, true
	default:
		return false, false
	}
}

func (ev *evaluator) not(node Not) (any, error) {
	operand, err := ev.eval(node.Operand)
	if err != nil {
		return nil, err
	}
	if s, ok := operand.(*series); ok {
		out := make([]any, len(s.values))
		for i, value := range s.values {
			b, ok := boolCell(value)
			if !ok {
				return nil, fmt.Errorf("negation needs boolean values, got %s", typeName(value))
			}
			out[i] = !b
		}
		return s.withValues(out), nil
	}
	if !isScalar(operand) {
		return nil, fmt.Errorf("cannot negate %s", typeName(operand))
	}
	return !truthy(operand), nil
}

func (ev *evaluator) arith(node Arith) (any, error) {
	left, err := ev.eval(node.Left)
	if err != nil {
		return nil, err
	}
	right, err := ev.eval(node.Right)
	if err != nil {
		return nil, err
	}
	ls, lok := left.(*series)
	rs, rok := right.(*series)
	switch {
	case lok && rok:
		if len(ls.values) != len(rs.values) {
			return nil, fmt.Errorf("columns of different lengths cannot be combined")
		}
		out := make([]any, len(ls.values))
		for i := range ls.values {
			if out[i], err = arithValues(node.Op, ls.values[i], rs.values[i], true); err != nil {
				return nil, err
			}
		}
		return ls.withValues(out), nil
	case lok:
		if !isScalar(right) {
			return nil, fmt.Errorf("unsupported operand types for %s: Series and %s", node.Op, typeName(right))
		}
		out := make([]any, len(ls.values))
		for i := range ls.values {
			if out[i], err = arithValues(node.Op, ls.values[i], right, true); err != nil {
				return nil, err
			}
		}
		return ls.withValues(out), nil
	case rok:
		if !isScalar(left) {
			return nil, fmt.Errorf("unsupported operand types for %s: %s and Series", node.Op, typeName(left))
		}
		out := make([]any, len(rs.values))
		for i := range rs.values {
			if out[i], err = arithValues(node.Op, left, rs.values[i], true); err != nil {
				return nil, err
			}
		}
		return rs.withValues(out), nil
	default:
		if !isScalar(left) || !isScalar(right) {
			return nil, fmt.Errorf("unsupported operand types for %s: %s and %s", node.Op, typeName(left), typeName(right))
		}
		return arithValues(node.Op, left, right, false)
	}
}

// arithValues applies a binary arithmetic operator. Division by zero yields
// an infinity, or a missing value for 0/0 and modulo, for columns and
// scalars alike. Integer results that overflow int64 become float64.
func arithValues(op string, a, b any, elementwise bool) (any, error) {
	if isMissing(a) || isMissing(b) {
		if elementwise {
			return nil, nil
		}
		return nil, fmt.Errorf("unsupported operand types for %s: %s and %s", op, typeName(a), typeName(b))
	}
	if x, ok := a.(string); ok {
		if y, ok := b.(string); ok && op == "+" {
			return x + y, nil
		}
		return nil, fmt.Errorf("unsupported operand types for %s: %s and %s", op, typeName(a), typeName(b))
	}
	x, okx := number(a)
	y, oky := number(b)
	if !okx || !oky {
		return nil, fmt.Errorf("unsupported operand types for %s: %s and %s", op, typeName(a), typeName(b))
	}
	xi, aInt := integer(a)
	yi, bInt := integer(b)
	integers := aInt && bInt

	if (op == "/" || op == "//" || op == "%") && y == 0 {
		switch {
		case op == "%" || x == 0:
			return nil, nil
		case x > 0:
			return math.Inf(1), nil
		default:
			return math.Inf(-1), nil
		}
	}

	switch op {
	case "+", "-", "*":
		if integers {
			if value, ok := intArith(op, xi, yi); ok {
				return value, nil
			}
		}
		switch op {
		case "+":
			return x + y, nil
		case "-":
			return x - y, nil
		default:
			return x * y, nil
		}
	case "/":
		return x / y, nil
	case "//":
		if integers {
			q := xi / yi
			if (xi%yi != 0) && ((xi < 0) != (yi < 0)) {
				q--
			}
			return q, nil
		}
		return math.Floor(x / y), nil
	case "%":
		if integers {
			mod := xi % yi
			if mod != 0 && (mod < 0) != (yi < 0) {
				mod += yi
			}
			return mod, nil
		}
		mod := math.Mod(x, y)
		if mod != 0 && (mod < 0) != (y < 0) {
			mod += y
		}
		return mod, nil
	}
	return nil, fmt.Errorf("unsupported operator %q", op)
}

// integer reads int64 and bool operands without a float round trip.
func integer(v any) (int64, bool) {
	switch typed := v.(type) {
	case int64:
		return typed, true
	case bool:
		if typed {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// intArith reports false when the result does not fit in an int64.
func intArith(op string, x, y int64) (int64, bool) {
	switch op {
	case "+":
		sum := x + y
		if (y > 0 && sum < x) || (y < 0 && sum > x) {
			return 0, false
		}
		return sum, true
	case "-":
		diff := x - y
		if (y > 0 && diff > x) || (y < 0 && diff < x) {
			return 0, false
		}
		return diff, true
	case "*":
		if x == 0 || y == 0 {
			return 0, true
		}
		if (x == -1 && y == math.MinInt64) || (y == -1 && x == math.MinInt64) {
			return 0, false
		}
		product := x * y
		if product/y != x {
			return 0, false
		}
		return product, true
	}
	return 0, false
}

func (ev *evaluator) nullCheck(node NullCheck) (any, error) {
	source, err := ev.eval(node.Source)
	if err != nil {
		return nil, err
	}
	check := func(v any) any { return isMissing(v) != node.Negate }
	switch typed := source.(type) {
	case *series:
		out := make([]any, len(typed.values))
		for i, value := range typed.values {
			out[i] = check(value)
		}
		return typed.withValues(out), nil
	case *frame:
		out := &frame{columns: typed.columns, index: typed.index, rows: make([][]any, len(typed.rows))}
		for r, row := range typed.rows {
			cells := make([]any, len(row))
			for i, value := range row {
				cells[i] = check(value)
			}
			out.rows[r] = cells
		}
		return out, nil
	}
	if isScalar(source) {
		return check(source), nil
	}
	return nil, fmt.Errorf("missing-value checks need a column or table, got %s", typeName(source))
}

func (ev *evaluator) strMatch(node StrMatch) (any, error) {
	source, err := ev.series(node.Source, "str."+node.Func)
	if err != nil {
		return nil, err
	}
	var match func(string) bool
	switch {
	case node.Func == "contains" && node.Regex:
		pattern := node.Pattern
		if node.IgnoreCase {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", node.Pattern, err)
		}
		match = re.MatchString
	case node.Func == "contains":
		needle := node.Pattern
		if node.IgnoreCase {
			needle = strings.ToLower(needle)
		}
		match = func(s string) bool {
			if node.IgnoreCase {
				s = strings.ToLower(s)
			}
			return strings.Contains(s, needle)
		}
	case node.Func == "startswith":
		match = func(s string) bool { return strings.HasPrefix(s, node.Pattern) }
	default:
		match = func(s string) bool { return strings.HasSuffix(s, node.Pattern) }
	}

	out := make([]any, len(source.values))
	for i, value := range source.values {
		text, ok := value.(string)
		if !ok {
			if node.NA != nil {
				out[i] = *node.NA
			} else {
				out[i] = false
			}
			continue
		}
		out[i] = match(text)
	}
	return source.withValues(out), nil
}

func (ev *evaluator) aggregate(node Aggregate) (any, error) {
	source, err := ev.eval(node.Source)
	if err != nil {
		return nil, err
	}
	switch typed := source.(type) {
	case *series:
		return aggregateValues(node.Func, typed.labels, typed.values)
	case []any:
		labels := make([]any, len(typed))
		for i := range typed {
			labels[i] = int64(i)
		}
		return aggregateValues(node.Func, labels, typed)
	case *frame:
		return aggregateFrame(node.Func, typed)
	case *grouped:
		return aggregateGroups(ev.ctx, node.Func, typed)
	}
	return nil, fmt.Errorf("%s() is not supported on %s", node.Func, typeName(source))
}

func aggregateFrame(fn string, f *frame) (any, error) {
	switch fn {
	case "size":
		return int64(len(f.rows) * len(f.columns)), nil
	case "unique", "idxmax", "idxmin":
		return nil, fmt.Errorf("%s() needs a single column", fn)
	}
	out := &series{labels: make([]any, len(f.columns)), values: make([]any, len(f.columns))}
	for i, column := range f.columns {
		s, err := f.column(column)
		if err != nil {
			return nil, err
		}
		value, err := aggregateValues(fn, s.labels, s.values)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", column, err)
		}
		out.labels[i] = column
		out.values[i] = value
	}
	return out, nil
}

type group struct {
	key       []any
	positions []int
}

// groups splits f by keys. Rows with a missing key are dropped and groups
// are ordered by key.
func groups(ctx context.Context, f *frame, keys []string) ([]*group, error) {
	positions := make([]int, len(keys))
	for i, key := range keys {
		p, err := f.columnIndex(key)
		if err != nil {
			return nil, err
		}
		positions[i] = p
	}
	byKey := map[string]*group{}
	var ordered []*group
	for r, row := range f.rows {
		if r%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		key := make([]any, len(positions))
		missing := false
		for i, p := range positions {
			key[i] = row[p]
			if isMissing(row[p]) {
				missing = true
			}
		}
		if missing {
			continue
		}
		id := fmt.Sprintf("%#v", keyOf(key))
		g, ok := byKey[id]
		if !ok {
			g = &group{key: key}
			byKey[id] = g
			ordered = append(ordered, g)
		}
		g.positions = append(g.positions, r)
	}
	var sortErr error
	sort.SliceStable(ordered, func(i, j int) bool {
		for k := range keys {
			order, err := compareOrder(ordered[i].key[k], ordered[j].key[k])
			if err != nil {
				sortErr = err
				return false
			}
			if order != 0 {
				return order < 0
			}
		}
		return false
	})
	if sortErr != nil {
		return nil, fmt.Errorf("group keys cannot be ordered: %w", sortErr)
	}
	return ordered, nil
}

func keyOf(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = valueKey(v)
	}
	return out
}

func groupLabel(key []any) any {
	if len(key) == 1 {
		return key[0]
	}
	return tupleLabel(key)
}

func aggregateGroups(ctx context.Context, fn string, g *grouped) (any, error) {
	parts, err := groups(ctx, g.source, g.keys)
	if err != nil {
		return nil, err
	}
	out := &series{name: g.column, indexName: strings.Join(g.keys, ", "), labels: make([]any, len(parts)), values: make([]any, len(parts))}
	if g.column == "" {
		if fn != "size" {
			return nil, fmt.Errorf("select a column before %s(), for example .groupby('%s')['COLUMN'].%s()", fn, g.keys[0], fn)
		}
		for i, part := range parts {
			out.labels[i] = groupLabel(part.key)
			out.values[i] = int64(len(part.positions))
		}
		return out, nil
	}
	column, err := g.source.columnIndex(g.column)
	if err != nil {
		return nil, err
	}
	for i, part := range parts {
		values := make([]any, len(part.positions))
		labels := make([]any, len(part.positions))
		for j, p := range part.positions {
			values[j] = g.source.rows[p][column]
			labels[j] = g.source.index[p]
		}
		value, err := aggregateValues(fn, labels, values)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", formatValue(groupLabel(part.key)), err)
		}
		out.labels[i] = groupLabel(part.key)
		out.values[i] = value
	}
	return out, nil
}

func aggregateValues(fn string, labels, values []any) (any, error) {
	present := make([]any, 0, len(values))
	for _, value := range values {
		if !isMissing(value) {
			present = append(present, value)
		}
	}
	switch fn {
	case "count":
		return int64(len(present)), nil
	case "size":
		return int64(len(values)), nil
	case "nunique":
		seen := map[any]bool{}
		for _, value := range present {
			seen[valueKey(value)] = true
		}
		return int64(len(seen)), nil
	case "unique":
		seen := map[any]bool{}
		out := make([]any, 0)
		for _, value := range values {
			key := valueKey(value)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, value)
		}
		return out, nil
	case "sum":
		return sumValues(present)
	case "mean", "median":
		numbers := make([]float64, 0, len(present))
		for _, value := range present {
			x, ok := number(value)
			if !ok {
				return nil, fmt.Errorf("cannot compute %s of %s values", fn, typeName(value))
			}
			numbers = append(numbers, x)
		}
		if len(numbers) == 0 {
			return nil, nil
		}
		if fn == "mean" {
			total := 0.0
			for _, x := range numbers {
				total += x
			}
			return total / float64(len(numbers)), nil
		}
		sort.Float64s(numbers)
		mid := len(numbers) / 2
		if len(numbers)%2 == 1 {
			return numbers[mid], nil
		}
		return (numbers[mid-1] + numbers[mid]) / 2, nil
	case "min", "max", "idxmin", "idxmax":
		best := -1
		for i, value := range values {
			if isMissing(value) {
				continue
			}
			if best < 0 {
				best = i
				continue
			}
			order, err := compareOrder(value, values[best])
			if err != nil {
				return nil, err
			}
			if (strings.HasSuffix(fn, "min") && order < 0) || (strings.HasSuffix(fn, "max") && order > 0) {
				best = i
			}
		}
		if best < 0 {
			if strings.HasPrefix(fn, "idx") {
				return nil, fmt.Errorf("%s() of an empty column", fn)
			}
			return nil, nil
		}
		if strings.HasPrefix(fn, "idx") {
			return labels[best], nil
		}
		return values[best], nil
	case "any":
		for _, value := range present {
			if truthy(value) {
				return true, nil
			}
		}
		return false, nil
	case "all":
		for _, value := range present {
			if !truthy(value) {
				return false, nil
			}
		}
		return true, nil
	}
	return nil, fmt.Errorf("aggregation %q is not supported", fn)
}

func sumValues(values []any) (any, error) {
	if len(values) == 0 {
		return int64(0), nil
	}
	if _, ok := values[0].(string); ok {
		var b strings.Builder
		for _, value := range values {
			text, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("cannot add %s to str", typeName(value))
			}
			b.WriteString(text)
		}
		return b.String(), nil
	}
	var intTotal int64
	floatTotal := 0.0
	integers := true
	for _, value := range values {
		switch typed := value.(type) {
		case int64:
			next, ok := intArith("+", intTotal, typed)
			if !ok {
				integers = false
			}
			intTotal = next
			floatTotal += float64(typed)
		case bool:
			if typed {
				next, ok := intArith("+", intTotal, 1)
				if !ok {
					integers = false
				}
				intTotal = next
				floatTotal++
			}
		case float64:
			integers = false
			floatTotal += typed
		default:
			return nil, fmt.Errorf("cannot add %s values", typeName(value))
		}
	}
	if integers {
		return intTotal, nil
	}
	return floatTotal, nil
}

// valueCounts counts distinct values, most frequent first. Ties keep the
// order of first appearance.
func valueCounts(source *series, node ValueCounts) *series {
	type bucket struct {
		value any
		count int64
	}
	index := map[any]int{}
	var buckets []*bucket
	var total int64
	for _, value := range source.values {
		if isMissing(value) {
			if node.DropNA {
				continue
			}
			value = nil
		}
		total++
		key := valueKey(value)
		if i, ok := index[key]; ok {
			buckets[i].count++
			continue
		}
		index[key] = len(buckets)
		buckets = append(buckets, &bucket{value: value, count: 1})
	}
	sort.SliceStable(buckets, func(i, j int) bool {
		if node.Ascending {
			return buckets[i].count < buckets[j].count
		}
		return buckets[i].count > buckets[j].count
	})
	name := "count"
	if node.Normalize {
		name = "proportion"
	}
	out := &series{name: name, indexName: source.name, labels: make([]any, len(buckets)), values: make([]any, len(buckets))}
	for i, b := range buckets {
		out.labels[i] = b.value
		if node.Normalize {
			out.values[i] = float64(b.count) / float64(total)
		} else {
			out.values[i] = b.count
		}
	}
	return out
}

func (ev *evaluator) sortValues(node Sort) (any, error) {
	source, err := ev.eval(node.Source)
	if err != nil {
		return nil, err
	}
	switch typed := source.(type) {
	case *series:
		if len(node.By) > 0 {
			return nil, fmt.Errorf("sort_values() on a column takes no 'by' argument")
		}
		positions, err := sortPositions(len(typed.values), []func(int) any{func(i int) any { return typed.values[i] }}, node.Ascending)
		if err != nil {
			return nil, err
		}
		return typed.take(positions), nil
	case *frame:
		if len(node.By) == 0 {
			return nil, fmt.Errorf("sort_values() on a table needs 'by'")
		}
		ascending := node.Ascending
		if len(ascending) == 1 && len(node.By) > 1 {
			ascending = make([]bool, len(node.By))
			for i := range ascending {
				ascending[i] = node.Ascending[0]
			}
		}
		if len(ascending) != len(node.By) {
			return nil, fmt.Errorf("ascending has %d values for %d sort columns", len(ascending), len(node.By))
		}
		accessors := make([]func(int) any, len(node.By))
		for k, column := range node.By {
			p, err := typed.columnIndex(column)
			if err != nil {
				return nil, err
			}
			accessors[k] = func(i int) any { return typed.rows[i][p] }
		}
		positions, err := sortPositions(len(typed.rows), accessors, ascending)
		if err != nil {
			return nil, err
		}
		return typed.take(positions), nil
	case []any:
		positions, err := sortPositions(len(typed), []func(int) any{func(i int) any { return typed[i] }}, node.Ascending[:1])
		if err != nil {
			return nil, err
		}
		out := make([]any, len(positions))
		for i, p := range positions {
			out[i] = typed[p]
		}
		return out, nil
	}
	return nil, fmt.Errorf("sort_values() is not supported on %s", typeName(source))
}

func (ev *evaluator) sortIndex(node SortIndex) (any, error) {
	source, err := ev.eval(node.Source)
	if err != nil {
		return nil, err
	}
	switch typed := source.(type) {
	case *series:
		positions, err := sortPositions(len(typed.labels), []func(int) any{func(i int) any { return typed.labels[i] }}, []bool{node.Ascending})
		if err != nil {
			return nil, err
		}
		return typed.take(positions), nil
	case *frame:
		positions, err := sortPositions(len(typed.index), []func(int) any{func(i int) any { return typed.index[i] }}, []bool{node.Ascending})
		if err != nil {
			return nil, err
		}
		return typed.take(positions), nil
	}
	return nil, fmt.Errorf("sort_index() is not supported on %s", typeName(source))
}

// sortPositions returns a stable ordering of n rows by the given keys.
// Missing values sort last regardless of direction.
func sortPositions(n int, keys []func(int) any, ascending []bool) ([]int, error) {
	positions := make([]int, n)
	for i := range positions {
		positions[i] = i
	}
	var sortErr error
	sort.SliceStable(positions, func(a, b int) bool {
		for k, key := range keys {
			x, y := key(positions[a]), key(positions[b])
			xm, ym := isMissing(x), isMissing(y)
			switch {
			case xm && ym:
				continue
			case xm:
				return false
			case ym:
				return true
			}
			order, err := compareOrder(x, y)
			if err != nil {
				sortErr = err
				return false
			}
			if order == 0 {
				continue
			}
			if ascending[k] {
				return order < 0
			}
			return order > 0
		}
		return false
	})
	if sortErr != nil {
		return nil, fmt.Errorf("cannot sort: %w", sortErr)
	}
	return positions, nil
}

func (ev *evaluator) limit(node Limit) (any, error) {
	source, err := ev.eval(node.Source)
	if err != nil {
		return nil, err
	}
	length := 0
	switch typed := source.(type) {
	case *frame:
		length = len(typed.rows)
	case *series:
		length = len(typed.values)
	case []any:
		length = len(typed)
	default:
		return nil, fmt.Errorf("head()/tail() are not supported on %s", typeName(source))
	}
	n := node.N
	var start, stop int
	switch {
	case !node.FromEnd && n >= 0:
		start, stop = 0, min(n, length)
	case !node.FromEnd:
		start, stop = 0, max(length+n, 0)
	case n >= 0:
		start, stop = max(length-n, 0), length
	default:
		start, stop = min(-n, length), length
	}
	return takeRange(source, start, stop), nil
}

func (ev *evaluator) dropNA(node DropNA) (any, error) {
	source, err := ev.eval(node.Source)
	if err != nil {
		return nil, err
	}
	switch typed := source.(type) {
	case *series:
		keep := make([]int, 0, len(typed.values))
		for i, value := range typed.values {
			if !isMissing(value) {
				keep = append(keep, i)
			}
		}
		return typed.take(keep), nil
	case *frame:
		positions, err := subsetPositions(typed, node.Subset)
		if err != nil {
			return nil, err
		}
		keep := make([]int, 0, len(typed.rows))
		for r, row := range typed.rows {
			complete := true
			for _, p := range positions {
				if isMissing(row[p]) {
					complete = false
					break
				}
			}
			if complete {
				keep = append(keep, r)
			}
		}
		return typed.take(keep), nil
	case []any:
		out := make([]any, 0, len(typed))
		for _, value := range typed {
			if !isMissing(value) {
				out = append(out, value)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("dropna() is not supported on %s", typeName(source))
}

func subsetPositions(f *frame, subset []string) ([]int, error) {
	if len(subset) == 0 {
		positions := make([]int, len(f.columns))
		for i := range positions {
			positions[i] = i
		}
		return positions, nil
	}
	positions := make([]int, len(subset))
	for i, column := range subset {
		p, err := f.columnIndex(column)
		if err != nil {
			return nil, err
		}
		positions[i] = p
	}
	return positions, nil
}

func (ev *evaluator) dedupe(node Dedupe) (any, error) {
	source, err := ev.eval(node.Source)
	if err != nil {
		return nil, err
	}
	switch typed := source.(type) {
	case *series:
		seen := map[any]bool{}
		keep := make([]int, 0, len(typed.values))
		for i, value := range typed.values {
			key := valueKey(value)
			if !seen[key] {
				seen[key] = true
				keep = append(keep, i)
			}
		}
		return typed.take(keep), nil
	case *frame:
		positions, err := subsetPositions(typed, node.Subset)
		if err != nil {
			return nil, err
		}
		seen := map[string]bool{}
		keep := make([]int, 0, len(typed.rows))
		for r, row := range typed.rows {
			key := make([]any, len(positions))
			for i, p := range positions {
				key[i] = valueKey(row[p])
			}
			id := fmt.Sprintf("%#v", key)
			if !seen[id] {
				seen[id] = true
				keep = append(keep, r)
			}
		}
		return typed.take(keep), nil
	case []any:
		value, err := aggregateValues("unique", nil, typed)
		if err != nil {
			return nil, err
		}
		return value, nil
	}
	return nil, fmt.Errorf("drop_duplicates() is not supported on %s", typeName(source))
}

func (ev *evaluator) resetIndex(node ResetIndex) (any, error) {
	source, err := ev.eval(node.Source)
	if err != nil {
		return nil, err
	}
	positional := func(n int) []any {
		out := make([]any, n)
		for i := range out {
			out[i] = int64(i)
		}
		return out
	}
	switch typed := source.(type) {
	case *series:
		if node.Drop {
			return &series{name: typed.name, labels: positional(len(typed.values)), values: typed.values}, nil
		}
		indexName := typed.indexName
		if indexName == "" {
			indexName = "index"
		}
		valueName := typed.name
		if node.Name != "" {
			valueName = node.Name
		}
		if valueName == "" {
			valueName = "0"
		}
		out := &frame{columns: []string{indexName, valueName}, index: positional(len(typed.values)), rows: make([][]any, len(typed.values))}
		for i := range typed.values {
			out.rows[i] = []any{typed.labels[i], typed.values[i]}
		}
		return out, nil
	case *frame:
		if node.Name != "" {
			return nil, fmt.Errorf("reset_index() on a table takes no 'name' argument")
		}
		if node.Drop {
			return &frame{columns: typed.columns, index: positional(len(typed.rows)), rows: typed.rows}, nil
		}
		out := &frame{columns: append([]string{"index"}, typed.columns...), index: positional(len(typed.rows)), rows: make([][]any, len(typed.rows))}
		for r, row := range typed.rows {
			out.rows[r] = append([]any{typed.index[r]}, row...)
		}
		return out, nil
	}
	return nil, fmt.Errorf("reset_index() is not supported on %s", typeName(source))
}

func (ev *evaluator) length(node Len) (any, error) {
	source, err := ev.eval(node.Source)
	if err != nil {
		return nil, err
	}
	switch typed := source.(type) {
	case *frame:
		return int64(len(typed.rows)), nil
	case *series:
		return int64(len(typed.values)), nil
	case []any:
		return int64(len(typed)), nil
	case string:
		return int64(utf8.RuneCountInString(typed)), nil
	case *grouped:
		parts, err := groups(ev.ctx, typed.source, typed.keys)
		if err != nil {
			return nil, err
		}
		return int64(len(parts)), nil
	}
	return nil, fmt.Errorf("object of type %s has no len()", typeName(source))
}

// mapNumeric applies fn to a scalar, to every cell of a column, or to every
// numeric cell of a table. Missing cells stay missing.
func mapNumeric(source any, op string, fn func(any) (any, error)) (any, error) {
	apply := func(v any) (any, error) {
		if isMissing(v) {
			return v, nil
		}
		return fn(v)
	}
	switch typed := source.(type) {
	case *frame:
		return mapCells(typed, op, func(v any) (any, error) {
			if _, ok := number(v); !ok {
				return v, nil
			}
			return apply(v)
		})
	case *series, []any:
		return mapCells(typed, op, apply)
	}
	if isScalar(source) {
		return fn(source)
	}
	return nil, fmt.Errorf("%s is not supported on %s", op, typeName(source))
}

func mapCells(source any, op string, fn func(any) (any, error)) (any, error) {
	switch typed := source.(type) {
	case *series:
		out := make([]any, len(typed.values))
		for i, value := range typed.values {
			mapped, err := fn(value)
			if err != nil {
				return nil, err
			}
			out[i] = mapped
		}
		return typed.withValues(out), nil
	case *frame:
		out := &frame{columns: typed.columns, index: typed.index, rows: make([][]any, len(typed.rows))}
		for r, row := range typed.rows {
			cells := make([]any, len(row))
			for i, value := range row {
				mapped, err := fn(value)
				if err != nil {
					return nil, err
				}
				cells[i] = mapped
			}
			out.rows[r] = cells
		}
		return out, nil
	case []any:
		out := make([]any, len(typed))
		for i, value := range typed {
			mapped, err := fn(value)
			if err != nil {
				return nil, err
			}
			out[i] = mapped
		}
		return out, nil
	}
	if isScalar(source) {
		return fn(source)
	}
	return nil, fmt.Errorf("%s is not supported on %s", op, typeName(source))
}

func cast(source any, kind string) (any, error) {
	if !isScalar(source) {
		return nil, fmt.Errorf("%s() needs a single value, got %s", kind, typeName(source))
	}
	switch kind {
	case "str":
		return formatValue(source), nil
	case "int":
		switch typed := source.(type) {
		case int64:
			return typed, nil
		case float64:
			if math.IsNaN(typed) || math.IsInf(typed, 0) {
				return nil, fmt.Errorf("cannot convert float %s to integer", formatValue(typed))
			}
			return int64(typed), nil
		case bool:
			if typed {
				return int64(1), nil
			}
			return int64(0), nil
		case string:
			value, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid literal for int(): %q", typed)
			}
			return value, nil
		}
	case "float":
		if x, ok := number(source); ok {
			return x, nil
		}
		if text, ok := source.(string); ok {
			value, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
			if err != nil {
				return nil, fmt.Errorf("could not convert string to float: %q", text)
			}
			return value, nil
		}
	}
	return nil, fmt.Errorf("%s() argument must be a string or a number, not %s", kind, typeName(source))
}
