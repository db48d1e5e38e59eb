package tabular

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

const (
	maxQueryBytes = 16 << 10
	maxStatements = 64
)

// Parse lowers query text written in the pandas expression style into a
// Program. Only the operations representable as Nodes are accepted; anything
// else is a parse error. Nothing in the text is ever executed.
func Parse(ctx context.Context, text string) (Program, error) {
	if len(text) > maxQueryBytes {
		return Program{}, fmt.Errorf("query is longer than %d bytes", maxQueryBytes)
	}
	if strings.TrimSpace(text) == "" {
		return Program{}, fmt.Errorf("query is empty")
	}
	src := []byte(text)

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return Program{}, fmt.Errorf("parse query: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return Program{}, syntaxError(root)
	}
	l := &lowerer{src: src}
	return l.program(root)
}

func syntaxError(root *sitter.Node) error {
	bad := findBadNode(root)
	if bad == nil {
		return fmt.Errorf("invalid syntax")
	}
	point := bad.StartPoint()
	if bad.IsMissing() {
		return fmt.Errorf("invalid syntax at line %d, column %d: missing %q", point.Row+1, point.Column+1, bad.Type())
	}
	return fmt.Errorf("invalid syntax at line %d, column %d", point.Row+1, point.Column+1)
}

func findBadNode(n *sitter.Node) *sitter.Node {
	if n == nil {
		return nil
	}
	if n.IsError() || n.IsMissing() {
		return n
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child == nil || !(child.HasError() || child.IsMissing()) {
			continue
		}
		if bad := findBadNode(child); bad != nil {
			return bad
		}
	}
	return nil
}

type lowerer struct {
	src []byte
}

func (l *lowerer) text(n *sitter.Node) string {
	return n.Content(l.src)
}

func (l *lowerer) snippet(n *sitter.Node) string {
	text := l.text(n)
	if utf8.RuneCountInString(text) > 60 {
		runes := []rune(text)
		text = string(runes[:57]) + "..."
	}
	return text
}

// namedChildren skips comments, which the grammar allows between any tokens.
func namedChildren(n *sitter.Node) []*sitter.Node {
	out := make([]*sitter.Node, 0, n.NamedChildCount())
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if child == nil || child.Type() == "comment" {
			continue
		}
		out = append(out, child)
	}
	return out
}

func (l *lowerer) program(root *sitter.Node) (Program, error) {
	var program Program
	for _, stmt := range namedChildren(root) {
		if len(program.Statements) == maxStatements {
			return Program{}, fmt.Errorf("query has more than %d statements", maxStatements)
		}
		lowered, err := l.statement(stmt)
		if err != nil {
			return Program{}, err
		}
		program.Statements = append(program.Statements, lowered)
	}
	if len(program.Statements) == 0 {
		return Program{}, fmt.Errorf("query is empty")
	}
	if _, ok := program.Statements[len(program.Statements)-1].(ExprStmt); !ok {
		return Program{}, fmt.Errorf("last statement must be an expression")
	}
	return program, nil
}

func (l *lowerer) statement(n *sitter.Node) (Statement, error) {
	if n.Type() != "expression_statement" {
		return nil, fmt.Errorf("line %d: %s is not supported", n.StartPoint().Row+1, strings.ReplaceAll(n.Type(), "_", " "))
	}
	children := namedChildren(n)
	if len(children) != 1 {
		return nil, fmt.Errorf("line %d: tuple expressions are not supported", n.StartPoint().Row+1)
	}
	inner := children[0]
	switch inner.Type() {
	case "assignment":
		left := inner.ChildByFieldName("left")
		right := inner.ChildByFieldName("right")
		if left == nil || right == nil || inner.ChildByFieldName("type") != nil {
			return nil, fmt.Errorf("line %d: unsupported assignment", inner.StartPoint().Row+1)
		}
		if left.Type() != "identifier" {
			return nil, fmt.Errorf("line %d: only plain names can be assigned, got %q", inner.StartPoint().Row+1, l.snippet(left))
		}
		if right.Type() == "assignment" {
			return nil, fmt.Errorf("line %d: chained assignment is not supported", inner.StartPoint().Row+1)
		}
		value, err := l.expr(right)
		if err != nil {
			return nil, err
		}
		return Assign{Name: l.text(left), Value: value}, nil
	case "augmented_assignment":
		return nil, fmt.Errorf("line %d: augmented assignment is not supported", inner.StartPoint().Row+1)
	default:
		value, err := l.expr(inner)
		if err != nil {
			return nil, err
		}
		return ExprStmt{Value: value}, nil
	}
}

func (l *lowerer) expr(n *sitter.Node) (Node, error) {
	switch n.Type() {
	case "identifier":
		return VarRef{Name: l.text(n)}, nil
	case "string", "concatenated_string", "integer", "float", "true", "false", "none":
		value, err := l.literal(n)
		if err != nil {
			return nil, err
		}
		return Literal{Value: value}, nil
	case "list", "tuple":
		items := namedChildren(n)
		out := ListLit{Items: make([]Node, 0, len(items))}
		for _, item := range items {
			lowered, err := l.expr(item)
			if err != nil {
				return nil, err
			}
			out.Items = append(out.Items, lowered)
		}
		return out, nil
	case "parenthesized_expression":
		children := namedChildren(n)
		if len(children) != 1 {
			return nil, fmt.Errorf("unsupported expression %q", l.snippet(n))
		}
		return l.expr(children[0])
	case "subscript":
		return l.subscript(n)
	case "attribute":
		return l.attribute(n)
	case "call":
		return l.call(n)
	case "comparison_operator":
		return l.comparison(n)
	case "boolean_operator":
		left, right, err := l.operands(n)
		if err != nil {
			return nil, err
		}
		return Logical{Op: n.ChildByFieldName("operator").Type(), Left: left, Right: right}, nil
	case "not_operator":
		operand, err := l.expr(n.ChildByFieldName("argument"))
		if err != nil {
			return nil, err
		}
		return Not{Operand: operand}, nil
	case "unary_operator":
		return l.unary(n)
	case "binary_operator":
		return l.binary(n)
	default:
		return nil, fmt.Errorf("unsupported expression %q", l.snippet(n))
	}
}

func (l *lowerer) operands(n *sitter.Node) (Node, Node, error) {
	leftNode := n.ChildByFieldName("left")
	rightNode := n.ChildByFieldName("right")
	if leftNode == nil || rightNode == nil {
		return nil, nil, fmt.Errorf("unsupported expression %q", l.snippet(n))
	}
	left, err := l.expr(leftNode)
	if err != nil {
		return nil, nil, err
	}
	right, err := l.expr(rightNode)
	if err != nil {
		return nil, nil, err
	}
	return left, right, nil
}

func (l *lowerer) unary(n *sitter.Node) (Node, error) {
	op := n.ChildByFieldName("operator").Type()
	argument := n.ChildByFieldName("argument")
	if op == "-" && (argument.Type() == "integer" || argument.Type() == "float") {
		value, err := l.literal(n)
		if err != nil {
			return nil, err
		}
		return Literal{Value: value}, nil
	}
	operand, err := l.expr(argument)
	if err != nil {
		return nil, err
	}
	switch op {
	case "-":
		return Negate{Operand: operand}, nil
	case "+":
		return operand, nil
	case "~":
		return Not{Operand: operand}, nil
	default:
		return nil, fmt.Errorf("unsupported operator %q", op)
	}
}

func (l *lowerer) binary(n *sitter.Node) (Node, error) {
	op := n.ChildByFieldName("operator").Type()
	left, right, err := l.operands(n)
	if err != nil {
		return nil, err
	}
	switch op {
	case "&":
		return Logical{Op: "and", Left: left, Right: right}, nil
	case "|":
		return Logical{Op: "or", Left: left, Right: right}, nil
	case "+", "-", "*", "/", "//", "%":
		return Arith{Op: op, Left: left, Right: right}, nil
	default:
		return nil, fmt.Errorf("unsupported operator %q", op)
	}
}

var comparisonOps = map[string]bool{"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true}

func (l *lowerer) comparison(n *sitter.Node) (Node, error) {
	var operands []*sitter.Node
	var ops []string
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		switch {
		case child.Type() == "comment":
		case child.IsNamed():
			operands = append(operands, child)
		default:
			ops = append(ops, child.Type())
		}
	}
	if len(operands) != 2 || len(ops) != 1 {
		return nil, fmt.Errorf("chained comparison %q is not supported", l.snippet(n))
	}
	if !comparisonOps[ops[0]] {
		return nil, fmt.Errorf("unsupported operator %q", ops[0])
	}
	left, err := l.expr(operands[0])
	if err != nil {
		return nil, err
	}
	right, err := l.expr(operands[1])
	if err != nil {
		return nil, err
	}
	return Compare{Op: ops[0], Left: left, Right: right}, nil
}

func (l *lowerer) subscript(n *sitter.Node) (Node, error) {
	children := namedChildren(n)
	if len(children) != 2 {
		return nil, fmt.Errorf("unsupported subscript %q", l.snippet(n))
	}
	valueNode, sub := children[0], children[1]

	if valueNode.Type() == "attribute" && l.text(valueNode.ChildByFieldName("attribute")) == "shape" {
		source, err := l.expr(valueNode.ChildByFieldName("object"))
		if err != nil {
			return nil, err
		}
		axis, err := l.intLiteral(sub)
		if err != nil || (axis != 0 && axis != 1) {
			return nil, fmt.Errorf("shape index must be 0 or 1, got %q", l.snippet(sub))
		}
		return Shape{Source: source, Axis: axis}, nil
	}

	source, err := l.expr(valueNode)
	if err != nil {
		return nil, err
	}
	switch sub.Type() {
	case "string", "concatenated_string":
		key, err := l.stringValue(sub)
		if err != nil {
			return nil, err
		}
		return ColumnRef{Source: source, Name: strings.ToUpper(key), Key: key}, nil
	case "list":
		columns, err := l.columnList(sub)
		if err != nil {
			return nil, err
		}
		return Project{Source: source, Columns: columns}, nil
	case "slice":
		return l.slice(source, sub)
	case "integer", "unary_operator":
		if position, err := l.intLiteral(sub); err == nil {
			return Item{Source: source, Position: position}, nil
		}
	}
	predicate, err := l.expr(sub)
	if err != nil {
		return nil, err
	}
	return Filter{Source: source, Predicate: predicate}, nil
}

func (l *lowerer) slice(source Node, n *sitter.Node) (Node, error) {
	out := Slice{Source: source}
	part := 0
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child.Type() == ":" {
			part++
			continue
		}
		if !child.IsNamed() || child.Type() == "comment" {
			continue
		}
		value, err := l.intLiteral(child)
		if err != nil {
			return nil, fmt.Errorf("slice bounds must be integers, got %q", l.snippet(child))
		}
		switch part {
		case 0:
			out.Start = &value
		case 1:
			out.Stop = &value
		default:
			return nil, fmt.Errorf("slice steps are not supported")
		}
	}
	return out, nil
}

func (l *lowerer) attribute(n *sitter.Node) (Node, error) {
	name := l.text(n.ChildByFieldName("attribute"))
	source, err := l.expr(n.ChildByFieldName("object"))
	if err != nil {
		return nil, err
	}
	switch name {
	case "columns":
		return ColumnsRef{Source: source}, nil
	case "size":
		return Aggregate{Source: source, Func: "size"}, nil
	case "shape":
		return nil, fmt.Errorf("shape must be indexed, for example shape[0]")
	case "str":
		return nil, fmt.Errorf("the str accessor must be followed by a method call")
	case "index", "loc", "iloc", "at", "iat", "values", "dtypes", "T", "plot":
		return nil, fmt.Errorf("attribute %q is not supported", name)
	}
	if knownMethods[name] {
		return nil, fmt.Errorf("method %q must be called", name)
	}
	return ColumnRef{Source: source, Name: strings.ToUpper(name), Key: name}, nil
}

type callArgs struct {
	method     string
	positional []*sitter.Node
	keywords   map[string]*sitter.Node
}

func (a callArgs) get(position int, keyword string) *sitter.Node {
	if position >= 0 && position < len(a.positional) {
		return a.positional[position]
	}
	if keyword != "" {
		return a.keywords[keyword]
	}
	return nil
}

// allow rejects extra positional arguments and unknown keywords.
func (a callArgs) allow(maxPositional int, keywords ...string) error {
	if len(a.positional) > maxPositional {
		return fmt.Errorf("%s() takes at most %d positional arguments", a.method, maxPositional)
	}
	for keyword := range a.keywords {
		known := false
		for _, allowed := range keywords {
			if keyword == allowed {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("%s() got an unsupported argument %q", a.method, keyword)
		}
	}
	return nil
}

func (l *lowerer) callArguments(method string, n *sitter.Node) (callArgs, error) {
	args := callArgs{method: method, keywords: map[string]*sitter.Node{}}
	if n == nil || n.Type() != "argument_list" {
		return callArgs{}, fmt.Errorf("%s() arguments are not supported", method)
	}
	for _, child := range namedChildren(n) {
		switch child.Type() {
		case "keyword_argument":
			name := l.text(child.ChildByFieldName("name"))
			if _, dup := args.keywords[name]; dup {
				return callArgs{}, fmt.Errorf("%s() got repeated argument %q", method, name)
			}
			args.keywords[name] = child.ChildByFieldName("value")
		case "list_splat", "dictionary_splat":
			return callArgs{}, fmt.Errorf("%s() argument unpacking is not supported", method)
		default:
			if len(args.keywords) > 0 {
				return callArgs{}, fmt.Errorf("%s() positional argument follows keyword argument", method)
			}
			args.positional = append(args.positional, child)
		}
	}
	return args, nil
}

func (l *lowerer) call(n *sitter.Node) (Node, error) {
	function := n.ChildByFieldName("function")
	switch function.Type() {
	case "identifier":
		name := l.text(function)
		args, err := l.callArguments(name, n.ChildByFieldName("arguments"))
		if err != nil {
			return nil, err
		}
		return l.builtin(name, args)
	case "attribute":
		name := l.text(function.ChildByFieldName("attribute"))
		args, err := l.callArguments(name, n.ChildByFieldName("arguments"))
		if err != nil {
			return nil, err
		}
		object := function.ChildByFieldName("object")
		if object.Type() == "attribute" && l.text(object.ChildByFieldName("attribute")) == "str" {
			source, err := l.expr(object.ChildByFieldName("object"))
			if err != nil {
				return nil, err
			}
			return l.strMethod(source, name, args)
		}
		source, err := l.expr(object)
		if err != nil {
			return nil, err
		}
		return l.method(source, name, args)
	default:
		return nil, fmt.Errorf("unsupported call %q", l.snippet(n))
	}
}

func (l *lowerer) builtin(name string, args callArgs) (Node, error) {
	switch name {
	case "len", "list", "sum", "min", "max", "abs", "int", "float", "str":
		if err := args.allow(1); err != nil {
			return nil, err
		}
		if len(args.positional) != 1 {
			return nil, fmt.Errorf("%s() takes exactly one argument", name)
		}
		source, err := l.expr(args.positional[0])
		if err != nil {
			return nil, err
		}
		switch name {
		case "len":
			return Len{Source: source}, nil
		case "list":
			return ToList{Source: source}, nil
		case "abs":
			return Abs{Source: source}, nil
		case "int", "float", "str":
			return Cast{Source: source, Kind: name}, nil
		default:
			return Aggregate{Source: source, Func: name}, nil
		}
	case "round":
		if err := args.allow(2, "ndigits"); err != nil {
			return nil, err
		}
		if len(args.positional) == 0 {
			return nil, fmt.Errorf("round() missing its argument")
		}
		source, err := l.expr(args.positional[0])
		if err != nil {
			return nil, err
		}
		digits, err := l.intArg(args, 1, "ndigits", 0)
		if err != nil {
			return nil, err
		}
		return Round{Source: source, Digits: digits}, nil
	default:
		return nil, fmt.Errorf("function %q is not supported", name)
	}
}

var knownMethods = map[string]bool{
	"head": true, "tail": true, "count": true, "sum": true, "mean": true, "median": true,
	"min": true, "max": true, "nunique": true, "unique": true, "idxmax": true, "idxmin": true,
	"any": true, "all": true, "value_counts": true, "groupby": true, "sort_values": true,
	"sort_index": true, "nlargest": true, "nsmallest": true, "isna": true, "isnull": true,
	"notna": true, "notnull": true, "isin": true, "dropna": true, "drop_duplicates": true,
	"fillna": true, "reset_index": true, "tolist": true, "to_list": true, "round": true, "abs": true,
}

func (l *lowerer) method(source Node, name string, args callArgs) (Node, error) {
	switch name {
	case "head", "tail":
		if err := args.allow(1, "n"); err != nil {
			return nil, err
		}
		n, err := l.intArg(args, 0, "n", 5)
		if err != nil {
			return nil, err
		}
		return Limit{Source: source, N: n, FromEnd: name == "tail"}, nil
	case "count", "sum", "mean", "median", "min", "max", "nunique", "unique", "idxmax", "idxmin", "any", "all", "size":
		if err := args.allow(0); err != nil {
			return nil, err
		}
		return Aggregate{Source: source, Func: name}, nil
	case "value_counts":
		if err := args.allow(0, "normalize", "ascending", "dropna", "sort"); err != nil {
			return nil, err
		}
		normalize, err := l.boolArg(args, "normalize", false)
		if err != nil {
			return nil, err
		}
		ascending, err := l.boolArg(args, "ascending", false)
		if err != nil {
			return nil, err
		}
		dropNA, err := l.boolArg(args, "dropna", true)
		if err != nil {
			return nil, err
		}
		if sorted, err := l.boolArg(args, "sort", true); err != nil || !sorted {
			return nil, fmt.Errorf("value_counts() only supports sort=True")
		}
		return ValueCounts{Source: source, Normalize: normalize, Ascending: ascending, DropNA: dropNA}, nil
	case "groupby":
		if err := args.allow(1, "by"); err != nil {
			return nil, err
		}
		keys, err := l.columnsArg(args, 0, "by")
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			return nil, fmt.Errorf("groupby() needs at least one column")
		}
		return GroupBy{Source: source, Keys: keys}, nil
	case "sort_values":
		if err := args.allow(1, "by", "ascending"); err != nil {
			return nil, err
		}
		by, err := l.columnsArg(args, 0, "by")
		if err != nil {
			return nil, err
		}
		ascending, err := l.ascendingArg(args)
		if err != nil {
			return nil, err
		}
		return Sort{Source: source, By: by, Ascending: ascending}, nil
	case "sort_index":
		if err := args.allow(0, "ascending"); err != nil {
			return nil, err
		}
		ascending, err := l.boolArg(args, "ascending", true)
		if err != nil {
			return nil, err
		}
		return SortIndex{Source: source, Ascending: ascending}, nil
	case "nlargest", "nsmallest":
		if err := args.allow(2, "n", "columns"); err != nil {
			return nil, err
		}
		n, err := l.intArg(args, 0, "n", 5)
		if err != nil {
			return nil, err
		}
		columns, err := l.columnsArg(args, 1, "columns")
		if err != nil {
			return nil, err
		}
		ascending := make([]bool, max(1, len(columns)))
		for i := range ascending {
			ascending[i] = name == "nsmallest"
		}
		return Limit{
			Source: Sort{Source: DropNA{Source: source, Subset: columns}, By: columns, Ascending: ascending},
			N:      n,
		}, nil
	case "isna", "isnull", "notna", "notnull":
		if err := args.allow(0); err != nil {
			return nil, err
		}
		return NullCheck{Source: source, Negate: strings.HasPrefix(name, "not")}, nil
	case "isin":
		if err := args.allow(1, "values"); err != nil {
			return nil, err
		}
		valuesNode := args.get(0, "values")
		if valuesNode == nil {
			return nil, fmt.Errorf("isin() missing its values")
		}
		values, err := l.literal(valuesNode)
		if err != nil {
			return nil, err
		}
		list, ok := values.([]any)
		if !ok {
			return nil, fmt.Errorf("isin() needs a list of values")
		}
		return IsIn{Source: source, Values: list}, nil
	case "dropna", "drop_duplicates":
		if err := args.allow(0, "subset", "keep"); err != nil {
			return nil, err
		}
		subset, err := l.columnsArg(args, -1, "subset")
		if err != nil {
			return nil, err
		}
		if name == "dropna" {
			if args.keywords["keep"] != nil {
				return nil, fmt.Errorf("dropna() got an unsupported argument \"keep\"")
			}
			return DropNA{Source: source, Subset: subset}, nil
		}
		if keep := args.keywords["keep"]; keep != nil {
			value, err := l.literal(keep)
			if err != nil || value != "first" {
				return nil, fmt.Errorf("drop_duplicates() only supports keep='first'")
			}
		}
		return Dedupe{Source: source, Subset: subset}, nil
	case "fillna":
		if err := args.allow(1, "value"); err != nil {
			return nil, err
		}
		valueNode := args.get(0, "value")
		if valueNode == nil {
			return nil, fmt.Errorf("fillna() missing its value")
		}
		value, err := l.literal(valueNode)
		if err != nil {
			return nil, err
		}
		if _, isList := value.([]any); isList {
			return nil, fmt.Errorf("fillna() needs a single value")
		}
		return FillNA{Source: source, Value: value}, nil
	case "reset_index":
		if err := args.allow(0, "drop", "name"); err != nil {
			return nil, err
		}
		drop, err := l.boolArg(args, "drop", false)
		if err != nil {
			return nil, err
		}
		out := ResetIndex{Source: source, Drop: drop}
		if nameNode := args.keywords["name"]; nameNode != nil {
			if out.Name, err = l.stringValue(nameNode); err != nil {
				return nil, err
			}
		}
		return out, nil
	case "tolist", "to_list":
		if err := args.allow(0); err != nil {
			return nil, err
		}
		return ToList{Source: source}, nil
	case "round":
		if err := args.allow(1, "decimals"); err != nil {
			return nil, err
		}
		digits, err := l.intArg(args, 0, "decimals", 0)
		if err != nil {
			return nil, err
		}
		return Round{Source: source, Digits: digits}, nil
	case "abs":
		if err := args.allow(0); err != nil {
			return nil, err
		}
		return Abs{Source: source}, nil
	default:
		return nil, fmt.Errorf("method %q is not supported", name)
	}
}

func (l *lowerer) strMethod(source Node, name string, args callArgs) (Node, error) {
	switch name {
	case "contains":
		if err := args.allow(1, "pat", "case", "na", "regex"); err != nil {
			return nil, err
		}
		pattern, err := l.stringArg(args, 0, "pat")
		if err != nil {
			return nil, err
		}
		caseSensitive, err := l.boolArg(args, "case", true)
		if err != nil {
			return nil, err
		}
		regex, err := l.boolArg(args, "regex", true)
		if err != nil {
			return nil, err
		}
		na, err := l.naArg(args)
		if err != nil {
			return nil, err
		}
		return StrMatch{Source: source, Func: name, Pattern: pattern, IgnoreCase: !caseSensitive, Regex: regex, NA: na}, nil
	case "startswith", "endswith":
		if err := args.allow(1, "pat", "na"); err != nil {
			return nil, err
		}
		pattern, err := l.stringArg(args, 0, "pat")
		if err != nil {
			return nil, err
		}
		na, err := l.naArg(args)
		if err != nil {
			return nil, err
		}
		return StrMatch{Source: source, Func: name, Pattern: pattern, NA: na}, nil
	case "lower", "upper":
		if err := args.allow(0); err != nil {
			return nil, err
		}
		return StrCase{Source: source, Upper: name == "upper"}, nil
	default:
		return nil, fmt.Errorf("str.%s() is not supported", name)
	}
}

func (l *lowerer) intArg(args callArgs, position int, keyword string, fallback int) (int, error) {
	n := args.get(position, keyword)
	if n == nil {
		return fallback, nil
	}
	value, err := l.intLiteral(n)
	if err != nil {
		return 0, fmt.Errorf("%s() argument %q must be an integer", args.method, keyword)
	}
	return value, nil
}

func (l *lowerer) boolArg(args callArgs, keyword string, fallback bool) (bool, error) {
	n := args.keywords[keyword]
	if n == nil {
		return fallback, nil
	}
	value, err := l.literal(n)
	if err != nil {
		return false, err
	}
	b, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("%s() argument %q must be True or False", args.method, keyword)
	}
	return b, nil
}

func (l *lowerer) naArg(args callArgs) (*bool, error) {
	n := args.keywords["na"]
	if n == nil {
		return nil, nil
	}
	value, err := l.literal(n)
	if err != nil {
		return nil, err
	}
	switch typed := value.(type) {
	case nil:
		return nil, nil
	case bool:
		return &typed, nil
	default:
		return nil, fmt.Errorf("%s() argument \"na\" must be True, False or None", args.method)
	}
}

func (l *lowerer) stringArg(args callArgs, position int, keyword string) (string, error) {
	n := args.get(position, keyword)
	if n == nil {
		return "", fmt.Errorf("%s() missing its pattern", args.method)
	}
	value, err := l.literal(n)
	if err != nil {
		return "", err
	}
	text, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("%s() pattern must be a string", args.method)
	}
	return text, nil
}

func (l *lowerer) ascendingArg(args callArgs) ([]bool, error) {
	n := args.keywords["ascending"]
	if n == nil {
		return []bool{true}, nil
	}
	value, err := l.literal(n)
	if err != nil {
		return nil, err
	}
	switch typed := value.(type) {
	case bool:
		return []bool{typed}, nil
	case []any:
		out := make([]bool, len(typed))
		for i, item := range typed {
			b, ok := item.(bool)
			if !ok {
				return nil, fmt.Errorf("ascending must hold True or False values")
			}
			out[i] = b
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("ascending must not be empty")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("ascending must be True, False or a list of them")
	}
}

// columnsArg reads a column name or a list of column names, canonicalized.
func (l *lowerer) columnsArg(args callArgs, position int, keyword string) ([]string, error) {
	n := args.get(position, keyword)
	if n == nil {
		return nil, nil
	}
	if n.Type() == "list" || n.Type() == "tuple" {
		return l.columnList(n)
	}
	name, err := l.stringValue(n)
	if err != nil {
		return nil, fmt.Errorf("%s() expects column names", args.method)
	}
	return []string{strings.ToUpper(name)}, nil
}

func (l *lowerer) columnList(n *sitter.Node) ([]string, error) {
	items := namedChildren(n)
	columns := make([]string, 0, len(items))
	for _, item := range items {
		name, err := l.stringValue(item)
		if err != nil {
			return nil, fmt.Errorf("column lists may only hold column names, got %q", l.snippet(item))
		}
		columns = append(columns, strings.ToUpper(name))
	}
	return columns, nil
}

func (l *lowerer) intLiteral(n *sitter.Node) (int, error) {
	value, err := l.literal(n)
	if err != nil {
		return 0, err
	}
	i, ok := value.(int64)
	if !ok {
		return 0, fmt.Errorf("expected an integer, got %q", l.snippet(n))
	}
	return int(i), nil
}

// literal evaluates constant syntax: strings, numbers, booleans, None,
// negated numbers and lists or tuples of those.
func (l *lowerer) literal(n *sitter.Node) (any, error) {
	switch n.Type() {
	case "string", "concatenated_string":
		return l.stringValue(n)
	case "integer":
		return parseInteger(l.text(n))
	case "float":
		raw := strings.ReplaceAll(l.text(n), "_", "")
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", l.text(n))
		}
		return value, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "none":
		return nil, nil
	case "unary_operator":
		if n.ChildByFieldName("operator").Type() != "-" {
			break
		}
		argument := n.ChildByFieldName("argument")
		if argument.Type() == "integer" {
			// Negated as a whole so the smallest int64 still parses.
			return parseInteger("-" + l.text(argument))
		}
		value, err := l.literal(argument)
		if err != nil {
			return nil, err
		}
		switch typed := value.(type) {
		case int64:
			return -typed, nil
		case float64:
			return -typed, nil
		}
	case "list", "tuple":
		items := namedChildren(n)
		out := make([]any, 0, len(items))
		for _, item := range items {
			value, err := l.literal(item)
			if err != nil {
				return nil, err
			}
			out = append(out, value)
		}
		return out, nil
	case "parenthesized_expression":
		children := namedChildren(n)
		if len(children) == 1 {
			return l.literal(children[0])
		}
	}
	return nil, fmt.Errorf("expected a constant, got %q", l.snippet(n))
}

// parseInteger reads a Python integer literal. Values outside the int64
// range become float64.
func parseInteger(raw string) (any, error) {
	value, err := strconv.ParseInt(raw, 0, 64)
	if err == nil {
		return value, nil
	}
	if errors.Is(err, strconv.ErrRange) {
		if f, ferr := strconv.ParseFloat(strings.ReplaceAll(raw, "_", ""), 64); ferr == nil {
			return f, nil
		}
	}
	return nil, fmt.Errorf("invalid integer %q", raw)
}

func (l *lowerer) stringValue(n *sitter.Node) (string, error) {
	switch n.Type() {
	case "concatenated_string":
		var b strings.Builder
		for _, part := range namedChildren(n) {
			value, err := l.stringValue(part)
			if err != nil {
				return "", err
			}
			b.WriteString(value)
		}
		return b.String(), nil
	case "string":
		return decodeString(l.text(n))
	default:
		return "", fmt.Errorf("expected a string, got %q", l.snippet(n))
	}
}

// decodeString decodes the source text of a string literal.
func decodeString(raw string) (string, error) {
	prefixEnd := strings.IndexAny(raw, `'"`)
	if prefixEnd < 0 {
		return "", fmt.Errorf("invalid string %q", raw)
	}
	prefix := strings.ToLower(raw[:prefixEnd])
	if strings.Contains(prefix, "f") {
		return "", fmt.Errorf("f-strings are not supported")
	}
	body := raw[prefixEnd:]
	quote := body[:1]
	if strings.HasPrefix(body, strings.Repeat(quote, 3)) && len(body) >= 6 {
		quote = strings.Repeat(quote, 3)
	}
	if len(body) < 2*len(quote) || !strings.HasSuffix(body, quote) {
		return "", fmt.Errorf("invalid string %q", raw)
	}
	body = body[len(quote) : len(body)-len(quote)]
	if strings.Contains(prefix, "r") {
		return body, nil
	}
	return unescape(body), nil
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '0':
			b.WriteByte(0)
		case '\\', '\'', '"':
			b.WriteByte(s[i])
		case '\n':
		case 'x', 'u':
			width := 2
			if s[i] == 'u' {
				width = 4
			}
			if i+1+width <= len(s) {
				if code, err := strconv.ParseUint(s[i+1:i+1+width], 16, 32); err == nil {
					b.WriteRune(rune(code))
					i += width
					continue
				}
			}
			b.WriteByte('\\')
			b.WriteByte(s[i])
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
