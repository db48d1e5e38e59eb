package tabular

// Program is a parsed tabular query. Its value is the value of the final
// statement, which is always an ExprStmt.
type Program struct {
	Statements []Statement
}

type Statement interface {
	statement()
}

// Assign binds Name in the evaluation scope.
type Assign struct {
	Name  string
	Value Node
}

type ExprStmt struct {
	Value Node
}

func (Assign) statement()   {}
func (ExprStmt) statement() {}

// Node is one operation of the constrained query vocabulary.
type Node interface {
	node()
}

type (
	// VarRef reads a bound name; the table handle is bound before the
	// first statement runs.
	VarRef struct {
		Name string
	}

	Literal struct {
		Value any
	}

	ListLit struct {
		Items []Node
	}

	// ColumnRef selects one column of a frame or grouped frame. Name is the
	// canonical column name, Key the subscript as written, used for label
	// lookups on a column.
	ColumnRef struct {
		Source Node
		Name   string
		Key    string
	}

	// Item picks one element of a list or column by position.
	Item struct {
		Source   Node
		Position int
	}

	ColumnsRef struct {
		Source Node
	}

	Project struct {
		Source  Node
		Columns []string
	}

	Filter struct {
		Source    Node
		Predicate Node
	}

	Slice struct {
		Source Node
		Start  *int
		Stop   *int
	}

	Compare struct {
		Op    string
		Left  Node
		Right Node
	}

	// Logical combines predicates elementwise with "and" or "or".
	Logical struct {
		Op    string
		Left  Node
		Right Node
	}

	Not struct {
		Operand Node
	}

	Negate struct {
		Operand Node
	}

	Arith struct {
		Op    string
		Left  Node
		Right Node
	}

	NullCheck struct {
		Source Node
		Negate bool
	}

	IsIn struct {
		Source Node
		Values []any
	}

	StrMatch struct {
		Source     Node
		Func       string
		Pattern    string
		IgnoreCase bool
		Regex      bool
		NA         *bool
	}

	StrCase struct {
		Source Node
		Upper  bool
	}

	// Aggregate reduces a column (or every column of a frame, or every
	// group of a grouped column) with Func.
	Aggregate struct {
		Source Node
		Func   string
	}

	ValueCounts struct {
		Source    Node
		Normalize bool
		Ascending bool
		DropNA    bool
	}

	GroupBy struct {
		Source Node
		Keys   []string
	}

	Sort struct {
		Source    Node
		By        []string
		Ascending []bool
	}

	SortIndex struct {
		Source    Node
		Ascending bool
	}

	// Limit keeps the first N rows, or the last N when FromEnd is set. A
	// negative N drops rows from the other end.
	Limit struct {
		Source  Node
		N       int
		FromEnd bool
	}

	DropNA struct {
		Source Node
		Subset []string
	}

	Dedupe struct {
		Source Node
		Subset []string
	}

	FillNA struct {
		Source Node
		Value  any
	}

	ResetIndex struct {
		Source Node
		Drop   bool
		Name   string
	}

	ToList struct {
		Source Node
	}

	Len struct {
		Source Node
	}

	Shape struct {
		Source Node
		Axis   int
	}

	Round struct {
		Source Node
		Digits int
	}

	Abs struct {
		Source Node
	}

	// Cast converts a scalar with int, float or str semantics.
	Cast struct {
		Source Node
		Kind   string
	}
)

func (VarRef) node()      {}
func (Literal) node()     {}
func (ListLit) node()     {}
func (ColumnRef) node()   {}
func (Item) node()        {}
func (ColumnsRef) node()  {}
func (Project) node()     {}
func (Filter) node()      {}
func (Slice) node()       {}
func (Compare) node()     {}
func (Logical) node()     {}
func (Not) node()         {}
func (Negate) node()      {}
func (Arith) node()       {}
func (NullCheck) node()   {}
func (IsIn) node()        {}
func (StrMatch) node()    {}
func (StrCase) node()     {}
func (Aggregate) node()   {}
func (ValueCounts) node() {}
func (GroupBy) node()     {}
func (Sort) node()        {}
func (SortIndex) node()   {}
func (Limit) node()       {}
func (DropNA) node()      {}
func (Dedupe) node()      {}
func (FillNA) node()      {}
func (ResetIndex) node()  {}
func (ToList) node()      {}
func (Len) node()         {}
func (Shape) node()       {}
func (Round) node()       {}
func (Abs) node()         {}
func (Cast) node()        {}
