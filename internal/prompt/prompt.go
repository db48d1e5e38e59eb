// Package prompt builds the model instructions for query generation and
// error explanation from the loaded schema.
package prompt

import (
	"fmt"
	"strings"

	"github.com/calldataai/calldata/internal/query"
	"github.com/calldataai/calldata/internal/schema"
)

const (
	DefaultTable  = "CALLCENTER_REQUESTS"
	DefaultHandle = "df"

	columnsHeader = "Columns (in order):"
)

// Enumerations lists the known values of the categorical columns, keyed by
// canonical upper-case column name.
var Enumerations = map[string][]string{
	"SOURCE": {
		"Phone", "Online Form", "FixMyStreet", "Email", "Telephone/Email",
		"Telephone Voicemail", "Other", "Local Council Office",
	},
	"REQCATEGORY": {
		"Blocked Drains", "Council Building Maintenance", "Fly-Tipping",
		"Street and Pavement Maintenance", "Recycling", "Traffic Signage Issues",
		"Parks Maintenance", "Graffiti Removal", "Tree Maintenance",
	},
	"STATUS": {
		"Resolved", "In Progress", "Cancelled by Customer", "Referred to External Agency",
		"Work Order Created", "Under Review",
	},
	"REFERREDTO": {
		"Council Enforcement", "Transport for London (TfL)", "Thames Water", "Royal Mail",
		"UK Power Networks",
	},
}

type example struct {
	question string
	// render builds the query from the target name and the schema
	// spelling of each referenced column.
	render  func(target string, columns []string) string
	columns []string
}

var relationalExamples = []example{
	{
		question: "Would you please list all unresolved calls?",
		columns:  []string{"STATUS"},
		render: func(table string, c []string) string {
			return fmt.Sprintf("SELECT * FROM %s WHERE %s='In Progress';", table, c[0])
		},
	},
	{
		question: "Would you please count the total number of calls?",
		render: func(table string, _ []string) string {
			return fmt.Sprintf("SELECT COUNT(*) FROM %s;", table)
		},
	},
	{
		question: "List all unique wards please?",
		columns:  []string{"WARD"},
		render: func(table string, c []string) string {
			return fmt.Sprintf("SELECT DISTINCT %s FROM %s;", c[0], table)
		},
	},
}

var tabularExamples = []example{
	{
		question: "How many calls in total?",
		columns:  []string{"REQUESTID"},
		render: func(handle string, c []string) string {
			return fmt.Sprintf("len(%s['%s'])", handle, strings.ToUpper(c[0]))
		},
	},
	{
		question: "What are all the calls referred to external agencies?",
		columns:  []string{"REFERREDTO"},
		render: func(handle string, c []string) string {
			return fmt.Sprintf("%[1]s[%[1]s['%[2]s'].notna()]", handle, strings.ToUpper(c[0]))
		},
	},
	{
		question: "Would you please show the top 5 most frequent call categories?",
		columns:  []string{"REQCATEGORY"},
		render: func(handle string, c []string) string {
			return fmt.Sprintf("%s['%s'].value_counts().head(5)", handle, strings.ToUpper(c[0]))
		},
	},
}

type Options struct {
	// Table is the relational table name; DefaultTable when empty.
	Table string
	// Handle is the name the tabular engine binds the table to;
	// DefaultHandle when empty.
	Handle string
}

// Composer renders prompts for one schema. It does no I/O and its output
// depends only on the dialect and the schema.
type Composer struct {
	schema schema.Schema
	table  string
	handle string
}

func NewComposer(s schema.Schema, opts Options) *Composer {
	table := strings.TrimSpace(opts.Table)
	if table == "" {
		table = DefaultTable
	}
	handle := strings.TrimSpace(opts.Handle)
	if handle == "" {
		handle = DefaultHandle
	}
	return &Composer{schema: s, table: table, handle: handle}
}

func (c *Composer) Table() string  { return c.table }
func (c *Composer) Handle() string { return c.handle }

func (c *Composer) Columns() []string {
	return c.schema.Columns()
}

// Compose returns the generation instructions for dialect.
func (c *Composer) Compose(dialect query.Dialect) (string, error) {
	var b strings.Builder
	switch dialect {
	case query.DialectRelational:
		fmt.Fprintf(&b, "You are an expert in converting English questions to SQL queries.\n")
		fmt.Fprintf(&b, "The database has one table named %s.\n\n", c.table)
		c.writeColumns(&b)
		c.writeExamples(&b, relationalExamples, c.table)
		b.WriteString("Rules:\n")
		b.WriteString("- Return exactly one read-only SQL query (SELECT or WITH) and nothing else.\n")
		b.WriteString("- Do not wrap the query in markdown fences or quotes and do not prefix it with the language name.\n")
		b.WriteString("- Do not add explanations or comments.\n")
		fmt.Fprintf(&b, "- Only use the table %s and the columns listed above.\n", c.table)
		b.WriteString("- Generate SQL only, never pandas or Python code.\n")
	case query.DialectTabular:
		fmt.Fprintf(&b, "You are an expert in analyzing call-center data with pandas expressions.\n")
		fmt.Fprintf(&b, "The data is loaded as a DataFrame named %s, one row per resident call to Wandsworth Council.\n\n", c.handle)
		c.writeColumns(&b)
		c.writeExamples(&b, tabularExamples, c.handle)
		b.WriteString("Rules:\n")
		fmt.Fprintf(&b, "- Always reference a column as %s['COLUMN_NAME'], with the name in upper case.\n", c.handle)
		b.WriteString("- Never refer to columns with a bare list such as ['COLUMN_NAME'] on its own.\n")
		b.WriteString("- Write one expression per line; the last line must be an expression that produces the answer, not an assignment.\n")
		b.WriteString("- Do not import modules, define functions or use loops.\n")
		b.WriteString("- Do not wrap the code in markdown fences and do not prefix it with the language name.\n")
		b.WriteString("- Return only the pandas code without any explanation.\n")
		b.WriteString("- Generate pandas expressions only, never SQL.\n")
	default:
		return "", &query.ValidationError{Field: "data_source", Message: fmt.Sprintf("unsupported dialect %q", dialect)}
	}
	return b.String(), nil
}

// Explain returns the instructions asking the model to explain a failed
// relational query in plain language.
func (c *Composer) Explain(queryText, rawMessage string) string {
	var b strings.Builder
	b.WriteString("You are an expert SQL debugger and an assistant to a council director.\n")
	b.WriteString("An error occurred while executing the following query:\n")
	b.WriteString(strings.TrimSpace(queryText))
	b.WriteString("\n\nThe error was: ")
	b.WriteString(strings.TrimSpace(rawMessage))
	b.WriteString("\n\nExplain what went wrong in simple layman's terms, in two or three sentences.\n")
	b.WriteString("Do not include any programming code, query text or syntax such as SQL or Python.\n")
	b.WriteString("Finally, politely remind the user of the information the dataset holds. ")
	b.WriteString(c.Reminder())
	b.WriteString("\n")
	return b.String()
}

// Reminder is the sentence that lists the human-facing column names.
func (c *Composer) Reminder() string {
	return "The dataset contains the following columns: " + strings.Join(c.schema.Columns(), ", ") + "."
}

func (c *Composer) writeColumns(b *strings.Builder) {
	b.WriteString(columnsHeader)
	b.WriteString("\n")
	for _, column := range c.schema.Columns() {
		b.WriteString("- ")
		b.WriteString(column)
		if values, ok := Enumerations[strings.ToUpper(column)]; ok {
			b.WriteString(": one of ")
			b.WriteString(strings.Join(values, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

// writeExamples renders the examples whose columns all exist in the schema.
func (c *Composer) writeExamples(b *strings.Builder, examples []example, target string) {
	var lines []string
	for _, ex := range examples {
		columns := make([]string, 0, len(ex.columns))
		for _, name := range ex.columns {
			canonical, ok := c.schema.Canonical(name)
			if !ok {
				break
			}
			columns = append(columns, canonical)
		}
		if len(columns) != len(ex.columns) {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s\n  %s", ex.question, ex.render(target, columns)))
	}
	if len(lines) == 0 {
		return
	}
	b.WriteString("Examples:\n")
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n\n")
}
