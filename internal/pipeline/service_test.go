package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/calldataai/calldata/internal/config"
	"github.com/calldataai/calldata/internal/dataset"
	"github.com/calldataai/calldata/internal/prompt"
	"github.com/calldataai/calldata/internal/query"
	"github.com/calldataai/calldata/internal/query/relational"
	"github.com/calldataai/calldata/internal/query/tabular"
	"github.com/calldataai/calldata/internal/result"
	"github.com/calldataai/calldata/internal/schema"
)

const testDataset = "testdata/calls.csv"

// scriptedGenerator answers generation calls from a question→query map and
// explanation calls (empty question) with explanation.
type scriptedGenerator struct {
	mu          sync.Mutex
	queries     map[string]string
	explanation string
	err         error
	block       bool
	calls       int
	explains    int
}

func (g *scriptedGenerator) Generate(ctx context.Context, instructions, question string) (string, error) {
	g.mu.Lock()
	g.calls++
	if question == "" {
		g.explains++
	}
	g.mu.Unlock()

	if g.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if g.err != nil {
		return "", g.err
	}
	if question == "" {
		return g.explanation, nil
	}
	text, ok := g.queries[question]
	if !ok {
		return "", fmt.Errorf("no scripted query for %q", question)
	}
	return text, nil
}

func (g *scriptedGenerator) counts() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls, g.explains
}

type fixture struct {
	service   *Service
	generator *scriptedGenerator
	table     dataset.Table
}

func newFixture(t *testing.T, generator *scriptedGenerator, opts Options) fixture {
	t.Helper()
	ctx := context.Background()
	source := dataset.FileSource{Path: testDataset}

	s, err := schema.Load(ctx, source)
	if err != nil {
		t.Fatalf("schema.Load() error = %v", err)
	}
	table, err := dataset.ReadTable(ctx, source)
	if err != nil {
		t.Fatalf("ReadTable() error = %v", err)
	}

	db, err := relational.Open(ctx, config.RelationalConfig{
		Driver:       "sqlite",
		DSN:          filepath.Join(t.TempDir(), "calls.db"),
		MaxOpenConns: 4,
	})
	if err != nil {
		t.Fatalf("relational.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := relational.Seed(ctx, db, "sqlite", prompt.DefaultTable, table); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	composer := prompt.NewComposer(s, prompt.Options{})
	service := NewService(composer, generator, Engines{
		Relational: relational.NewExecutor(db, relational.DriverSQLite),
		Tabular:    tabular.NewExecutor(source, tabular.DefaultHandle),
	}, opts)
	return fixture{service: service, generator: generator, table: table}
}

func TestAskValidationMakesNoModelCall(t *testing.T) {
	generator := &scriptedGenerator{}
	f := newFixture(t, generator, Options{})

	cases := []Request{
		{Question: "", DataSource: "SQL Database"},
		{Question: "   ", DataSource: "CSV Database"},
		{Question: "how many calls?", DataSource: ""},
		{Question: "how many calls?", DataSource: "Excel"},
	}
	for _, req := range cases {
		_, err := f.service.Ask(context.Background(), req)
		var validation *query.ValidationError
		if !errors.As(err, &validation) {
			t.Fatalf("Ask(%+v) error = %v, want ValidationError", req, err)
		}
	}
	if calls, _ := generator.counts(); calls != 0 {
		t.Fatalf("generator calls = %d, want 0", calls)
	}
}

func TestAskMissingEngineIsValidationError(t *testing.T) {
	generator := &scriptedGenerator{}
	s, err := schema.New([]string{"REQUESTID"})
	if err != nil {
		t.Fatalf("schema.New() error = %v", err)
	}
	service := NewService(prompt.NewComposer(s, prompt.Options{}), generator, Engines{}, Options{})
	_, err = service.Ask(context.Background(), Request{Question: "how many?", DataSource: "sql"})
	var validation *query.ValidationError
	if !errors.As(err, &validation) || validation.Field != "data_source" {
		t.Fatalf("Ask() error = %v, want data_source ValidationError", err)
	}
}

func TestAskRelationalSuccess(t *testing.T) {
	generator := &scriptedGenerator{queries: map[string]string{
		"how many calls?": "SELECT COUNT(*) AS calls FROM CALLCENTER_REQUESTS;",
	}}
	f := newFixture(t, generator, Options{})

	resp, err := f.service.Ask(context.Background(), Request{Question: "how many calls?", DataSource: "SQL Database"})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if resp.Failure != nil {
		t.Fatalf("Failure = %+v", resp.Failure)
	}
	if resp.Dialect != query.DialectRelational {
		t.Fatalf("Dialect = %q", resp.Dialect)
	}
	if diff := cmp.Diff([][]any{{int64(f.table.Len())}}, resp.Result); diff != "" {
		t.Fatalf("Result mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"calls"}, resp.Columns); diff != "" {
		t.Fatalf("Columns mismatch (-want +got):\n%s", diff)
	}
}

func TestAskTabularSuccessReportsSchemaColumns(t *testing.T) {
	generator := &scriptedGenerator{queries: map[string]string{
		"how many calls?": "```python\nlen(df)\n```",
	}}
	f := newFixture(t, generator, Options{})

	resp, err := f.service.Ask(context.Background(), Request{Question: "how many calls?", DataSource: "CSV Database"})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if resp.Result != int64(f.table.Len()) {
		t.Fatalf("Result = %#v, want %d", resp.Result, f.table.Len())
	}
	if diff := cmp.Diff(f.table.Columns, resp.Columns); diff != "" {
		t.Fatalf("Columns mismatch (-want +got):\n%s", diff)
	}
}

func TestAskRelationalFailureIsExplainedWithoutSQL(t *testing.T) {
	badQuery := "SELECT NEIGHBOURHOOD, COUNT(*) FROM CALLCENTER_REQUESTS GROUP BY NEIGHBOURHOOD;"
	generator := &scriptedGenerator{
		queries: map[string]string{"calls per neighbourhood?": badQuery},
		explanation: "There is no neighbourhood field in the data.\n\n```sql\n" + badQuery + "\n```\n" +
			"SELECT Ward, COUNT(*) FROM CALLCENTER_REQUESTS GROUP BY Ward\n" +
			"Try asking about the `Ward` instead.",
	}
	f := newFixture(t, generator, Options{})

	resp, err := f.service.Ask(context.Background(), Request{Question: "calls per neighbourhood?", DataSource: "sql"})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if resp.Failure == nil {
		t.Fatalf("Failure = nil, Result = %#v", resp.Result)
	}
	if resp.Result != nil {
		t.Fatalf("Result = %#v, want nil on failure", resp.Result)
	}
	if resp.Query != badQuery {
		t.Fatalf("Query = %q", resp.Query)
	}
	if !strings.Contains(resp.Failure.Error, "NEIGHBOURHOOD") {
		t.Fatalf("Failure.Error = %q, want raw engine message", resp.Failure.Error)
	}
	explanation := resp.Failure.Explanation
	if explanation == "" {
		t.Fatal("Explanation is empty")
	}
	for _, forbidden := range []string{"SELECT", "```", "GROUP BY", badQuery} {
		if strings.Contains(explanation, forbidden) {
			t.Fatalf("Explanation contains %q:\n%s", forbidden, explanation)
		}
	}
	if !strings.Contains(explanation, "Ward") {
		t.Fatalf("Explanation names no column:\n%s", explanation)
	}
	if _, explains := generator.counts(); explains != 1 {
		t.Fatalf("explanation calls = %d, want 1", explains)
	}
}

func TestAskRelationalExplanationFailureKeepsPartialResponse(t *testing.T) {
	generator := &failingExplainGenerator{query: "SELECT MISSING FROM CALLCENTER_REQUESTS"}
	f := newFixture(t, &scriptedGenerator{}, Options{})
	f.service.generator = generator
	f.service.explainer.Generator = generator

	resp, err := f.service.Ask(context.Background(), Request{Question: "anything", DataSource: "sql"})
	var genErr *query.GenerationError
	if !errors.As(err, &genErr) || genErr.Stage != query.StageExplain {
		t.Fatalf("Ask() error = %v, want explain GenerationError", err)
	}
	if resp.Failure == nil || resp.Failure.Explanation != "" || resp.Query == "" {
		t.Fatalf("Response = %+v", resp)
	}
}

type failingExplainGenerator struct {
	query string
}

func (g *failingExplainGenerator) Generate(_ context.Context, _, question string) (string, error) {
	if question == "" {
		return "", errors.New("model overloaded")
	}
	return g.query, nil
}

func TestAskTabularFailureIsNotExplained(t *testing.T) {
	generator := &scriptedGenerator{queries: map[string]string{
		"calls per neighbourhood?": "df['NEIGHBOURHOOD'].value_counts()",
	}}
	f := newFixture(t, generator, Options{})

	resp, err := f.service.Ask(context.Background(), Request{Question: "calls per neighbourhood?", DataSource: "pandas"})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if resp.Failure == nil {
		t.Fatalf("Failure = nil, Result = %#v", resp.Result)
	}
	if resp.Failure.Explanation != "" {
		t.Fatalf("Explanation = %q, want none for tabular failures", resp.Failure.Explanation)
	}
	if !strings.Contains(resp.Failure.Error, "NEIGHBOURHOOD") {
		t.Fatalf("Failure.Error = %q", resp.Failure.Error)
	}
	if _, explains := generator.counts(); explains != 0 {
		t.Fatalf("explanation calls = %d, want 0", explains)
	}
}

func TestAskGenerationFailure(t *testing.T) {
	generator := &scriptedGenerator{err: errors.New("invalid api key")}
	f := newFixture(t, generator, Options{})

	_, err := f.service.Ask(context.Background(), Request{Question: "how many calls?", DataSource: "sql"})
	var genErr *query.GenerationError
	if !errors.As(err, &genErr) || genErr.Stage != query.StageGenerate {
		t.Fatalf("Ask() error = %v, want generate GenerationError", err)
	}
}

func TestAskGenerationTimeoutIsInterruption(t *testing.T) {
	generator := &scriptedGenerator{block: true}
	f := newFixture(t, generator, Options{GenerateTimeout: 20 * time.Millisecond})

	_, err := f.service.Ask(context.Background(), Request{Question: "how many calls?", DataSource: "sql"})
	var interrupted *query.InterruptedError
	if !errors.As(err, &interrupted) || interrupted.Stage != query.StageGenerate {
		t.Fatalf("Ask() error = %v, want generate InterruptedError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Ask() error = %v, want deadline exceeded", err)
	}
}

func TestAskExecutionTimeoutIsInterruption(t *testing.T) {
	generator := &scriptedGenerator{queries: map[string]string{"slow": "len(df)"}}
	f := newFixture(t, generator, Options{TabularTimeout: time.Nanosecond})

	resp, err := f.service.Ask(context.Background(), Request{Question: "slow", DataSource: "csv"})
	var interrupted *query.InterruptedError
	if !errors.As(err, &interrupted) || interrupted.Stage != query.StageExecute {
		t.Fatalf("Ask() error = %v, want execute InterruptedError", err)
	}
	if resp.Query != "len(df)" || resp.Failure != nil {
		t.Fatalf("Response = %+v", resp)
	}
}

func TestConcurrentAsksAreIsolated(t *testing.T) {
	queries := map[string]string{}
	want := map[string]any{}
	for i := 0; i < 8; i++ {
		id := int64(101 + i)
		queries[fmt.Sprintf("sql %d", i)] = fmt.Sprintf("SELECT REQUESTID FROM CALLCENTER_REQUESTS WHERE REQUESTID = %d", id)
		want[fmt.Sprintf("sql %d", i)] = [][]any{{id}}
		queries[fmt.Sprintf("csv %d", i)] = fmt.Sprintf("df[df['REQUESTID'] == %d]['REQUESTID'].tolist()", id)
		want[fmt.Sprintf("csv %d", i)] = []any{id}
	}
	generator := &scriptedGenerator{queries: queries}
	f := newFixture(t, generator, Options{})

	var g errgroup.Group
	for question := range queries {
		source := "SQL Database"
		if strings.HasPrefix(question, "csv") {
			source = "CSV Database"
		}
		g.Go(func() error {
			resp, err := f.service.Ask(context.Background(), Request{Question: question, DataSource: source})
			if err != nil {
				return fmt.Errorf("%s: %w", question, err)
			}
			if resp.Failure != nil {
				return fmt.Errorf("%s: failure %s", question, resp.Failure.Error)
			}
			if resp.Query != queries[question] {
				return fmt.Errorf("%s: query = %q", question, resp.Query)
			}
			if diff := cmp.Diff(want[question], resp.Result); diff != "" {
				return fmt.Errorf("%s: result mismatch (-want +got):\n%s", question, diff)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestSanitizeExplanation(t *testing.T) {
	columns := []string{"REQUESTID", "STATUS", "Ward"}
	reminder := "The dataset contains the following columns: REQUESTID, STATUS, Ward."
	queryText := "SELECT WARDS FROM CALLCENTER_REQUESTS;"

	cases := []struct {
		name string
		text string
		want string
	}{
		{
			name: "keeps prose naming a column",
			text: "The STATUS column exists but WARDS does not.",
			want: "The STATUS column exists but WARDS does not.",
		},
		{
			name: "drops fenced code and echoed query",
			text: "No such field.\n```sql\nSELECT 1\n```\nYou wrote SELECT WARDS FROM CALLCENTER_REQUESTS; which failed. Use Ward.",
			want: "No such field.\n\nYou wrote  which failed. Use Ward.",
		},
		{
			name: "inline code keeps column names only",
			text: "Use `ward` rather than `COUNT(WARDS)`.",
			want: "Use Ward rather than .",
		},
		{
			name: "appends reminder when no column is named",
			text: "That field does not exist.",
			want: "That field does not exist.\n\n" + reminder,
		},
		{
			name: "falls back when nothing is left",
			text: "```sql\nSELECT * FROM x\n```",
			want: fallbackExplanation + "\n\n" + reminder,
		},
		{
			name: "drops statement lines",
			text: "Try this:\nSELECT Ward FROM CALLCENTER_REQUESTS\nWHERE STATUS = 'Open'\nIt groups by Ward.",
			want: "Try this:\nIt groups by Ward.",
		},
		{
			name: "drops lower-case statement lines",
			text: "The column is called Ward. Try:\nselect Ward, count(*) from CALLCENTER_REQUESTS group by Ward",
			want: "The column is called Ward. Try:",
		},
		{
			name: "drops numbered and bulleted statement lines",
			text: "Options:\n1. SELECT Ward FROM CALLCENTER_REQUESTS would work.\n- select * from CALLCENTER_REQUESTS\n2) Ask about the Ward instead.",
			want: "Options:\n2) Ask about the Ward instead.",
		},
		{
			name: "removes statements inside prose",
			text: "Your request SELECT neighbourhood FROM CALLCENTER_REQUESTS asked for a field that does not exist; use Ward.",
			want: "Your request asked for a field that does not exist; use Ward.",
		},
		{
			name: "removes trailing clauses inside prose",
			text: "Running select Ward from callcenter_requests where STATUS = 'Open'. Ward is the right column.",
			want: "Running . Ward is the right column.",
		},
		{
			name: "keeps prose that starts with a keyword",
			text: "Select the Ward column instead. With Ward you can group calls.",
			want: "Select the Ward column instead. With Ward you can group calls.",
		},
	}
	s := newSanitizer(columns, "CALLCENTER_REQUESTS", reminder)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := s.clean(tc.text, queryText)
			if got != tc.want {
				t.Fatalf("clean() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestExplainerCompilesColumnPatternOnce(t *testing.T) {
	s, err := schema.New([]string{"REQUESTID", "STATUS", "Ward"})
	if err != nil {
		t.Fatalf("schema.New() error = %v", err)
	}
	generator := &scriptedGenerator{explanation: "There is no NEIGHBOURHOOD field; the Ward column holds the area."}
	explainer := newExplainer(generator, prompt.NewComposer(s, prompt.Options{}), 0)
	compiled := explainer.sanitizer.mentions
	if compiled == nil {
		t.Fatal("column pattern not compiled with the explainer")
	}
	for _, column := range []string{"REQUESTID", "STATUS", "Ward"} {
		if !compiled.MatchString("about " + column + " here") {
			t.Fatalf("column pattern %q does not match %q", compiled, column)
		}
	}

	for i := 0; i < 3; i++ {
		text, err := explainer.Explain(context.Background(), "SELECT NEIGHBOURHOOD FROM CALLCENTER_REQUESTS", "no such column: NEIGHBOURHOOD")
		if err != nil {
			t.Fatalf("Explain() error = %v", err)
		}
		if text != generator.explanation {
			t.Fatalf("Explain() = %q", text)
		}
	}
	if explainer.sanitizer.mentions != compiled {
		t.Fatal("column pattern recompiled between calls")
	}
}

func TestNormalizedResultMatchesEngineOutput(t *testing.T) {
	generator := &scriptedGenerator{queries: map[string]string{
		"calls by source": "df['SOURCE'].value_counts()",
	}}
	f := newFixture(t, generator, Options{})

	resp, err := f.service.Ask(context.Background(), Request{Question: "calls by source", DataSource: "csv"})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	raw, err := tabular.NewExecutor(dataset.FileSource{Path: testDataset}, "").Execute(context.Background(), "df['SOURCE'].value_counts()")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if diff := cmp.Diff(result.Normalize(raw), resp.Result); diff != "" {
		t.Fatalf("Result mismatch (-want +got):\n%s", diff)
	}
}
