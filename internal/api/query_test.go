package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calldataai/calldata/internal/config"
	"github.com/calldataai/calldata/internal/dataset"
	"github.com/calldataai/calldata/internal/pipeline"
	"github.com/calldataai/calldata/internal/prompt"
	"github.com/calldataai/calldata/internal/query"
	"github.com/calldataai/calldata/internal/query/relational"
	"github.com/calldataai/calldata/internal/query/tabular"
	"github.com/calldataai/calldata/internal/schema"
)

type stubAsker struct {
	resp pipeline.Response
	err  error
	got  pipeline.Request
}

func (s *stubAsker) Ask(_ context.Context, req pipeline.Request) (pipeline.Response, error) {
	s.got = req
	return s.resp, s.err
}

func TestQueryStatusDependsOnlyOnFailureKind(t *testing.T) {
	relationalFailure := pipeline.Response{
		Dialect: query.DialectRelational,
		Query:   "SELECT WARDS FROM CALLCENTER_REQUESTS",
		Failure: &pipeline.Failure{Dialect: query.DialectRelational, Error: "no such column: WARDS", Explanation: "Use Ward."},
	}
	tabularFailure := pipeline.Response{
		Dialect: query.DialectTabular,
		Query:   "df['WARDS']",
		Failure: &pipeline.Failure{Dialect: query.DialectTabular, Error: "column \"WARDS\" not found"},
	}

	cases := []struct {
		name   string
		asker  *stubAsker
		status int
		code   string
	}{
		{"validation", &stubAsker{err: &query.ValidationError{Field: "question", Message: "question is required"}}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"relational execution", &stubAsker{resp: relationalFailure}, http.StatusUnprocessableEntity, "QUERY_EXECUTION_FAILED"},
		{"tabular execution", &stubAsker{resp: tabularFailure}, http.StatusUnprocessableEntity, "QUERY_EXECUTION_FAILED"},
		{"generation", &stubAsker{err: &query.GenerationError{Stage: query.StageGenerate, Err: errors.New("quota")}}, http.StatusBadGateway, "GENERATION_FAILED"},
		{"explanation", &stubAsker{resp: relationalFailure, err: &query.GenerationError{Stage: query.StageExplain, Err: errors.New("quota")}}, http.StatusBadGateway, "GENERATION_FAILED"},
		{"interrupted", &stubAsker{resp: pipeline.Response{Dialect: query.DialectTabular, Query: "len(df)"}, err: &query.InterruptedError{Stage: query.StageExecute, Err: context.DeadlineExceeded}}, http.StatusGatewayTimeout, "INTERRUPTED"},
		{"unexpected", &stubAsker{err: errors.New("boom")}, http.StatusInternalServerError, "INTERNAL"},
	}
	cfg := loadConfig(t, map[string]string{})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(cfg, Dependencies{Pipeline: tc.asker})
			rr := postQuery(h, `{"question":"calls per ward?","data_source":"SQL Database"}`)
			if rr.Code != tc.status {
				t.Fatalf("status = %d, want %d, body=%s", rr.Code, tc.status, rr.Body.String())
			}
			body := decodeBody(t, rr)
			if body["error_code"] != tc.code {
				t.Fatalf("error_code = %v, want %s", body["error_code"], tc.code)
			}
			for _, key := range []string{"message", "retryable", "trace_id", "context"} {
				if _, ok := body[key]; !ok {
					t.Fatalf("envelope missing %q: %v", key, body)
				}
			}
		})
	}
}

func TestQueryFailureEnvelopeCarriesContext(t *testing.T) {
	asker := &stubAsker{resp: pipeline.Response{
		Dialect: query.DialectRelational,
		Query:   "SELECT WARDS FROM CALLCENTER_REQUESTS",
		Failure: &pipeline.Failure{Dialect: query.DialectRelational, Error: "no such column: WARDS", Explanation: "Use Ward."},
	}}
	h := NewHandler(loadConfig(t, map[string]string{}), Dependencies{Pipeline: asker})

	rr := postQuery(h, `{"question":"calls per ward?","data_source":"SQL Database"}`)
	body := decodeBody(t, rr)
	want := map[string]any{
		"dialect":     "SQL Database",
		"query":       "SELECT WARDS FROM CALLCENTER_REQUESTS",
		"error":       "no such column: WARDS",
		"explanation": "Use Ward.",
	}
	if diff := cmp.Diff(want, body["context"]); diff != "" {
		t.Fatalf("context mismatch (-want +got):\n%s", diff)
	}
}

func TestQueryRequestDecoding(t *testing.T) {
	asker := &stubAsker{resp: pipeline.Response{Dialect: query.DialectTabular, Query: "len(df)", Result: int64(8)}}
	h := NewHandler(loadConfig(t, map[string]string{}), Dependencies{Pipeline: asker})

	rr := postQuery(h, `{"question":"how many?","dialect":"CSV Database"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	if asker.got.DataSource != "CSV Database" || asker.got.Question != "how many?" {
		t.Fatalf("request = %+v", asker.got)
	}

	for _, payload := range []string{`{"question":`, `{"question":"x","sql":"SELECT 1"}`} {
		rr := postQuery(h, payload)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("payload %s: status = %d", payload, rr.Code)
		}
		if body := decodeBody(t, rr); body["error_code"] != "INVALID_JSON" {
			t.Fatalf("error_code = %v", body["error_code"])
		}
	}
}

func TestQueryNotConfigured(t *testing.T) {
	h := NewHandler(loadConfig(t, map[string]string{}), Dependencies{})
	rr := postQuery(h, `{"question":"x","data_source":"sql"}`)
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}
}

type routedGenerator map[string]string

func (g routedGenerator) Generate(_ context.Context, _, question string) (string, error) {
	if question == "" {
		return "The dataset has no NEIGHBOURHOOD field; try the Ward column.", nil
	}
	return g[question], nil
}

func TestQueryEndToEnd(t *testing.T) {
	ctx := context.Background()
	source := dataset.FileSource{Path: "testdata/calls.csv"}
	s, err := schema.Load(ctx, source)
	if err != nil {
		t.Fatalf("schema.Load() error = %v", err)
	}
	table, err := dataset.ReadTable(ctx, source)
	if err != nil {
		t.Fatalf("ReadTable() error = %v", err)
	}
	db, err := relational.Open(ctx, config.RelationalConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "calls.db"), MaxOpenConns: 2})
	if err != nil {
		t.Fatalf("relational.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := relational.Seed(ctx, db, "sqlite", prompt.DefaultTable, table); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}

	composer := prompt.NewComposer(s, prompt.Options{})
	service := pipeline.NewService(composer, routedGenerator{
		"how many calls?":         "SELECT COUNT(*) AS n FROM CALLCENTER_REQUESTS",
		"calls by source":         "df['SOURCE'].value_counts().head(1)",
		"calls per neighbourhood": "SELECT NEIGHBOURHOOD FROM CALLCENTER_REQUESTS",
	}, pipeline.Engines{
		Relational: relational.NewExecutor(db, relational.DriverSQLite),
		Tabular:    tabular.NewExecutor(source, ""),
	}, pipeline.Options{})
	h := NewHandler(loadConfig(t, map[string]string{}), Dependencies{Pipeline: service, Composer: composer})

	rr := postQuery(h, `{"question":"how many calls?","data_source":"SQL Database"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := strings.TrimSpace(rr.Body.String()); got != `{"dialect":"SQL Database","query":"SELECT COUNT(*) AS n FROM CALLCENTER_REQUESTS","result":[[8]],"columns":["n"]}` {
		t.Fatalf("body = %s", got)
	}

	rr = postQuery(h, `{"question":"calls by source","data_source":"CSV Database"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if diff := cmp.Diff(map[string]any{"Phone": float64(4)}, body["result"]); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
	if columns, _ := body["columns"].([]any); len(columns) != len(s.Columns()) {
		t.Fatalf("columns = %v", body["columns"])
	}

	rr = postQuery(h, `{"question":"calls per neighbourhood","data_source":"sql"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	extra, _ := decodeBody(t, rr)["context"].(map[string]any)
	if explanation, _ := extra["explanation"].(string); !strings.Contains(explanation, "Ward") {
		t.Fatalf("explanation = %v", extra["explanation"])
	}
}

func postQuery(h http.Handler, payload string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}
