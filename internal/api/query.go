package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/calldataai/calldata/internal/pipeline"
	"github.com/calldataai/calldata/internal/query"
)

const maxQueryBodyBytes = 1 << 20

type queryRequest struct {
	Question   string `json:"question"`
	DataSource string `json:"data_source"`
	// Dialect is accepted as an alias of DataSource.
	Dialect string `json:"dialect"`
}

type queryResponse struct {
	Dialect string   `json:"dialect"`
	Query   string   `json:"query"`
	Result  any      `json:"result"`
	Columns []string `json:"columns"`
}

func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query pipeline is not configured", false, nil)
		return
	}

	var request queryRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return
	}
	dataSource := request.DataSource
	if strings.TrimSpace(dataSource) == "" {
		dataSource = request.Dialect
	}

	resp, err := deps.Pipeline.Ask(r.Context(), pipeline.Request{Question: request.Question, DataSource: dataSource})
	if err != nil {
		status, code, retryable := classifyError(err)
		writeError(r.Context(), w, status, code, err.Error(), retryable, failureContext(resp))
		return
	}
	if resp.Failure != nil {
		writeError(r.Context(), w, http.StatusUnprocessableEntity, "QUERY_EXECUTION_FAILED", "generated query failed to execute", false, failureContext(resp))
		return
	}

	columns := resp.Columns
	if columns == nil {
		columns = []string{}
	}
	writeJSON(w, http.StatusOK, queryResponse{
		Dialect: resp.Dialect.Label(),
		Query:   resp.Query,
		Result:  resp.Result,
		Columns: columns,
	})
}

// classifyError maps a failure kind to its status code. The status depends
// on the kind only, never on the dialect.
func classifyError(err error) (status int, code string, retryable bool) {
	var (
		validation  *query.ValidationError
		generation  *query.GenerationError
		interrupted *query.InterruptedError
		execution   *query.ExecutionError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, "INVALID_REQUEST", false
	case errors.As(err, &interrupted):
		return http.StatusGatewayTimeout, "INTERRUPTED", true
	case errors.As(err, &generation):
		return http.StatusBadGateway, "GENERATION_FAILED", true
	case errors.As(err, &execution):
		return http.StatusUnprocessableEntity, "QUERY_EXECUTION_FAILED", false
	default:
		return http.StatusInternalServerError, "INTERNAL", true
	}
}

// failureContext carries what is known about a failed request.
func failureContext(resp pipeline.Response) map[string]any {
	extra := map[string]any{}
	if resp.Dialect != "" {
		extra["dialect"] = resp.Dialect.Label()
	}
	if resp.Query != "" {
		extra["query"] = resp.Query
	}
	if resp.Failure != nil {
		extra["error"] = resp.Failure.Error
		if resp.Failure.Explanation != "" {
			extra["explanation"] = resp.Failure.Explanation
		}
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}
