package api

import (
	"net/http"

	"github.com/calldataai/calldata/internal/query"
)

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Composer == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema is not configured", false, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"table":        deps.Composer.Table(),
		"handle":       deps.Composer.Handle(),
		"columns":      deps.Composer.Columns(),
		"data_sources": []string{query.DialectRelational.Label(), query.DialectTabular.Label()},
	})
}
