package api

import "net/http"

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Warehouse == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "WAREHOUSE_NOT_CONFIGURED", "warehouse is not configured", false, nil)
		return
	}
	description, err := deps.Warehouse.DescribeSchema(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusBadGateway, "WAREHOUSE_UNAVAILABLE", "failed to describe warehouse schema", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schema": description})
}
