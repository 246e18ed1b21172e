package handler

import (
	"net/http"
	"strings"

	"taxgpt-api/internal/model"
	"taxgpt-api/internal/taxdata"
)

type taxDataResponse struct {
	Success  bool           `json:"success"`
	Data     *model.TaxData `json:"data,omitempty"`
	Scenario string         `json:"scenario,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// HandleTaxData returns one fixture profile; the scenario defaults to single.
func (h *Handler) HandleTaxData(w http.ResponseWriter, r *http.Request) {
	scenario := strings.TrimSpace(r.URL.Query().Get("scenario"))
	if scenario == "" {
		scenario = taxdata.ScenarioSingle
	}
	data, ok := taxdata.Lookup(scenario)
	if !ok {
		writeJSON(w, http.StatusNotFound, taxDataResponse{
			Success: false,
			Error:   "Tax data not found for scenario: " + scenario,
		})
		return
	}
	writeJSON(w, http.StatusOK, taxDataResponse{Success: true, Data: &data, Scenario: scenario})
}

func (h *Handler) HandleScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"scenarios": taxdata.Scenarios(),
	})
}
