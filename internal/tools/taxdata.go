package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"taxgpt-api/internal/model"
	"taxgpt-api/internal/taxdata"
)

type TaxDataArgs struct {
	Scenario string `json:"scenario"`
}

// TaxDataResult is the payload the client turns into a confirmation prompt.
type TaxDataResult struct {
	Success  bool           `json:"success"`
	Data     *model.TaxData `json:"data,omitempty"`
	Scenario string         `json:"scenario"`
	Error    string         `json:"error,omitempty"`
}

func LookupTaxData(scenario string) TaxDataResult {
	data, ok := taxdata.Lookup(scenario)
	if !ok {
		return TaxDataResult{
			Success:  false,
			Scenario: scenario,
			Error:    fmt.Sprintf("Tax data not found for scenario: %s", scenario),
		}
	}
	return TaxDataResult{Success: true, Data: &data, Scenario: scenario}
}

func TaxDataTool() Tool {
	return Tool{
		Name: GetTaxData,
		Description: "Retrieves Swiss tax data for Canton Zurich based on a scenario (single, married, or freelancer). " +
			"Use this tool when the user asks for their tax data, wants to load their tax information, or needs to see their current tax situation.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "scenario": {
      "type": "string",
      "enum": ["single", "married", "freelancer"],
      "description": "The tax scenario to retrieve: single (single person), married (married couple), or freelancer (self-employed)"
    }
  },
  "required": ["scenario"],
  "additionalProperties": false
}`),
		Execute: func(_ context.Context, raw json.RawMessage) (any, error) {
			var args TaxDataArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
			}
			return LookupTaxData(args.Scenario), nil
		},
	}
}
