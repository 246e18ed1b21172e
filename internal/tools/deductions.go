package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
)

// Canton Zurich limits.
const (
	professionalShare = 0.03
	healthcareFloor   = 0.05
	pillar3aLimit     = 7056.0
	commutingLimit    = 3600.0
	averageTaxRate    = 0.20
)

type DeductionArgs struct {
	Income               float64 `json:"income"`
	ProfessionalExpenses float64 `json:"professionalExpenses,omitempty"`
	HealthcareCosts      float64 `json:"healthcareCosts,omitempty"`
	PensionContributions float64 `json:"pensionContributions,omitempty"`
	ChildcareCosts       float64 `json:"childcareCosts,omitempty"`
	CommutingCosts       float64 `json:"commutingCosts,omitempty"`
}

type DeductionBreakdown struct {
	Professional float64 `json:"professional"`
	Healthcare   float64 `json:"healthcare"`
	Pension      float64 `json:"pension"`
	Childcare    float64 `json:"childcare"`
	Commuting    float64 `json:"commuting"`
}

type DeductionResult struct {
	TotalDeductions     float64            `json:"totalDeductions"`
	Breakdown           DeductionBreakdown `json:"breakdown"`
	Recommendations     []string           `json:"recommendations"`
	EstimatedTaxSavings float64            `json:"estimatedTaxSavings"`
}

// Deductions applies the simplified Canton Zurich rules. All amounts are rounded to whole francs.
func Deductions(a DeductionArgs) DeductionResult {
	professional := math.Min(a.ProfessionalExpenses, a.Income*professionalShare)
	healthcare := math.Max(0, a.HealthcareCosts-a.Income*healthcareFloor)
	pension := math.Min(a.PensionContributions, pillar3aLimit)
	childcare := a.ChildcareCosts
	commuting := math.Min(a.CommutingCosts, commutingLimit)
	total := professional + healthcare + pension + childcare + commuting

	recs := []string{}
	if a.PensionContributions < pillar3aLimit {
		recs = append(recs, fmt.Sprintf("Consider maximizing your Pillar 3a contributions. You can still contribute CHF %.2f this year.",
			pillar3aLimit-a.PensionContributions))
	}
	if a.ProfessionalExpenses < a.Income*professionalShare {
		recs = append(recs, "Track your professional expenses carefully. You can deduct work-related costs like home office, professional literature, and equipment.")
	}
	if a.CommutingCosts > 0 && a.CommutingCosts < commutingLimit {
		recs = append(recs, "Ensure you claim all commuting costs between home and work. Public transport season tickets are fully deductible.")
	}
	if a.HealthcareCosts < a.Income*healthcareFloor {
		recs = append(recs, "Healthcare costs are only deductible above 5% of your income. Consider timing large medical expenses strategically.")
	}

	return DeductionResult{
		TotalDeductions: math.Round(total),
		Breakdown: DeductionBreakdown{
			Professional: math.Round(professional),
			Healthcare:   math.Round(healthcare),
			Pension:      math.Round(pension),
			Childcare:    math.Round(childcare),
			Commuting:    math.Round(commuting),
		},
		Recommendations:     recs,
		EstimatedTaxSavings: math.Round(total * averageTaxRate),
	}
}

func DeductionsTool() Tool {
	return Tool{
		Name: CalculateDeductions,
		Description: "Calculates potential tax deductions for Canton Zurich based on income and expenses. " +
			"Use this when the user wants to know what deductions they can claim or optimize their tax situation.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "income": {"type": "number", "minimum": 0, "description": "Total annual income in CHF"},
    "professionalExpenses": {"type": "number", "minimum": 0, "description": "Professional expenses in CHF"},
    "healthcareCosts": {"type": "number", "minimum": 0, "description": "Healthcare and insurance costs in CHF"},
    "pensionContributions": {"type": "number", "minimum": 0, "description": "Pillar 2 and 3a pension contributions in CHF"},
    "childcareCosts": {"type": "number", "minimum": 0, "description": "Childcare costs in CHF"},
    "commutingCosts": {"type": "number", "minimum": 0, "description": "Commuting expenses in CHF"}
  },
  "required": ["income"]
}`),
		Execute: func(_ context.Context, raw json.RawMessage) (any, error) {
			var args DeductionArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
			}
			return Deductions(args), nil
		},
	}
}
