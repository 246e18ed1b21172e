// Package taxdata serves the fixture tax profiles used by the demo scenarios.
package taxdata

import (
	"sort"

	"taxgpt-api/internal/model"
)

const (
	ScenarioSingle     = "single"
	ScenarioMarried    = "married"
	ScenarioFreelancer = "freelancer"
)

var fixtures = map[string]model.TaxData{
	ScenarioSingle: {
		PersonalInfo: model.PersonalInfo{
			FirstName:     "Anna",
			LastName:      "Müller",
			DateOfBirth:   "1990-05-15",
			Address:       "Bahnhofstrasse 100, 8001 Zürich",
			Municipality:  "Zürich",
			MaritalStatus: model.MaritalSingle,
		},
		Income: model.Income{
			Employment:  85000,
			Investments: 1200,
		},
		Deductions: model.Deductions{
			ProfessionalExpenses: 3500,
			HealthcareExpenses:   2800,
			Pillar3a:             7056,
			Commuting:            2400,
			Donations:            500,
		},
		Wealth: model.Wealth{
			BankAccounts: 45000,
			Securities:   25000,
		},
		TaxYear: 2024,
	},
	ScenarioMarried: {
		PersonalInfo: model.PersonalInfo{
			FirstName:     "Thomas",
			LastName:      "Weber",
			DateOfBirth:   "1985-03-22",
			Address:       "Seestrasse 45, 8002 Zürich",
			Municipality:  "Zürich",
			MaritalStatus: model.MaritalMarried,
		},
		Income: model.Income{
			Employment:  120000,
			Rental:      18000,
			Investments: 3500,
		},
		Deductions: model.Deductions{
			ProfessionalExpenses: 5000,
			HealthcareExpenses:   4200,
			Pillar3a:             14112,
			Childcare:            8000,
			Commuting:            3000,
			Donations:            1200,
		},
		Wealth: model.Wealth{
			BankAccounts: 85000,
			Securities:   120000,
			RealEstate:   650000,
		},
		TaxYear: 2024,
	},
	ScenarioFreelancer: {
		PersonalInfo: model.PersonalInfo{
			FirstName:     "Marco",
			LastName:      "Rossi",
			DateOfBirth:   "1988-11-08",
			Address:       "Langstrasse 88, 8004 Zürich",
			Municipality:  "Zürich",
			MaritalStatus: model.MaritalDivorced,
		},
		Income: model.Income{
			SelfEmployment: 95000,
			Investments:    2200,
		},
		Deductions: model.Deductions{
			ProfessionalExpenses: 12000,
			HealthcareExpenses:   3600,
			Pillar3a:             7056,
			Education:            2500,
			Donations:            800,
		},
		Wealth: model.Wealth{
			BankAccounts: 32000,
			Securities:   18000,
		},
		TaxYear: 2024,
	},
}

var order = map[string]int{ScenarioSingle: 0, ScenarioMarried: 1, ScenarioFreelancer: 2}

// Lookup returns a copy of the fixture for scenario.
func Lookup(scenario string) (model.TaxData, bool) {
	data, ok := fixtures[scenario]
	return data, ok
}

// IDs lists the known scenario ids in display order.
func IDs() []string {
	ids := make([]string, 0, len(fixtures))
	for id := range fixtures {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return order[ids[i]] < order[ids[j]] })
	return ids
}

// Scenarios describes every fixture for pickers.
func Scenarios() []model.Scenario {
	single := fixtures[ScenarioSingle]
	married := fixtures[ScenarioMarried]
	freelancer := fixtures[ScenarioFreelancer]
	return []model.Scenario{
		{
			ID:          ScenarioSingle,
			Name:        "Single Employee",
			Description: "Young professional, single, employed in Zurich",
			Income:      single.Income.Employment,
		},
		{
			ID:          ScenarioMarried,
			Name:        "Married with Children",
			Description: "Married couple with rental income and children",
			Income:      married.Income.Employment,
		},
		{
			ID:          ScenarioFreelancer,
			Name:        "Self-Employed Freelancer",
			Description: "Divorced freelancer with business expenses",
			Income:      freelancer.Income.SelfEmployment,
		},
	}
}
