package pdf

import (
	"bytes"
	"testing"
	"time"

	"taxgpt-api/internal/model"
	"taxgpt-api/internal/taxdata"
)

func TestTaxReturnRendersPDF(t *testing.T) {
	now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	defer func() { now = time.Now }()

	for _, id := range taxdata.IDs() {
		data, _ := taxdata.Lookup(id)
		out, err := TaxReturn(data)
		if err != nil {
			t.Fatalf("TaxReturn(%s): %v", id, err)
		}
		if !bytes.HasPrefix(out, []byte("%PDF-")) {
			t.Fatalf("TaxReturn(%s) did not produce a PDF header", id)
		}
	}
}

func TestRecommendationsRendersLongConversation(t *testing.T) {
	var msgs []model.Message
	for i := 0; i < 40; i++ {
		msgs = append(msgs,
			model.Message{Role: model.RoleUser, Content: "Kann ich Pendlerkosten abziehen?"},
			model.Message{Role: model.RoleAssistant, Content: "Ja, bis CHF 3'600 pro Jahr im Kanton Zürich."},
		)
	}
	data, _ := taxdata.Lookup(taxdata.ScenarioMarried)
	out, err := Recommendations(msgs, &data)
	if err != nil {
		t.Fatalf("Recommendations: %v", err)
	}
	if !bytes.HasPrefix(out, []byte("%PDF-")) {
		t.Fatalf("missing PDF header")
	}

	if _, err := Recommendations(nil, nil); err != nil {
		t.Fatalf("Recommendations without messages: %v", err)
	}
}

func TestConversationMessagesSkipsSystemAndBlank(t *testing.T) {
	got := ConversationMessages([]model.Message{
		{Role: model.RoleSystem, Content: "prompt"},
		{Role: model.RoleUser, Content: "hello"},
		{Role: model.RoleAssistant, Content: "   "},
		{Role: model.RoleAssistant, Content: "Hi there"},
	})
	if len(got) != 2 || got[0].Content != "hello" || got[1].Content != "Hi there" {
		t.Fatalf("unexpected messages: %+v", got)
	}
}

func TestFormatCurrency(t *testing.T) {
	cases := map[float64]string{
		0:         "0.00",
		500:       "500.00",
		85000:     "85'000.00",
		1234567.5: "1'234'567.50",
		-3600:     "-3'600.00",
	}
	for in, want := range cases {
		if got := FormatCurrency(in); got != want {
			t.Errorf("FormatCurrency(%v)=%q want=%q", in, got, want)
		}
	}
}

func TestParseSwissNumber(t *testing.T) {
	cases := map[string]float64{
		"85'000.50": 85000.50,
		"85’000.50": 85000.50,
		"85 000,50": 85000.50,
		"7056":      7056,
		"n/a":       0,
	}
	for in, want := range cases {
		if got := ParseSwissNumber(in); got != want {
			t.Errorf("ParseSwissNumber(%q)=%v want=%v", in, got, want)
		}
	}
}

func TestParseSwissTaxDocument(t *testing.T) {
	text := "Lohnausweis 2024\nBruttolohn total CHF 85'000.50\nBeiträge BVG 6 120,00\nKrankenversicherung 3'240.00\n"
	got := ParseSwissTaxDocument(text)
	if got.Income == nil || got.Income.Employment != 85000.50 {
		t.Fatalf("employment=%+v", got.Income)
	}
	if got.Deductions.Pillar3a != 6120 {
		t.Fatalf("pillar3a=%v want=6120", got.Deductions.Pillar3a)
	}
	if got.Deductions.HealthcareExpenses != 3240 {
		t.Fatalf("healthcare=%v want=3240", got.Deductions.HealthcareExpenses)
	}

	empty := ParseSwissTaxDocument("nothing relevant")
	if empty.Income.Employment != 0 || empty.Deductions.Total() != 0 {
		t.Fatalf("expected no values, got %+v %+v", empty.Income, empty.Deductions)
	}
}

func TestExtractRejectsGarbage(t *testing.T) {
	res := Extract([]byte("not a pdf"), "lohnausweis.pdf")
	if res.Success || res.Error == "" {
		t.Fatalf("expected failure, got %+v", res)
	}
	if res.FileName != "lohnausweis.pdf" {
		t.Fatalf("FileName=%q", res.FileName)
	}
}
