package pdf

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	pdfreader "github.com/ledongthuc/pdf"

	"taxgpt-api/internal/model"
)

const amountPattern = `(\d+(?:['’ ]\d{3})*(?:[.,]\d{2})?)`

var (
	salaryRe  = regexp.MustCompile(`(?i)Bruttolohn.*?` + amountPattern)
	pensionRe = regexp.MustCompile(`(?i)(?:BVG|Pensionskasse|2\.\s*Säule).*?` + amountPattern)
	healthRe  = regexp.MustCompile(`(?i)Krankenversicherung.*?` + amountPattern)
)

// Extract reads the plain text of an uploaded PDF and parses the Swiss tax fields it can find.
// Failures are reported in the result rather than as an error so the upload endpoint can relay them.
func Extract(data []byte, fileName string) model.PDFExtraction {
	text, pages, err := ExtractText(data)
	if err != nil {
		return model.PDFExtraction{Success: false, Error: err.Error(), FileName: fileName}
	}
	res := model.PDFExtraction{
		Success:  true,
		Text:     text,
		NumPages: pages,
		FileName: fileName,
	}
	if strings.TrimSpace(text) != "" {
		res.ExtractedData = ParseSwissTaxDocument(text)
	}
	return res
}

// ExtractText returns the document text and its page count.
func ExtractText(data []byte) (text string, pages int, err error) {
	defer func() {
		// the reader panics on some malformed cross-reference tables
		if r := recover(); r != nil {
			text, pages, err = "", 0, fmt.Errorf("failed to extract PDF text: %v", r)
		}
	}()

	r, err := pdfreader.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, fmt.Errorf("failed to extract PDF text: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", 0, fmt.Errorf("failed to extract PDF text: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", 0, fmt.Errorf("failed to extract PDF text: %w", err)
	}
	return string(b), r.NumPage(), nil
}

// ParseSwissTaxDocument pulls salary, pension and health insurance amounts out of a
// Lohnausweis-like text. Pension contributions are reported under pillar3a.
func ParseSwissTaxDocument(text string) *model.PartialTaxData {
	out := &model.PartialTaxData{
		Income:     &model.Income{},
		Deductions: &model.Deductions{},
	}
	if m := salaryRe.FindStringSubmatch(text); m != nil {
		out.Income.Employment = ParseSwissNumber(m[1])
	}
	if m := pensionRe.FindStringSubmatch(text); m != nil {
		out.Deductions.Pillar3a = ParseSwissNumber(m[1])
	}
	if m := healthRe.FindStringSubmatch(text); m != nil {
		out.Deductions.HealthcareExpenses = ParseSwissNumber(m[1])
	}
	return out
}

// ParseSwissNumber understands 85'000.50, 85’000.50 and 85 000,50. Unparseable input yields 0.
func ParseSwissNumber(s string) float64 {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\'', '’', ' ', '\t', '\n', '\r', ' ':
			return -1
		}
		return r
	}, s)
	cleaned = strings.Replace(cleaned, ",", ".", 1)
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return v
}
