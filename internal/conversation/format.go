package conversation

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"taxgpt-api/internal/tools"
)

const (
	PDFSuccessMarker = "✅ PDF generated"
	PDFFailureMarker = "❌ PDF generation failed"

	TaxDataFailureMarker = "❌ Tax data lookup failed"
)

func pdfSuccessLine(res tools.PDFResult, baseURL string) string {
	link := res.DownloadURL
	if res.DownloadPath != "" {
		link = baseURL + res.DownloadPath
		if strings.HasPrefix(res.DownloadPath, "http://") || strings.HasPrefix(res.DownloadPath, "https://") {
			link = res.DownloadPath
		}
	}
	name := firstNonEmpty(res.FileName, "tax return")
	if link == "" {
		return fmt.Sprintf("%s: %s", PDFSuccessMarker, name)
	}
	return fmt.Sprintf("%s: [Download %s](%s)", PDFSuccessMarker, name, link)
}

func pdfFailureLine(msg string) string {
	return fmt.Sprintf("%s: %s", PDFFailureMarker, msg)
}

func taxDataFailureLine(msg string) string {
	return fmt.Sprintf("%s: %s", TaxDataFailureMarker, msg)
}

func completedLine(name string) string {
	if name == "" {
		return "✓ Tool completed"
	}
	return fmt.Sprintf("✓ Tool %s completed", name)
}

func deductionSummary(res tools.DeductionResult) string {
	var b strings.Builder
	b.WriteString("**Deduction summary**\n")
	fmt.Fprintf(&b, "Total deductions: %s\n", FormatCHF(res.TotalDeductions))
	fmt.Fprintf(&b, "Estimated tax savings: %s", FormatCHF(res.EstimatedTaxSavings))
	if len(res.Recommendations) > 0 {
		b.WriteString("\n\n**Recommendations**")
		for i, r := range res.Recommendations {
			fmt.Fprintf(&b, "\n%d. %s", i+1, r)
		}
	}
	return b.String()
}

// FormatCHF renders a whole-franc amount with Swiss digit grouping, e.g. CHF 85'000.
func FormatCHF(v float64) string {
	n := int64(math.Round(v))
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	digits := strconv.FormatInt(n, 10)
	var b strings.Builder
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('\'')
		}
		b.WriteRune(d)
	}
	return "CHF " + sign + b.String()
}
