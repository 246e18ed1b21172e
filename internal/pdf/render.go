// Package pdf renders tax documents and reads text back out of uploaded ones.
package pdf

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"taxgpt-api/internal/model"
)

const (
	margin     = 50.0
	colorBrand = "#1976d2"
	colorMuted = "#666666"
	colorHead  = "#333333"
	colorBody  = "#000000"
	colorReply = "#4caf50"
)

var now = time.Now

type lineItem struct {
	label string
	value float64
}

// document wraps fpdf with the A4 point layout shared by every report.
type document struct {
	f  *fpdf.Fpdf
	tr func(string) string
}

func newDocument(title string) *document {
	f := fpdf.New("P", "pt", "A4", "")
	f.SetMargins(margin, margin, margin)
	f.SetAutoPageBreak(true, margin)
	f.SetTitle(title, true)
	f.SetCreator("Tax-GPT", true)
	f.AddPage()
	return &document{f: f, tr: f.UnicodeTranslatorFromDescriptor("")}
}

func (d *document) text(size float64, color, style, align, s string) {
	d.f.SetFont("Helvetica", style, size)
	r, g, b := hexColor(color)
	d.f.SetTextColor(r, g, b)
	d.f.MultiCell(0, size*1.25, d.tr(s), "", align, false)
}

func (d *document) gap(lines float64) {
	d.f.Ln(12 * lines)
}

func (d *document) pageWidth() float64 {
	w, _ := d.f.GetPageSize()
	return w
}

// ensure starts a new page unless h points of vertical space remain.
func (d *document) ensure(h float64) {
	_, pageH := d.f.GetPageSize()
	if d.f.GetY()+h > pageH-margin {
		d.f.AddPage()
	}
}

func (d *document) box(h float64, fill, stroke string) float64 {
	d.ensure(h)
	y := d.f.GetY()
	r, g, b := hexColor(fill)
	d.f.SetFillColor(r, g, b)
	r, g, b = hexColor(stroke)
	d.f.SetDrawColor(r, g, b)
	d.f.SetLineWidth(1)
	d.f.Rect(margin, y, d.pageWidth()-2*margin, h, "FD")
	return y
}

func (d *document) separator() {
	r, g, b := hexColor("#e0e0e0")
	d.f.SetDrawColor(r, g, b)
	d.f.SetLineWidth(0.5)
	y := d.f.GetY()
	d.f.Line(margin, y, d.pageWidth()-margin, y)
}

func (d *document) bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := d.f.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// section prints the non-zero items under heading and returns their sum.
func (d *document) section(heading, totalLabel string, items []lineItem) float64 {
	d.text(16, colorHead, "", "L", heading)
	d.gap(0.5)
	total := 0.0
	for _, it := range items {
		if it.value > 0 {
			d.text(11, colorBody, "", "L", fmt.Sprintf("%s: CHF %s", it.label, FormatCurrency(it.value)))
			total += it.value
		}
	}
	d.gap(0.5)
	d.text(12, colorBrand, "B", "L", fmt.Sprintf("%s: CHF %s", totalLabel, FormatCurrency(total)))
	d.gap(1.5)
	return total
}

// TaxReturn renders the Canton Zurich tax return summary for data.
func TaxReturn(data model.TaxData) ([]byte, error) {
	d := newDocument("Swiss Tax Return Summary")
	p := data.PersonalInfo

	d.text(20, colorBrand, "", "C", "Swiss Tax Return Summary")
	d.text(12, colorMuted, "", "C", fmt.Sprintf("Canton Zurich - Tax Year %d", data.TaxYear))
	d.gap(2)

	d.text(16, colorHead, "", "L", "Personal Information")
	d.gap(0.5)
	for _, line := range []string{
		"Name: " + strings.TrimSpace(p.FirstName+" "+p.LastName),
		"Date of Birth: " + p.DateOfBirth,
		"Address: " + p.Address,
		"Municipality: " + p.Municipality,
		"Marital Status: " + capitalize(string(p.MaritalStatus)),
	} {
		d.text(11, colorBody, "", "L", line)
	}
	d.gap(1.5)

	totalIncome := d.section("Income", "Total Income", []lineItem{
		{"Employment Income", data.Income.Employment},
		{"Self-Employment Income", data.Income.SelfEmployment},
		{"Investment Income", data.Income.Investments},
		{"Rental Income", data.Income.Rental},
		{"Other Income", data.Income.Other},
	})
	totalDeductions := d.section("Deductions", "Total Deductions", []lineItem{
		{"Professional Expenses", data.Deductions.ProfessionalExpenses},
		{"Healthcare Expenses", data.Deductions.HealthcareExpenses},
		{"Pillar 3a Contributions", data.Deductions.Pillar3a},
		{"Childcare Expenses", data.Deductions.Childcare},
		{"Education Expenses", data.Deductions.Education},
		{"Commuting Expenses", data.Deductions.Commuting},
		{"Donations", data.Deductions.Donations},
	})
	if data.Wealth.Total() > 0 {
		d.section("Wealth Declaration", "Total Wealth", []lineItem{
			{"Bank Accounts", data.Wealth.BankAccounts},
			{"Securities", data.Wealth.Securities},
			{"Real Estate", data.Wealth.RealEstate},
			{"Other Assets", data.Wealth.Other},
		})
	}

	y := d.box(80, "#e3f2fd", colorBrand)
	d.f.SetXY(margin+10, y+8)
	d.text(14, colorBody, "B", "L", "Taxable Income Calculation")
	d.f.SetX(margin + 10)
	d.text(12, colorBody, "", "L", "Total Income: CHF "+FormatCurrency(totalIncome))
	d.f.SetX(margin + 10)
	d.text(12, colorBody, "", "L", "Total Deductions: CHF "+FormatCurrency(totalDeductions))
	d.f.SetX(margin + 10)
	d.text(14, colorBrand, "B", "L", "Taxable Income: CHF "+FormatCurrency(totalIncome-totalDeductions))
	d.f.SetY(y + 80)

	d.gap(3)
	d.text(9, colorMuted, "", "C", "This is a summary document generated by Tax-GPT.")
	d.text(9, colorMuted, "", "C", "Please consult with a tax professional before submitting your tax return.")
	d.text(9, colorMuted, "", "C", "Generated on: "+now().Format("02.01.2006"))

	return d.bytes()
}

// Recommendations renders the consultation transcript. System messages and blank
// messages are left out.
func Recommendations(messages []model.Message, data *model.TaxData) ([]byte, error) {
	d := newDocument("Tax-GPT AI Recommendations")

	d.text(20, colorBrand, "", "C", "Tax-GPT AI Recommendations")
	d.text(12, colorMuted, "", "C", "Canton Zurich Tax Assistant Report")
	d.gap(2)

	if data != nil {
		d.text(14, colorHead, "", "L", "Your Tax Profile Summary")
		d.gap(0.5)
		d.text(10, colorBody, "", "L", "Name: "+strings.TrimSpace(data.PersonalInfo.FirstName+" "+data.PersonalInfo.LastName))
		d.text(10, colorBody, "", "L", fmt.Sprintf("Tax Year: %d", data.TaxYear))
		d.text(10, colorBody, "", "L", "Municipality: "+data.PersonalInfo.Municipality)
		d.gap(1.5)
	}

	d.text(16, colorHead, "", "L", "AI Consultation Summary")
	d.gap(0.5)

	conversation := ConversationMessages(messages)
	for i, msg := range conversation {
		d.ensure(100)
		switch msg.Role {
		case model.RoleUser:
			d.text(11, colorBrand, "U", "L", "Your Question:")
			d.gap(0.3)
			d.text(10, colorHead, "", "L", msg.Content)
			d.gap(0.8)
		case model.RoleAssistant:
			d.text(11, colorReply, "U", "L", "AI Assistant Response:")
			d.gap(0.3)
			d.text(10, colorBody, "", "L", msg.Content)
			d.gap(1.2)
			if i < len(conversation)-1 {
				d.separator()
				d.gap(1)
			}
		}
	}

	d.gap(2)
	y := d.box(100, "#fff3cd", "#ffc107")
	d.f.SetXY(margin+10, y+10)
	d.text(12, colorBody, "BU", "L", "Important Notice")
	for _, line := range []string{
		"This document contains AI-generated recommendations based on your consultation.",
		"Please review all information carefully and consult with a qualified tax professional",
		"before submitting your tax return to the Canton Zurich authorities.",
		"Tax-GPT is an assistant tool and does not replace professional tax advice.",
	} {
		d.f.SetX(margin + 10)
		d.text(9, colorBody, "", "L", line)
	}
	d.f.SetY(y + 100)

	d.gap(3)
	d.text(9, colorMuted, "", "C", "Tax-GPT - Canton Zurich Tax Assistant")
	d.text(9, colorMuted, "", "C", "Generated on: "+now().Format("02.01.2006, 15:04:05"))

	return d.bytes()
}

// ConversationMessages drops system messages and messages without visible content.
func ConversationMessages(messages []model.Message) []model.Message {
	out := make([]model.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == model.RoleSystem || strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// FormatCurrency renders amount the Swiss way with two decimals, e.g. 85'000.00.
func FormatCurrency(amount float64) string {
	neg := amount < 0
	cents := int64(math.Round(math.Abs(amount) * 100))
	whole := fmt.Sprintf("%d", cents/100)

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte('\'')
		}
		b.WriteRune(r)
	}
	fmt.Fprintf(&b, ".%02d", cents%100)
	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func hexColor(hex string) (int, int, int) {
	var r, g, b int
	fmt.Sscanf(strings.TrimPrefix(hex, "#"), "%02x%02x%02x", &r, &g, &b)
	return r, g, b
}
