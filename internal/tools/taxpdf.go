package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taxgpt-api/internal/model"
	"taxgpt-api/internal/pdf"
)

// DownloadPrefix is the route generated files are served under.
const DownloadPrefix = "/downloads/"

type PDFArgs struct {
	TaxData  model.TaxData `json:"taxData"`
	FileName string        `json:"fileName,omitempty"`
}

type PDFResult struct {
	Success      bool   `json:"success"`
	FileName     string `json:"fileName,omitempty"`
	DownloadPath string `json:"downloadPath,omitempty"`
	DownloadURL  string `json:"downloadUrl,omitempty"`
	Message      string `json:"message"`
	Error        string `json:"error,omitempty"`
}

// PDFWriter renders tax returns into Dir. Filenames carry a personalization string and a
// millisecond timestamp, so concurrent writers do not collide.
type PDFWriter struct {
	Dir     string
	BaseURL string
	Now     func() time.Time
}

func (w *PDFWriter) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// FileName builds the output name for args at t.
func FileName(args PDFArgs, t time.Time) string {
	ts := strings.NewReplacer(":", "-", ".", "-").Replace(model.Timestamp(t))
	if name := sanitizeName(args.FileName); name != "" {
		return fmt.Sprintf("%s_%s.pdf", name, ts)
	}
	last := sanitizeName(args.TaxData.PersonalInfo.LastName)
	if last == "" {
		last = "Unknown"
	}
	return fmt.Sprintf("Tax_Return_%s_%d_%s.pdf", last, args.TaxData.TaxYear, ts)
}

func sanitizeName(s string) string {
	s = strings.TrimSuffix(strings.TrimSpace(s), ".pdf")
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return -1
		case ' ':
			return '_'
		}
		return r
	}, strings.ReplaceAll(s, "..", ""))
}

func (w *PDFWriter) Write(args PDFArgs) PDFResult {
	data, err := pdf.TaxReturn(args.TaxData)
	if err != nil {
		return pdfFailure(err)
	}
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return pdfFailure(err)
	}
	name := FileName(args, w.now())
	if err := os.WriteFile(filepath.Join(w.Dir, name), data, 0644); err != nil {
		return pdfFailure(err)
	}

	p := args.TaxData.PersonalInfo
	downloadPath := DownloadPrefix + url.PathEscape(name)
	return PDFResult{
		Success:      true,
		FileName:     name,
		DownloadPath: downloadPath,
		DownloadURL:  strings.TrimRight(w.BaseURL, "/") + downloadPath,
		Message: fmt.Sprintf("Successfully generated tax return PDF for %s %s (Tax Year %d). File size: %.2f KB. "+
			"The PDF includes income summary, deductions, wealth declaration, and taxable income calculation.",
			p.FirstName, p.LastName, args.TaxData.TaxYear, float64(len(data))/1024),
	}
}

func pdfFailure(err error) PDFResult {
	return PDFResult{
		Success: false,
		Message: "Failed to generate PDF document",
		Error:   err.Error(),
	}
}

func (w *PDFWriter) Tool() Tool {
	return Tool{
		Name: GenerateTaxPDF,
		Description: "Generates a PDF document containing a comprehensive tax return summary with income, deductions, " +
			"and wealth information for Canton Zurich in English. Use this when the user asks to generate, create, " +
			"or download a PDF of their tax data or tax return summary.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "taxData": {
      "type": "object",
      "description": "The Swiss tax data to generate the PDF from",
      "properties": {
        "taxYear": {"type": "integer"},
        "personalInfo": {
          "type": "object",
          "properties": {
            "firstName": {"type": "string"},
            "lastName": {"type": "string"},
            "dateOfBirth": {"type": "string"},
            "address": {"type": "string"},
            "municipality": {"type": "string"},
            "maritalStatus": {"enum": ["single", "married", "divorced", "widowed"]}
          },
          "required": ["firstName", "lastName", "dateOfBirth", "address", "municipality", "maritalStatus"]
        },
        "income": {
          "type": "object",
          "properties": {
            "employment": {"type": "number"},
            "selfEmployment": {"type": "number"},
            "investments": {"type": "number"},
            "rental": {"type": "number"},
            "other": {"type": "number"}
          }
        },
        "deductions": {
          "type": "object",
          "properties": {
            "professionalExpenses": {"type": "number"},
            "healthcareExpenses": {"type": "number"},
            "pillar3a": {"type": "number"},
            "childcare": {"type": "number"},
            "education": {"type": "number"},
            "commuting": {"type": "number"},
            "donations": {"type": "number"}
          }
        },
        "wealth": {
          "type": "object",
          "properties": {
            "bankAccounts": {"type": "number"},
            "securities": {"type": "number"},
            "realEstate": {"type": "number"},
            "other": {"type": "number"}
          }
        }
      },
      "required": ["taxYear", "personalInfo", "income", "deductions"]
    },
    "fileName": {"type": "string", "description": "Optional custom filename for the PDF (without extension)"}
  },
  "required": ["taxData"]
}`),
		Execute: func(_ context.Context, raw json.RawMessage) (any, error) {
			var args PDFArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
			}
			return w.Write(args), nil
		},
	}
}

// Default registers every tool with generated PDFs written by w.
func Default(w *PDFWriter) (*Registry, error) {
	return NewRegistry(TaxDataTool(), DeductionsTool(), w.Tool())
}
