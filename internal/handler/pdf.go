package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"taxgpt-api/internal/middleware"
	"taxgpt-api/internal/model"
	"taxgpt-api/internal/pdf"
)

type recommendationsRequest struct {
	Messages json.RawMessage `json:"messages"`
	TaxData  *model.TaxData  `json:"taxData"`
}

// HandleRecommendationsPDF renders the conversation and optional tax data as a download.
func (h *Handler) HandleRecommendationsPDF(w http.ResponseWriter, r *http.Request) {
	var req recommendationsRequest
	if err := decodeBody(r, &req, maxJSONBody); err != nil && !errors.Is(err, errEmptyBody) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	var messages []model.Message
	if !bytes.HasPrefix(bytes.TrimSpace(req.Messages), []byte("[")) || json.Unmarshal(req.Messages, &messages) != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Success: false, Error: "Messages array is required"})
		return
	}

	data, err := pdf.Recommendations(messages, req.TaxData)
	if err != nil {
		middleware.LogWithTrace(r.Context()).Error("recommendations pdf failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Success: false, Error: errorMessage(err, "Failed to generate PDF")})
		return
	}
	name := fmt.Sprintf("Tax_GPT_Recommendations_%s.pdf", h.now().UTC().Format("2006-01-02"))
	writePDF(w, name, data)
}

type taxReturnRequest struct {
	TaxData *model.TaxData `json:"taxData"`
}

func (h *Handler) HandleTaxReturnPDF(w http.ResponseWriter, r *http.Request) {
	var req taxReturnRequest
	if err := decodeBody(r, &req, maxJSONBody); err != nil && !errors.Is(err, errEmptyBody) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TaxData == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Success: false, Error: "Tax data is required"})
		return
	}

	data, err := pdf.TaxReturn(*req.TaxData)
	if err != nil {
		middleware.LogWithTrace(r.Context()).Error("tax return pdf failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Success: false, Error: errorMessage(err, "Failed to generate PDF")})
		return
	}
	name := fmt.Sprintf("Tax_Return_%s_%d.pdf", req.TaxData.PersonalInfo.LastName, req.TaxData.TaxYear)
	writePDF(w, name, data)
}

func writePDF(w http.ResponseWriter, name string, data []byte) {
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// HandleDownload serves a PDF written by the generate-tax-pdf tool.
func (h *Handler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("file")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || !strings.EqualFold(filepath.Ext(name), ".pdf") {
		h.HandleNotFound(w, r)
		return
	}
	f, err := os.Open(filepath.Join(h.config.GeneratedPDFDir, name))
	if err != nil {
		h.HandleNotFound(w, r)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		h.HandleNotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	http.ServeContent(w, r, name, info.ModTime(), f)
}
