package handler

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"taxgpt-api/internal/metrics"
	"taxgpt-api/internal/middleware"
	"taxgpt-api/internal/model"
	"taxgpt-api/internal/pdf"
)

// multipart framing on top of the file itself
const uploadOverhead = 1 << 20

// HandleUploadPDF extracts text and Swiss tax amounts from an uploaded PDF.
func (h *Handler) HandleUploadPDF(w http.ResponseWriter, r *http.Request) {
	maxSize := h.config.MaxFileSize
	tooLarge := fmt.Sprintf("File too large. Maximum size is %dMB.", h.config.MaxFileSizeMB())

	r.Body = http.MaxBytesReader(w, r.Body, maxSize+uploadOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.uploadError(w, tooLarge)
			return
		}
		h.uploadError(w, "No file uploaded")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.uploadError(w, "No file uploaded")
		return
	}
	defer file.Close()

	mediaType, _, _ := mime.ParseMediaType(header.Header.Get("Content-Type"))
	if mediaType != "application/pdf" {
		h.uploadError(w, "Only PDF files are allowed")
		return
	}
	if header.Size > maxSize {
		h.uploadError(w, tooLarge)
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		middleware.LogWithTrace(r.Context()).Error("upload read failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, model.PDFExtraction{
			Success:  false,
			Error:    "Failed to process PDF",
			FileName: header.Filename,
		})
		return
	}
	if int64(len(data)) > maxSize {
		h.uploadError(w, tooLarge)
		return
	}
	metrics.UploadBytes.Observe(float64(len(data)))

	result := pdf.Extract(data, header.Filename)
	if !result.Success {
		middleware.LogWithTrace(r.Context()).Warn("pdf extraction failed", "file", header.Filename, "error", result.Error)
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) uploadError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Success: false, Error: message})
}
