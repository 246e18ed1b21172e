package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"taxgpt-api/internal/client"
	"taxgpt-api/internal/conversation"
	"taxgpt-api/internal/model"
	"taxgpt-api/internal/taxdata"
)

func newTestApp(t *testing.T, mux *http.ServeMux) (*app, *bytes.Buffer) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	var out bytes.Buffer
	return &app{
		api:     client.New(srv.URL),
		session: conversation.NewSession(conversation.Options{BaseURL: srv.URL, Greeting: "-"}),
		out:     &out,
	}, &out
}

func TestLoadConfirmAndReturnPDF(t *testing.T) {
	married, _ := taxdata.Lookup("married")
	var got model.TaxData
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tax-data", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true, "data": married})
	})
	mux.HandleFunc("POST /api/pdf/generate-tax-return", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TaxData model.TaxData `json:"taxData"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		got = body.TaxData
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="../Tax_Return_Weber_2024.pdf"`)
		w.Write([]byte("%PDF-1.3"))
	})
	a, out := newTestApp(t, mux)

	if _, err := a.handleCommand("/confirm"); err == nil {
		t.Fatal("expected error when nothing is pending")
	}
	if _, err := a.handleCommand("/load married"); err != nil {
		t.Fatalf("/load: %v", err)
	}
	if !strings.Contains(out.String(), "married scenario") {
		t.Fatalf("pending data not shown: %q", out.String())
	}
	if _, err := a.handleCommand("/confirm"); err != nil {
		t.Fatalf("/confirm: %v", err)
	}
	if _, ok := a.session.TaxData(); !ok {
		t.Fatal("tax data should be active after /confirm")
	}

	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	if _, err := a.handleCommand("/return"); err != nil {
		t.Fatalf("/return: %v", err)
	}
	if got.PersonalInfo.LastName != "Weber" {
		t.Fatalf("server got %+v", got.PersonalInfo)
	}
	data, err := os.ReadFile(filepath.Join(dir, "Tax_Return_Weber_2024.pdf"))
	if err != nil {
		t.Fatalf("saved pdf: %v", err)
	}
	if string(data) != "%PDF-1.3" {
		t.Fatalf("saved %q", data)
	}
}

func TestQuotedArgumentsAndUnknownCommand(t *testing.T) {
	var uploaded string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/upload/pdf", func(w http.ResponseWriter, r *http.Request) {
		_, hdr, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		uploaded = hdr.Filename
		json.NewEncoder(w).Encode(model.PDFExtraction{
			Success:  true,
			FileName: hdr.Filename,
			NumPages: 1,
			ExtractedData: &model.PartialTaxData{
				Income: &model.Income{Employment: 85000},
			},
		})
	})
	a, out := newTestApp(t, mux)

	path := filepath.Join(t.TempDir(), "Lohn ausweis.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := a.handleCommand(`/upload "` + path + `"`); err != nil {
		t.Fatalf("/upload: %v", err)
	}
	if uploaded != "Lohn ausweis.pdf" {
		t.Fatalf("uploaded %q", uploaded)
	}
	if !strings.Contains(out.String(), "CHF 85'000") {
		t.Fatalf("extracted salary not shown: %q", out.String())
	}

	if _, err := a.handleCommand(`/upload "unterminated`); err == nil {
		t.Fatal("expected quoting error")
	}
	if _, err := a.handleCommand("/bogus"); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("err=%v", err)
	}
	if keep, _ := a.handleCommand("/quit"); keep {
		t.Fatal("/quit should stop the client")
	}
}
