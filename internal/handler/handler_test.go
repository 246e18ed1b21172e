package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"taxgpt-api/internal/agent"
	"taxgpt-api/internal/agent/agenttest"
	"taxgpt-api/internal/config"
	"taxgpt-api/internal/formcache"
	"taxgpt-api/internal/model"
	"taxgpt-api/internal/pdf"
	"taxgpt-api/internal/sse"
	"taxgpt-api/internal/taxdata"
)

var fixedNow = time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)

func newTestHandler(t *testing.T, src agent.Source) (*Handler, http.Handler) {
	t.Helper()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.GeneratedPDFDir = t.TempDir()
	cfg.MaxFileSize = 64 << 10

	h := New(cfg, src)
	h.now = func() time.Time { return fixedNow }
	h.keepAlive = -1
	return h, h.Routes(Limits{})
}

func do(t *testing.T, mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func frames(t *testing.T, body string) []sse.Event {
	t.Helper()
	var out []sse.Event
	for _, part := range strings.Split(body, "\n\n") {
		if part == "" {
			continue
		}
		ev, ok, err := sse.ParseFrame([]byte(part))
		if err != nil {
			t.Fatalf("frame %q: %v", part, err)
		}
		if ok {
			out = append(out, ev)
		}
	}
	return out
}

func frameTypes(events []sse.Event) string {
	parts := make([]string, len(events))
	for i, ev := range events {
		parts[i] = string(ev.Type)
	}
	return strings.Join(parts, ",")
}

func TestHealth(t *testing.T) {
	_, mux := newTestHandler(t, agenttest.Replay())
	rec := do(t, mux, http.MethodGet, "/api/health", "")
	var body map[string]string
	decode(t, rec, &body)
	if rec.Code != http.StatusOK || body["status"] != "ok" || body["message"] != "Tax-GPT server is running" {
		t.Fatalf("status=%d body=%v", rec.Code, body)
	}
	if body["timestamp"] != "2025-04-02T09:30:00.000Z" {
		t.Fatalf("timestamp=%q", body["timestamp"])
	}
}

func TestNotFoundFallback(t *testing.T) {
	_, mux := newTestHandler(t, agenttest.Replay())
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/nope"},
		{http.MethodGet, "/api/chat"},
	} {
		rec := do(t, mux, tc.method, tc.path, "")
		var body map[string]string
		decode(t, rec, &body)
		if rec.Code != http.StatusNotFound || body["error"] != "Not Found" || body["message"] != "Cannot "+tc.method+" "+tc.path || body["path"] != tc.path {
			t.Fatalf("%s %s: status=%d body=%v", tc.method, tc.path, rec.Code, body)
		}
	}
}

func TestEmptyMessageIsRejectedBeforeStreaming(t *testing.T) {
	src := agenttest.Replay(agenttest.Text("never"))
	_, mux := newTestHandler(t, src)

	for _, path := range []string{"/api/chat", "/api/chat/stream", "/api/chat/stream-with-tools"} {
		rec := do(t, mux, http.MethodPost, path, `{"message":"   ","conversationHistory":[]}`)
		var body errorBody
		decode(t, rec, &body)
		if rec.Code != http.StatusBadRequest || body.Success || body.Error != "Message is required" {
			t.Fatalf("%s: status=%d body=%+v", path, rec.Code, body)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("%s: content-type=%q", path, ct)
		}
	}
	if n := len(src.Requests()); n != 0 {
		t.Fatalf("agent called %d times for empty messages", n)
	}
}

func TestChatNonStreaming(t *testing.T) {
	src := &agenttest.Source{Reply: "Grüezi! How can I help?"}
	_, mux := newTestHandler(t, src)

	rec := do(t, mux, http.MethodPost, "/api/chat", `{"message":" hello ","conversationHistory":[{"role":"user","content":"hi","timestamp":"x"}]}`)
	var body model.ChatResponse
	decode(t, rec, &body)
	if rec.Code != http.StatusOK || !body.Success || body.Message != "Grüezi! How can I help?" {
		t.Fatalf("status=%d body=%+v", rec.Code, body)
	}
	req := src.Requests()[0]
	if req.Message != "hello" || len(req.History) != 1 || !req.NoTools {
		t.Fatalf("agent request=%+v", req)
	}
}

func TestChatNonStreamingFailure(t *testing.T) {
	src := &agenttest.Source{GenerateErr: errors.New("model not loaded")}
	_, mux := newTestHandler(t, src)
	rec := do(t, mux, http.MethodPost, "/api/chat", `{"message":"hello"}`)
	var body errorBody
	decode(t, rec, &body)
	if rec.Code != http.StatusInternalServerError || body.Error != "model not loaded" {
		t.Fatalf("status=%d body=%+v", rec.Code, body)
	}
}

func TestStreamWithTools(t *testing.T) {
	src := agenttest.Replay(
		agent.Event{Kind: agent.KindStart},
		agenttest.ToolCall("get-tax-data", "call_1", map[string]string{"scenario": "single"}),
		agenttest.ToolResult("get-tax-data", "call_1", map[string]interface{}{"success": true, "scenario": "single"}),
		agenttest.Text("Loaded"),
		agenttest.Finish("stop"),
	)
	_, mux := newTestHandler(t, src)
	rec := do(t, mux, http.MethodPost, "/api/chat/stream-with-tools", `{"message":"Get my single tax data"}`)

	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("status=%d content-type=%q", rec.Code, rec.Header().Get("Content-Type"))
	}
	events := frames(t, rec.Body.String())
	if got, want := frameTypes(events), "connected,tool-call,tool-result,chunk,done"; got != want {
		t.Fatalf("frames=%s want=%s", got, want)
	}
	if src.Requests()[0].NoTools {
		t.Fatalf("tool stream must declare tools")
	}
}

func TestStreamTextOnly(t *testing.T) {
	src := agenttest.Replay(
		agent.Event{Kind: agent.KindReasoningDelta, Text: "hmm"},
		agenttest.Text("Hi"),
		agenttest.Text(" there"),
		agent.Event{Kind: agent.KindStepFinish},
		agenttest.Finish("stop"),
	)
	_, mux := newTestHandler(t, src)
	rec := do(t, mux, http.MethodPost, "/api/chat/stream", `{"message":"hello"}`)

	events := frames(t, rec.Body.String())
	if got := frameTypes(events); got != "connected,chunk,chunk,done" {
		t.Fatalf("frames=%s", got)
	}
	if !src.Requests()[0].NoTools {
		t.Fatalf("plain stream must not declare tools")
	}
}

func TestStreamOpenFailureIsJSON(t *testing.T) {
	src := &agenttest.Source{OpenErr: errors.New("connection refused")}
	_, mux := newTestHandler(t, src)
	rec := do(t, mux, http.MethodPost, "/api/chat/stream-with-tools", `{"message":"hello"}`)

	var body errorBody
	decode(t, rec, &body)
	if rec.Code != http.StatusInternalServerError || body.Success || body.Error != "connection refused" {
		t.Fatalf("status=%d body=%+v", rec.Code, body)
	}
}

func TestStreamMidStreamFailureIsErrorFrame(t *testing.T) {
	src := agenttest.Replay(agenttest.Text("partial"))
	src.RecvErr = errors.New("tool crashed")
	_, mux := newTestHandler(t, src)
	rec := do(t, mux, http.MethodPost, "/api/chat/stream-with-tools", `{"message":"hello"}`)

	events := frames(t, rec.Body.String())
	if got := frameTypes(events); got != "connected,chunk,error" {
		t.Fatalf("frames=%s", got)
	}
	if events[2].Error != "tool crashed" {
		t.Fatalf("error=%q", events[2].Error)
	}
}

func TestGenerateFormUsesCache(t *testing.T) {
	src := &agenttest.Source{Reply: "## Summary"}
	h, mux := newTestHandler(t, src)
	h.SetFormCache(formcache.NewMemoryCache(8, 0))

	data, _ := taxdata.Lookup(taxdata.ScenarioMarried)
	body, _ := json.Marshal(map[string]interface{}{"taxData": data})

	var first, second generateFormResponse
	decode(t, do(t, mux, http.MethodPost, "/api/chat/generate-form", string(body)), &first)
	decode(t, do(t, mux, http.MethodPost, "/api/chat/generate-form", string(body)), &second)

	if !first.Success || first.Cached || first.Message != "## Summary" {
		t.Fatalf("first=%+v", first)
	}
	if !second.Cached || second.Message != "## Summary" {
		t.Fatalf("second=%+v", second)
	}
	if n := len(src.Requests()); n != 1 {
		t.Fatalf("model called %d times", n)
	}
	if !strings.Contains(src.Requests()[0].Message, "Weber") {
		t.Fatalf("prompt does not carry the tax data: %q", src.Requests()[0].Message)
	}
}

func TestGenerateFormRequiresTaxData(t *testing.T) {
	_, mux := newTestHandler(t, &agenttest.Source{})
	rec := do(t, mux, http.MethodPost, "/api/chat/generate-form", `{}`)
	var body errorBody
	decode(t, rec, &body)
	if rec.Code != http.StatusBadRequest || body.Error != "Tax data is required" {
		t.Fatalf("status=%d body=%+v", rec.Code, body)
	}
}

func TestTaxData(t *testing.T) {
	_, mux := newTestHandler(t, agenttest.Replay())

	var single taxDataResponse
	decode(t, do(t, mux, http.MethodGet, "/api/tax-data", ""), &single)
	if !single.Success || single.Scenario != "single" || single.Data == nil || single.Data.PersonalInfo.LastName != "Müller" {
		t.Fatalf("default scenario=%+v", single)
	}

	rec := do(t, mux, http.MethodGet, "/api/tax-data?scenario=retired", "")
	var missing taxDataResponse
	decode(t, rec, &missing)
	if rec.Code != http.StatusNotFound || missing.Success || !strings.Contains(missing.Error, "retired") {
		t.Fatalf("status=%d body=%+v", rec.Code, missing)
	}

	var list struct {
		Success   bool             `json:"success"`
		Scenarios []model.Scenario `json:"scenarios"`
	}
	decode(t, do(t, mux, http.MethodGet, "/api/tax-data/scenarios", ""), &list)
	if !list.Success || len(list.Scenarios) != 3 || list.Scenarios[0].ID != "single" {
		t.Fatalf("scenarios=%+v", list)
	}
}

func multipartUpload(t *testing.T, field, fileName, contentType string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+fileName+`"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(data)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload/pdf", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadRejectsNonPDF(t *testing.T) {
	_, mux := newTestHandler(t, agenttest.Replay())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, multipartUpload(t, "file", "notes.txt", "text/plain", []byte("Bruttolohn 85'000")))

	var body errorBody
	decode(t, rec, &body)
	if rec.Code != http.StatusBadRequest || body.Error != "Only PDF files are allowed" {
		t.Fatalf("status=%d body=%+v", rec.Code, body)
	}
}

func TestUploadWithoutFile(t *testing.T) {
	_, mux := newTestHandler(t, agenttest.Replay())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, multipartUpload(t, "document", "a.pdf", "application/pdf", []byte("%PDF")))

	var body errorBody
	decode(t, rec, &body)
	if rec.Code != http.StatusBadRequest || body.Error != "No file uploaded" {
		t.Fatalf("status=%d body=%+v", rec.Code, body)
	}
}

func TestUploadTooLarge(t *testing.T) {
	h, mux := newTestHandler(t, agenttest.Replay())
	h.config.MaxFileSize = 1 << 20
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, multipartUpload(t, "file", "big.pdf", "application/pdf", bytes.Repeat([]byte("x"), 1<<20+10)))

	var body errorBody
	decode(t, rec, &body)
	if rec.Code != http.StatusBadRequest || body.Error != "File too large. Maximum size is 1MB." {
		t.Fatalf("status=%d body=%+v", rec.Code, body)
	}
}

func TestUploadExtractsPDF(t *testing.T) {
	data, _ := taxdata.Lookup(taxdata.ScenarioSingle)
	doc, err := pdf.TaxReturn(data)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	h, mux := newTestHandler(t, agenttest.Replay())
	h.config.MaxFileSize = int64(len(doc)) + 1024

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, multipartUpload(t, "file", "return.pdf", "application/pdf", doc))
	var body model.PDFExtraction
	decode(t, rec, &body)
	if rec.Code != http.StatusOK || body.FileName != "return.pdf" {
		t.Fatalf("status=%d body=%+v", rec.Code, body)
	}
}

func TestRecommendationsPDF(t *testing.T) {
	_, mux := newTestHandler(t, agenttest.Replay())
	rec := do(t, mux, http.MethodPost, "/api/pdf/generate-ai-recommendations",
		`{"messages":[{"role":"user","content":"How much can I deduct?","timestamp":"2025-04-02T09:00:00.000Z"},
{"role":"assistant","content":"Up to CHF 7,056 for pillar 3a.","timestamp":"2025-04-02T09:00:05.000Z"}]}`)

	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/pdf" {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="Tax_GPT_Recommendations_2025-04-02.pdf"` {
		t.Fatalf("content-disposition=%q", got)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")) {
		t.Fatalf("body is not a PDF")
	}
	if rec.Header().Get("Content-Length") == "" {
		t.Fatalf("missing content-length")
	}
}

func TestRecommendationsPDFRequiresMessages(t *testing.T) {
	_, mux := newTestHandler(t, agenttest.Replay())
	for _, body := range []string{`{}`, `{"messages":"hi"}`} {
		rec := do(t, mux, http.MethodPost, "/api/pdf/generate-ai-recommendations", body)
		var resp errorBody
		decode(t, rec, &resp)
		if rec.Code != http.StatusBadRequest || resp.Error != "Messages array is required" {
			t.Fatalf("%s: status=%d body=%+v", body, rec.Code, resp)
		}
	}
}

func TestTaxReturnPDF(t *testing.T) {
	_, mux := newTestHandler(t, agenttest.Replay())
	data, _ := taxdata.Lookup(taxdata.ScenarioFreelancer)
	body, _ := json.Marshal(map[string]interface{}{"taxData": data})

	rec := do(t, mux, http.MethodPost, "/api/pdf/generate-tax-return", string(body))
	want := `attachment; filename="Tax_Return_` + data.PersonalInfo.LastName + `_2024.pdf"`
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Disposition") != want {
		t.Fatalf("status=%d disposition=%q", rec.Code, rec.Header().Get("Content-Disposition"))
	}

	rec = do(t, mux, http.MethodPost, "/api/pdf/generate-tax-return", `{}`)
	var resp errorBody
	decode(t, rec, &resp)
	if rec.Code != http.StatusBadRequest || resp.Error != "Tax data is required" {
		t.Fatalf("status=%d body=%+v", rec.Code, resp)
	}
}

func TestDownloadServesGeneratedFiles(t *testing.T) {
	h, mux := newTestHandler(t, agenttest.Replay())
	path := filepath.Join(h.config.GeneratedPDFDir, "Tax_Return_Muller_2024_x.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.3 test"), 0644); err != nil {
		t.Fatal(err)
	}

	rec := do(t, mux, http.MethodGet, "/downloads/Tax_Return_Muller_2024_x.pdf", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "%PDF-1.3 test" {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
	for _, p := range []string{"/downloads/missing.pdf", "/downloads/config.json"} {
		if rec := do(t, mux, http.MethodGet, p, ""); rec.Code != http.StatusNotFound {
			t.Fatalf("%s: status=%d", p, rec.Code)
		}
	}
}

func TestChatWebSocket(t *testing.T) {
	src := agenttest.Replay(agenttest.Text("Hi"), agenttest.Finish("stop"))
	_, mux := newTestHandler(t, src)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/chat/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(model.ChatRequest{Message: "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got []sse.Event
	for {
		var ev sse.Event
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		got = append(got, ev)
	}
	if types := frameTypes(got); types != "connected,chunk,done" {
		t.Fatalf("frames=%s", types)
	}
}

func TestChatWebSocketEmptyMessage(t *testing.T) {
	src := agenttest.Replay(agenttest.Text("never"))
	_, mux := newTestHandler(t, src)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/chat/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.WriteJSON(model.ChatRequest{Message: " "})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev sse.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != sse.TypeError || ev.Error != "Message is required" {
		t.Fatalf("frame=%+v", ev)
	}
	if len(src.Requests()) != 0 {
		t.Fatalf("agent called for an empty message")
	}
}
