package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestTraceMiddlewareReusesIncomingID(t *testing.T) {
	var seen string
	h := TraceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetTraceID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set(RequestIDHeader, "abc123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "abc123" || rec.Header().Get(TraceIDHeader) != "abc123" {
		t.Fatalf("trace id seen=%q header=%q", seen, rec.Header().Get(TraceIDHeader))
	}
}

func TestTraceMiddlewareGeneratesID(t *testing.T) {
	rec := httptest.NewRecorder()
	TraceMiddleware(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if id := rec.Header().Get(TraceIDHeader); len(id) != 32 {
		t.Fatalf("generated id=%q", id)
	}
}

func TestLoggingMiddlewareCapturesStatus(t *testing.T) {
	var wrapped *TracedResponseWriter
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped = w.(*TracedResponseWriter)
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/chat", nil))
	if wrapped.StatusCode != http.StatusTeapot || wrapped.BytesWritten != 15 {
		t.Fatalf("status=%d bytes=%d", wrapped.StatusCode, wrapped.BytesWritten)
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/downloads/Tax_Return_Muller_2024.pdf": "/downloads/",
		"/api/chat/stream":                      "/api/chat/stream",
		"/wp-admin":                             "other",
	}
	for in, want := range cases {
		if got := routeLabel(in); got != want {
			t.Errorf("routeLabel(%q)=%q want %q", in, got, want)
		}
	}
}

func TestRecoveryMiddlewareReturnsJSON(t *testing.T) {
	h := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rec.Code)
	}
	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Success || body.Error == "" {
		t.Fatalf("body=%s err=%v", rec.Body.String(), err)
	}
}

func TestCORSPreflight(t *testing.T) {
	called := false
	h := CORS("http://localhost:4200")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "http://localhost:4200")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if called || rec.Code != http.StatusNoContent {
		t.Fatalf("preflight reached handler=%v status=%d", called, rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:4200" {
		t.Fatalf("allow-origin=%q", got)
	}
}

func TestCORSRejectsOtherOrigin(t *testing.T) {
	h := CORS("http://localhost:4200")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("allow-origin=%q", got)
	}
}

func TestCORSWildcard(t *testing.T) {
	rec := httptest.NewRecorder()
	CORS("*")(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin=%q", got)
	}
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatalf("burst not honoured")
	}
	if rl.Allow("a") {
		t.Fatalf("third request within burst window allowed")
	}
	if !rl.Allow("b") {
		t.Fatalf("other client throttled")
	}
	now = now.Add(time.Second)
	if !rl.Allow("a") {
		t.Fatalf("token not refilled")
	}
}

func TestRateLimiterReturns429(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	h := rl.Limit(func(w http.ResponseWriter, r *http.Request) {})

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/upload/pdf", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		h(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d status=%d want %d", i, rec.Code, want)
		}
	}
}

func TestConcurrencyLimiterRejectsWhenBusy(t *testing.T) {
	cl := NewConcurrencyLimiter(1, 50*time.Millisecond, false)
	release := make(chan struct{})
	started := make(chan struct{})
	h := cl.Limit(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/chat", nil))
	}()
	<-started

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/api/chat", nil))
	close(release)
	wg.Wait()

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rec.Code)
	}
	if active, admitted, rejected := cl.Stats(); active != 0 || admitted != 1 || rejected != 1 {
		t.Fatalf("active=%d admitted=%d rejected=%d", active, admitted, rejected)
	}
}

func TestConcurrencyLimiterAdaptiveWait(t *testing.T) {
	cl := NewConcurrencyLimiter(4, time.Minute, true)
	if got := cl.queueWait(); got != maxQueueWait {
		t.Fatalf("wait before samples=%v", got)
	}
	for i := 1; i <= 20; i++ {
		cl.latency.add(time.Duration(i) * time.Second)
	}
	// p95 of 1s..20s is 20s; 1.5x that is 30s.
	if got := cl.queueWait(); got != 30*time.Second {
		t.Fatalf("wait=%v", got)
	}
	short := NewConcurrencyLimiter(4, time.Minute, true)
	for i := 0; i < 10; i++ {
		short.latency.add(100 * time.Millisecond)
	}
	if got := short.queueWait(); got != minQueueWait {
		t.Fatalf("wait should clamp to %v, got %v", minQueueWait, got)
	}
}

func TestConcurrencyLimiterBoundsExecution(t *testing.T) {
	cl := NewConcurrencyLimiter(2, 20*time.Millisecond, false)
	var deadline bool
	h := cl.Limit(func(w http.ResponseWriter, r *http.Request) {
		_, deadline = r.Context().Deadline()
	})
	h(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/chat", nil).WithContext(context.Background()))
	if !deadline {
		t.Fatalf("request context has no deadline")
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mk := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	Chain(mk("a"), mk("b"))(http.NotFoundHandler()).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order=%v", order)
	}
}
