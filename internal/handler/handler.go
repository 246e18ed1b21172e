package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"taxgpt-api/internal/agent"
	"taxgpt-api/internal/config"
	"taxgpt-api/internal/debug"
	"taxgpt-api/internal/formcache"
	"taxgpt-api/internal/middleware"
	"taxgpt-api/internal/model"
	"taxgpt-api/internal/prompt"
)

type Handler struct {
	config    *config.Config
	source    agent.Source
	formCache formcache.Cache
	upgrader  websocket.Upgrader
	now       func() time.Time
	keepAlive time.Duration
}

func New(cfg *config.Config, source agent.Source) *Handler {
	return &Handler{
		config: cfg,
		source: source,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		now: time.Now,
	}
}

func (h *Handler) SetFormCache(cache formcache.Cache) {
	h.formCache = cache
}

// Limits are the per-route guards applied by Routes. Nil fields are skipped.
type Limits struct {
	Chat   *middleware.ConcurrencyLimiter
	Upload *middleware.RateLimiter
}

// Routes registers every endpoint. Unmatched requests, including a known path with
// the wrong method, get the JSON 404.
func (h *Handler) Routes(l Limits) *http.ServeMux {
	chat := func(f http.HandlerFunc) http.HandlerFunc {
		if l.Chat == nil {
			return f
		}
		return l.Chat.Limit(f)
	}
	upload := func(f http.HandlerFunc) http.HandlerFunc {
		if l.Upload == nil {
			return f
		}
		return l.Upload.Limit(f)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", chat(h.HandleChat))
	mux.HandleFunc("POST /api/chat/stream", chat(h.HandleChatStream))
	mux.HandleFunc("POST /api/chat/stream-with-tools", chat(h.HandleChatStreamWithTools))
	mux.HandleFunc("POST /api/chat/generate-form", chat(h.HandleGenerateForm))
	mux.HandleFunc("GET /api/chat/ws", chat(h.HandleChatWS))
	mux.HandleFunc("GET /api/tax-data", h.HandleTaxData)
	mux.HandleFunc("GET /api/tax-data/scenarios", h.HandleScenarios)
	mux.HandleFunc("POST /api/upload/pdf", upload(h.HandleUploadPDF))
	mux.HandleFunc("POST /api/pdf/generate-ai-recommendations", h.HandleRecommendationsPDF)
	mux.HandleFunc("POST /api/pdf/generate-tax-return", h.HandleTaxReturnPDF)
	mux.HandleFunc("GET /api/health", h.HandleHealth)
	mux.HandleFunc("GET /downloads/{file}", h.HandleDownload)
	mux.HandleFunc("/", h.HandleNotFound)
	return mux
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"message":   "Tax-GPT server is running",
		"timestamp": h.timestamp(),
	})
}

func (h *Handler) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error":   "Not Found",
		"message": "Cannot " + r.Method + " " + r.URL.Path,
		"path":    r.URL.Path,
	})
}

func (h *Handler) timestamp() string {
	return model.Timestamp(h.now())
}

func (h *Handler) newDebugLogger() *debug.Logger {
	return debug.New(h.config.DebugEnabled, h.config.DebugLogSSE)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the failure shape of every JSON endpoint.
type errorBody struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Success: false, Error: message, Timestamp: h.timestamp()})
}

// decodeBody reads a JSON request body into v. Bodies over limit bytes are rejected.
func decodeBody(r *http.Request, v interface{}, limit int64) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return err
	}
	if int64(len(body)) > limit {
		return errBodyTooLarge
	}
	if len(body) == 0 {
		return errEmptyBody
	}
	return json.Unmarshal(body, v)
}

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is empty")
)

const maxJSONBody = 4 << 20

func promptTurns(p prompt.Result) []debug.PromptTurn {
	turns := make([]debug.PromptTurn, len(p.Turns))
	for i, t := range p.Turns {
		turns[i] = debug.PromptTurn{Role: string(t.Role), Content: t.Content}
	}
	return turns
}
