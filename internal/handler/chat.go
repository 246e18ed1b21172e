package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"taxgpt-api/internal/agent"
	"taxgpt-api/internal/debug"
	"taxgpt-api/internal/formcache"
	"taxgpt-api/internal/metrics"
	"taxgpt-api/internal/middleware"
	"taxgpt-api/internal/model"
	"taxgpt-api/internal/prompt"
	"taxgpt-api/internal/relay"
	"taxgpt-api/internal/sse"
	"taxgpt-api/internal/upstream"
)

const wsHandshakeWait = 30 * time.Second

// readChatRequest decodes and validates a chat body, writing the 400 itself.
func (h *Handler) readChatRequest(w http.ResponseWriter, r *http.Request) (model.ChatRequest, bool) {
	var req model.ChatRequest
	if err := decodeBody(r, &req, maxJSONBody); err != nil && !errors.Is(err, errEmptyBody) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return req, false
	}
	if req.TrimmedMessage() == "" {
		h.writeError(w, http.StatusBadRequest, "Message is required")
		return req, false
	}
	return req, true
}

func (h *Handler) agentRequest(req model.ChatRequest, noTools bool, logger *debug.Logger) agent.Request {
	return agent.Request{
		Message: req.TrimmedMessage(),
		History: req.ConversationHistory,
		NoTools: noTools,
		OnPrompt: func(p prompt.Result) {
			logger.LogPrompt(promptTurns(p))
		},
	}
}

// HandleChat answers one turn without streaming.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readChatRequest(w, r)
	if !ok {
		return
	}
	logger := h.newDebugLogger()
	defer logger.Close()
	logger.LogIncomingRequest(req)

	reply, err := h.source.Generate(r.Context(), h.agentRequest(req, true, logger))
	if err != nil {
		middleware.LogWithTrace(r.Context()).Error("chat generation failed", "error", err)
		metrics.ErrorsTotal.WithLabelValues("generate").Inc()
		h.writeError(w, upstreamStatus(err), errorMessage(err, "Failed to generate response"))
		return
	}
	writeJSON(w, http.StatusOK, model.ChatResponse{
		Success:   true,
		Message:   reply,
		Timestamp: h.timestamp(),
	})
}

// HandleChatStream streams plain text frames without tools.
func (h *Handler) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, true)
}

// HandleChatStreamWithTools streams the full event vocabulary, tool activity included.
func (h *Handler) HandleChatStreamWithTools(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, false)
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, textOnly bool) {
	req, ok := h.readChatRequest(w, r)
	if !ok {
		return
	}
	log := middleware.LogWithTrace(r.Context())
	logger := h.newDebugLogger()
	defer logger.Close()
	logger.LogIncomingRequest(req)

	stream, err := h.source.Stream(r.Context(), h.agentRequest(req, textOnly, logger))
	if err != nil {
		log.Error("chat stream failed to start", "error", err)
		metrics.ErrorsTotal.WithLabelValues("stream_open").Inc()
		h.writeError(w, upstreamStatus(err), errorMessage(err, "Failed to start chat stream"))
		return
	}

	sink := relay.NewSSESink(w, r)
	res := relay.Run(r.Context(), stream, sink, relay.Options{
		TextOnly:  textOnly,
		KeepAlive: h.keepAlive,
		Transport: "sse",
		Logger:    logger,
		Now:       h.now,
	})
	log.Info("chat stream finished", "outcome", res.Outcome, "frames", res.Frames, "tools", !textOnly)
}

// HandleChatWS relays one turn over a websocket. The first client message is the chat request.
func (h *Handler) HandleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	log := middleware.LogWithTrace(r.Context())

	var req model.ChatRequest
	conn.SetReadDeadline(time.Now().Add(wsHandshakeWait))
	if err := conn.ReadJSON(&req); err != nil {
		log.Warn("websocket chat request unreadable", "error", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "Invalid request body"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	// the sink owns reads from here on so it can notice the peer leaving
	sink := relay.NewWSSink(conn)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	fail := func(msg string) {
		sink.Send(sse.Event{Type: sse.TypeError, Error: msg, Timestamp: h.timestamp()})
		sink.Close()
	}
	if req.TrimmedMessage() == "" {
		fail("Message is required")
		return
	}

	logger := h.newDebugLogger()
	defer logger.Close()
	logger.LogIncomingRequest(req)

	stream, err := h.source.Stream(ctx, h.agentRequest(req, false, logger))
	if err != nil {
		log.Error("websocket chat stream failed to start", "error", err)
		metrics.ErrorsTotal.WithLabelValues("stream_open").Inc()
		fail(errorMessage(err, "Failed to start chat stream"))
		return
	}
	res := relay.Run(ctx, stream, sink, relay.Options{
		KeepAlive: h.keepAlive,
		Transport: "ws",
		Logger:    logger,
		Now:       h.now,
	})
	log.Info("websocket chat finished", "outcome", res.Outcome, "frames", res.Frames)
}

type generateFormRequest struct {
	TaxData *model.TaxData `json:"taxData"`
}

type generateFormResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Cached    bool   `json:"cached"`
	Timestamp string `json:"timestamp"`
}

// HandleGenerateForm writes the narrative summary of a tax profile. Summaries are cached
// by the content of the tax data.
func (h *Handler) HandleGenerateForm(w http.ResponseWriter, r *http.Request) {
	var req generateFormRequest
	if err := decodeBody(r, &req, maxJSONBody); err != nil && !errors.Is(err, errEmptyBody) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TaxData == nil {
		h.writeError(w, http.StatusBadRequest, "Tax data is required")
		return
	}
	log := middleware.LogWithTrace(r.Context())

	key := formcache.Key(*req.TaxData)
	if h.formCache != nil && key != "" {
		if entry, ok := h.formCache.Get(r.Context(), key); ok {
			if h.config.FormCacheLog {
				log.Info("form cache hit", "key", key)
			}
			writeJSON(w, http.StatusOK, generateFormResponse{Success: true, Message: entry.Summary, Cached: true, Timestamp: h.timestamp()})
			return
		}
	}

	text, err := prompt.FormSummary(*req.TaxData)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := h.source.Generate(r.Context(), agent.Request{Message: text, NoTools: true})
	if err != nil {
		log.Error("form generation failed", "error", err)
		metrics.ErrorsTotal.WithLabelValues("generate_form").Inc()
		h.writeError(w, upstreamStatus(err), errorMessage(err, "Failed to generate form"))
		return
	}
	if h.formCache != nil && key != "" {
		h.formCache.Put(r.Context(), key, formcache.Entry{Summary: summary, Model: h.config.ModelName, UpdatedAt: h.now()})
		if h.config.FormCacheLog {
			log.Info("form cache store", "key", key)
		}
	}
	writeJSON(w, http.StatusOK, generateFormResponse{Success: true, Message: summary, Timestamp: h.timestamp()})
}

// upstreamStatus is 503 while the model breaker is open, 500 otherwise.
func upstreamStatus(err error) int {
	if upstream.IsOpen(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorMessage(err error, fallback string) string {
	if err == nil || err.Error() == "" {
		return fallback
	}
	return err.Error()
}
