package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taxgpt-api/internal/agent"
	"taxgpt-api/internal/config"
	"taxgpt-api/internal/debug"
	"taxgpt-api/internal/formcache"
	"taxgpt-api/internal/handler"
	"taxgpt-api/internal/middleware"
	"taxgpt-api/internal/tools"
	"taxgpt-api/internal/upstream"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath := flag.String("config", "", "Path to config.json/config.yaml/config.toml")
	flag.Parse()

	cfg, resolvedCfgPath, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if resolvedCfgPath != "" {
		slog.Info("Config loaded", "path", resolvedCfgPath)
	}

	if cfg.DebugEnabled {
		debug.CleanupAllLogs()
		slog.Info("Debug logs cleared")
	}

	if err := os.MkdirAll(cfg.GeneratedPDFDir, 0755); err != nil {
		slog.Error("Failed to create generated PDF directory", "dir", cfg.GeneratedPDFDir, "error", err)
		os.Exit(1)
	}

	registry, err := tools.Default(&tools.PDFWriter{Dir: cfg.GeneratedPDFDir, BaseURL: cfg.PublicBaseURL})
	if err != nil {
		slog.Error("Failed to register tools", "error", err)
		os.Exit(1)
	}

	modelTransport := upstream.NewTransport(cfg.ModelProxy, cfg.ModelProxyBypass)
	modelHTTP := &http.Client{
		Timeout:   time.Duration(cfg.RequestTimeout) * time.Second,
		Transport: modelTransport,
	}
	source := agent.NewLMStudio(agent.LMStudioOptions{
		BaseURL:      cfg.ModelURL,
		APIKey:       cfg.ModelAPIKey,
		Model:        cfg.ModelName,
		Temperature:  cfg.ModelTemperature,
		MaxToolSteps: cfg.MaxToolSteps,
		MaxTokens:    cfg.ContextMaxTokens,
		Tools:        registry,
		HTTPClient:   modelHTTP,
		Breaker:      upstream.ModelBreaker(cfg.ModelURL),
	})
	slog.Info("Language model configured", "url", cfg.ModelURL, "model", cfg.ModelName)

	h := handler.New(cfg, source)
	formStats := formcache.NewStats()
	if cache := formcache.New(cfg, formStats); cache != nil {
		h.SetFormCache(cache)
	}
	slog.Info("Form cache mode", "mode", cfg.FormCacheMode)

	limits := handler.Limits{
		Chat: middleware.NewConcurrencyLimiter(cfg.ConcurrencyLimit, time.Duration(cfg.ConcurrencyTimeout)*time.Second, cfg.AdaptiveTimeout),
	}
	if cfg.UploadRatePerSec > 0 {
		limits.Upload = middleware.NewRateLimiter(cfg.UploadRatePerSec, cfg.UploadBurst)
	}

	mux := h.Routes(limits)
	mux.Handle("GET /metrics", promhttp.Handler())
	slog.Info("Prometheus metrics enabled", "path", "/metrics")
	if cfg.DebugEnabled {
		mux.Handle("/debug/pprof/", http.DefaultServeMux)
		slog.Info("pprof enabled", "path", "/debug/pprof/")
	}

	root := middleware.Chain(
		middleware.RecoveryMiddleware,
		middleware.TraceMiddleware,
		middleware.LoggingMiddleware,
		middleware.CORS(cfg.AllowedOrigin),
	)(mux)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()
	startPDFSweepLoop(ctx, cfg)
	startModelProbeLoop(ctx, cfg, &http.Client{Timeout: 15 * time.Second, Transport: modelTransport})

	idleConnsClosed := make(chan struct{})
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit
		slog.Info("Received signal, starting graceful shutdown", "signal", sig)

		cancelBackground()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		close(idleConnsClosed)
	}()

	slog.Info("Server running", "port", cfg.Port, "public_url", cfg.PublicBaseURL, "allowed_origin", cfg.AllowedOrigin)

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server start failed", "error", err)
		os.Exit(1)
	}

	<-idleConnsClosed
	slog.Info("Server shutdown gracefully", "form_cache", formStats)
}
