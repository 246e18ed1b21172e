package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taxgpt-api/internal/config"
	"taxgpt-api/internal/metrics"
)

const pdfSweepInterval = 15 * time.Minute

// startPDFSweepLoop removes generated PDFs once they are older than the configured age.
func startPDFSweepLoop(ctx context.Context, cfg *config.Config) {
	if cfg.GeneratedPDFMaxAgeHours < 0 {
		return
	}
	maxAge := time.Duration(cfg.GeneratedPDFMaxAgeHours) * time.Hour
	slog.Info("Generated PDF sweep enabled", "dir", cfg.GeneratedPDFDir, "max_age", maxAge.String())

	sweep := func() {
		removed, err := sweepGeneratedPDFs(cfg.GeneratedPDFDir, maxAge, time.Now())
		if err != nil {
			slog.Warn("Generated PDF sweep failed", "dir", cfg.GeneratedPDFDir, "error", err)
		}
		if removed > 0 {
			slog.Info("Generated PDFs removed", "count", removed)
		}
	}

	go func() {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("Panic in PDF sweep loop", "error", err)
			}
		}()
		sweep()
		ticker := time.NewTicker(pdfSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweep()
			}
		}
	}()
}

// sweepGeneratedPDFs deletes .pdf files in dir last modified before now-maxAge.
// A missing directory is not an error.
func sweepGeneratedPDFs(dir string, maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := now.Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			slog.Warn("Generated PDF sweep: remove failed", "file", e.Name(), "error", err)
			continue
		}
		removed++
		metrics.GeneratedFilesRemoved.Inc()
	}
	return removed, nil
}

// startModelProbeLoop checks that the model endpoint answers and serves the configured model.
func startModelProbeLoop(ctx context.Context, cfg *config.Config, hc *http.Client) {
	if cfg.ModelProbeInterval < 0 {
		return
	}
	interval := time.Duration(cfg.ModelProbeInterval) * time.Second

	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		models, err := listModels(probeCtx, hc, cfg.ModelURL, cfg.ModelAPIKey)
		if err != nil {
			metrics.ModelUp.Set(0)
			slog.Warn("Model endpoint unreachable", "url", cfg.ModelURL, "error", err)
			return
		}
		metrics.ModelUp.Set(1)
		if !containsModel(models, cfg.ModelName) {
			slog.Warn("Configured model not loaded", "model", cfg.ModelName, "available", models)
			return
		}
		slog.Debug("Model endpoint ok", "model", cfg.ModelName, "available", len(models))
	}

	go func() {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("Panic in model probe loop", "error", err)
			}
		}()
		probe()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
}

// listModels returns the ids served by an OpenAI-compatible /models endpoint.
func listModels(ctx context.Context, hc *http.Client, baseURL, apiKey string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/models", nil)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("models status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	ids := make([]string, 0, len(payload.Data))
	for _, m := range payload.Data {
		if id := strings.TrimSpace(m.ID); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func containsModel(models []string, name string) bool {
	for _, m := range models {
		if strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}
