package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port          string `json:"port" yaml:"port" toml:"port"`
	DebugEnabled  bool   `json:"debug_enabled" yaml:"debug_enabled" toml:"debug_enabled"`
	DebugLogSSE   bool   `json:"debug_log_sse" yaml:"debug_log_sse" toml:"debug_log_sse"`
	AllowedOrigin string `json:"allowed_origin" yaml:"allowed_origin" toml:"allowed_origin"`

	// Language model (LM Studio exposes an OpenAI-compatible API)
	ModelURL         string  `json:"model_url" yaml:"model_url" toml:"model_url"`
	ModelName        string  `json:"model_name" yaml:"model_name" toml:"model_name"`
	ModelAPIKey      string  `json:"model_api_key" yaml:"model_api_key" toml:"model_api_key"`
	ModelTemperature float32 `json:"model_temperature" yaml:"model_temperature" toml:"model_temperature"`
	MaxToolSteps     int     `json:"max_tool_steps" yaml:"max_tool_steps" toml:"max_tool_steps"`
	ContextMaxTokens int     `json:"context_max_tokens" yaml:"context_max_tokens" toml:"context_max_tokens"`
	RequestTimeout   int     `json:"request_timeout" yaml:"request_timeout" toml:"request_timeout"`

	// Empty proxy means HTTP_PROXY/HTTPS_PROXY from the environment.
	ModelProxy       string   `json:"model_proxy" yaml:"model_proxy" toml:"model_proxy"`
	ModelProxyBypass []string `json:"model_proxy_bypass" yaml:"model_proxy_bypass" toml:"model_proxy_bypass"`

	// Files
	MaxFileSize     int64  `json:"max_file_size" yaml:"max_file_size" toml:"max_file_size"`
	GeneratedPDFDir string `json:"generated_pdf_dir" yaml:"generated_pdf_dir" toml:"generated_pdf_dir"`
	PublicBaseURL   string `json:"public_base_url" yaml:"public_base_url" toml:"public_base_url"`
	// Generated PDFs older than this are swept; negative keeps them forever.
	GeneratedPDFMaxAgeHours int `json:"generated_pdf_max_age_hours" yaml:"generated_pdf_max_age_hours" toml:"generated_pdf_max_age_hours"`
	// Seconds between model reachability probes; negative disables probing.
	ModelProbeInterval int `json:"model_probe_interval" yaml:"model_probe_interval" toml:"model_probe_interval"`

	// Limits
	ConcurrencyLimit   int     `json:"concurrency_limit" yaml:"concurrency_limit" toml:"concurrency_limit"`
	ConcurrencyTimeout int     `json:"concurrency_timeout" yaml:"concurrency_timeout" toml:"concurrency_timeout"`
	AdaptiveTimeout    bool    `json:"adaptive_timeout" yaml:"adaptive_timeout" toml:"adaptive_timeout"`
	UploadRatePerSec   float64 `json:"upload_rate_per_sec" yaml:"upload_rate_per_sec" toml:"upload_rate_per_sec"`
	UploadBurst        int     `json:"upload_burst" yaml:"upload_burst" toml:"upload_burst"`

	// Narrative cache for /api/chat/generate-form
	FormCacheMode       string `json:"form_cache_mode" yaml:"form_cache_mode" toml:"form_cache_mode"`
	FormCacheSize       int    `json:"form_cache_size" yaml:"form_cache_size" toml:"form_cache_size"`
	FormCacheTTLSeconds int    `json:"form_cache_ttl_seconds" yaml:"form_cache_ttl_seconds" toml:"form_cache_ttl_seconds"`
	FormCacheLog        bool   `json:"form_cache_log" yaml:"form_cache_log" toml:"form_cache_log"`
	RedisAddr           string `json:"redis_addr" yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword       string `json:"redis_password" yaml:"redis_password" toml:"redis_password"`
	RedisDB             int    `json:"redis_db" yaml:"redis_db" toml:"redis_db"`
	RedisPrefix         string `json:"redis_prefix" yaml:"redis_prefix" toml:"redis_prefix"`

	// Tool activity markers in the terminal client
	ShowToolActivity bool `json:"show_tool_activity" yaml:"show_tool_activity" toml:"show_tool_activity"`
}

// Load reads the config file at path, or the first config.{json,yaml,yml,toml} found in the
// working directory. A missing file is not an error: defaults and environment still apply.
func Load(path string) (*Config, string, error) {
	cfg := Config{}
	resolvedPath := resolveConfigPath(path)
	if resolvedPath != "" {
		data, err := os.ReadFile(resolvedPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}
		if err := decode(resolvedPath, data, &cfg); err != nil {
			return nil, "", err
		}
	}

	ApplyEnv(&cfg, os.LookupEnv)
	ApplyDefaults(&cfg)
	return &cfg, resolvedPath, nil
}

func decode(path string, data []byte, cfg *Config) error {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config json: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config yaml: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("failed to parse config toml: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config extension: %s", ext)
	}
	return nil
}

func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}

	candidates := []string{"config.json", "config.yaml", "config.yml", "config.toml"}
	for _, name := range candidates {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// ApplyEnv overrides file values with the documented environment variables.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("PORT", &cfg.Port)
	str("LMSTUDIO_URL", &cfg.ModelURL)
	str("LMSTUDIO_MODEL", &cfg.ModelName)
	str("LMSTUDIO_API_KEY", &cfg.ModelAPIKey)
	str("CORS_ORIGIN", &cfg.AllowedOrigin)
	str("PUBLIC_BASE_URL", &cfg.PublicBaseURL)
	str("GENERATED_PDF_DIR", &cfg.GeneratedPDFDir)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("LMSTUDIO_PROXY", &cfg.ModelProxy)

	if v, ok := lookup("LMSTUDIO_NO_PROXY"); ok && strings.TrimSpace(v) != "" {
		cfg.ModelProxyBypass = cfg.ModelProxyBypass[:0]
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				cfg.ModelProxyBypass = append(cfg.ModelProxyBypass, part)
			}
		}
	}

	if v, ok := lookup("MAX_FILE_SIZE"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n <= 0 {
			slog.Warn("Ignoring invalid MAX_FILE_SIZE", "value", v)
		} else {
			cfg.MaxFileSize = n
		}
	}
}

func ApplyDefaults(cfg *Config) {
	if cfg.Port == "" {
		cfg.Port = "3000"
	}
	if cfg.AllowedOrigin == "" {
		cfg.AllowedOrigin = "*"
	}
	if cfg.ModelURL == "" {
		cfg.ModelURL = "http://localhost:1234/v1"
	}
	if cfg.ModelName == "" {
		cfg.ModelName = "openai/gpt-oss-20b"
	}
	if cfg.ModelAPIKey == "" {
		// LM Studio ignores the key but the client library insists on one.
		cfg.ModelAPIKey = "lm-studio"
	}
	if cfg.ModelTemperature == 0 {
		cfg.ModelTemperature = 0.3
	}
	if cfg.MaxToolSteps == 0 {
		cfg.MaxToolSteps = 5
	}
	if cfg.ContextMaxTokens == 0 {
		cfg.ContextMaxTokens = 6000
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 600
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = 10 * 1024 * 1024
	}
	if cfg.GeneratedPDFDir == "" {
		cfg.GeneratedPDFDir = "generated-pdfs"
	}
	if cfg.GeneratedPDFMaxAgeHours == 0 {
		cfg.GeneratedPDFMaxAgeHours = 24
	}
	if cfg.ModelProbeInterval == 0 {
		cfg.ModelProbeInterval = 60
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "http://localhost:" + cfg.Port
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if cfg.ConcurrencyLimit == 0 {
		cfg.ConcurrencyLimit = 32
	}
	if cfg.ConcurrencyTimeout == 0 {
		cfg.ConcurrencyTimeout = 600
	}
	if cfg.UploadRatePerSec == 0 {
		cfg.UploadRatePerSec = 2
	}
	if cfg.UploadBurst == 0 {
		cfg.UploadBurst = 5
	}
	if cfg.FormCacheMode == "" {
		if strings.TrimSpace(cfg.RedisAddr) != "" {
			cfg.FormCacheMode = "redis"
		} else {
			cfg.FormCacheMode = "memory"
		}
	}
	if cfg.FormCacheSize == 0 {
		cfg.FormCacheSize = 256
	}
	if cfg.FormCacheTTLSeconds == 0 {
		cfg.FormCacheTTLSeconds = 3600
	}
	if cfg.RedisPrefix == "" {
		cfg.RedisPrefix = "taxgpt:form:"
	}
}

// MaxFileSizeMB is the upload cap rounded to whole megabytes for error messages.
func (c *Config) MaxFileSizeMB() int64 {
	mb := c.MaxFileSize / (1024 * 1024)
	if mb < 1 {
		mb = 1
	}
	return mb
}

func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
