package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Prompt style names selectable per request or via config.
const (
	PromptStyleText     = "text"
	PromptStyleMarkdown = "markdown"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server ServerConfig `yaml:"server"`
	OCR    OCRConfig    `yaml:"ocr"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr            string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	MaxUploadSize   ByteSize      `yaml:"maxUploadSize"`
	WorkerCount     int           `yaml:"workerCount"`
	StorageDir      string        `yaml:"storageDir"`
	APIKey          string        `yaml:"apiKey"`          // optional static API key header (X-API-Key)
	DatabasePath    string        `yaml:"databasePath"`    // optional, overrides default storage_dir/snapscribe.db
	ShutdownGrace   time.Duration `yaml:"shutdownGrace"`   // time to wait for workers before forced stop
	CallbackRetries int           `yaml:"callbackRetries"` // number of callback attempts
	CallbackBackoff time.Duration `yaml:"callbackBackoff"` // base backoff duration
	LogLevel        string        `yaml:"logLevel"`        // debug|info|warn|error
}

// OCRConfig selects provider and provider-specific options.
type OCRConfig struct {
	Provider    string         `yaml:"provider"`    // e.g. "mock" or "ollama"
	Temperature float64        `yaml:"temperature"` // decoding temperature, passed through verbatim
	PromptStyle string         `yaml:"promptStyle"` // "text" or "markdown"
	Ollama      OllamaSettings `yaml:"ollama"`
	Mock        MockSettings   `yaml:"mock"`
}

// OllamaSettings config for the Ollama vision model server.
type OllamaSettings struct {
	Host   string `yaml:"host"`   // e.g. http://127.0.0.1:11434
	Model  string `yaml:"model"`  // e.g. llama3.2-vision:11b
	Prompt string `yaml:"prompt"` // optional default instruction prompt override
}

// MockSettings config for the mock OCR client.
type MockSettings struct {
	Delay time.Duration `yaml:"delay"`
	Text  string        `yaml:"text"`
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	// Numeric only
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	// Normalize to upper for suffix matching but keep numeric part as-is
	up := strings.ToUpper(s)

	type unit struct {
		suffix string
		value  uint64
	}
	units := []unit{
		// Kubernetes binary-style without 'B'
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		// Binary with B
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		// Decimal
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var SNAPSCRIBE_CONFIG, then default to "config.yaml".
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv("SNAPSCRIBE_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	// Expand environment variables in file content.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	// Ensure storage dir exists
	if cfg.Server.StorageDir != "" {
		if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
			return nil, fmt.Errorf("ensure storage_dir: %w", err)
		}
	}
	// Default DB path under storage dir if not set.
	if cfg.Server.DatabasePath == "" {
		cfg.Server.DatabasePath = filepath.Join(cfg.Server.StorageDir, "snapscribe.db")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = ByteSize(10 * 1024 * 1024) // 10 MiB default
	}
	if cfg.Server.WorkerCount <= 0 {
		cfg.Server.WorkerCount = 4
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if cfg.Server.CallbackRetries == 0 {
		cfg.Server.CallbackRetries = 3
	}
	if cfg.Server.CallbackBackoff == 0 {
		cfg.Server.CallbackBackoff = 2 * time.Second
	}
	// Default log level
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	// OCR defaults
	if cfg.OCR.Provider == "" {
		cfg.OCR.Provider = "ollama"
	}
	if cfg.OCR.Temperature == 0 {
		cfg.OCR.Temperature = 0.3
	}
	if strings.TrimSpace(cfg.OCR.PromptStyle) == "" {
		cfg.OCR.PromptStyle = PromptStyleText
	}
	if cfg.OCR.Mock.Delay == 0 {
		cfg.OCR.Mock.Delay = 2 * time.Second
	}
	if cfg.OCR.Mock.Text == "" {
		cfg.OCR.Mock.Text = "Transcribed by Mock"
	}
	// Ollama sensible defaults (used if provider == "ollama")
	if strings.EqualFold(cfg.OCR.Provider, "ollama") {
		if strings.TrimSpace(cfg.OCR.Ollama.Host) == "" {
			cfg.OCR.Ollama.Host = "http://127.0.0.1:11434"
		}
		if strings.TrimSpace(cfg.OCR.Ollama.Model) == "" {
			cfg.OCR.Ollama.Model = "llama3.2-vision:11b"
		}
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.OCR.Provider)) {
	case "ollama", "mock":
	default:
		return fmt.Errorf("unknown ocr provider %q", cfg.OCR.Provider)
	}
	switch cfg.OCR.PromptStyle {
	case PromptStyleText, PromptStyleMarkdown:
	default:
		return fmt.Errorf("unknown prompt style %q", cfg.OCR.PromptStyle)
	}
	// Temperature is deliberately not range-checked; it is passed through to the model server verbatim.
	if strings.EqualFold(cfg.OCR.Provider, "ollama") {
		if strings.TrimSpace(cfg.OCR.Ollama.Host) == "" {
			return errors.New("ocr.ollama.host is required")
		}
		if strings.TrimSpace(cfg.OCR.Ollama.Model) == "" {
			return errors.New("ocr.ollama.model is required")
		}
	}
	return nil
}
