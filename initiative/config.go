package initiative

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/etabli/initiative/internal/assistant"
	"github.com/hazyhaar/etabli/initiative/internal/collect"
	"github.com/hazyhaar/etabli/initiative/internal/enrich"
	"github.com/hazyhaar/etabli/initiative/internal/knowledge"
	"github.com/hazyhaar/etabli/initiative/internal/llm"
	"github.com/hazyhaar/etabli/shield"
)

// Config configures the initiative service.
type Config struct {
	// Collect settings (cache directory, delays).
	Collect collect.Config `json:"collect" yaml:"collect"`

	// Enrich settings (model token limit, cluster delay).
	Enrich enrich.Config `json:"enrich" yaml:"enrich"`

	// Knowledge ingestion bounds and polling.
	Knowledge knowledge.Config `json:"knowledge" yaml:"knowledge"`

	// Assistant session settings.
	Assistant assistant.Config `json:"assistant" yaml:"assistant"`

	// Model provider.
	Model ModelConfig `json:"model" yaml:"model"`

	// Guard wraps every provider call (timeout, retry, breaker, rate).
	Guard llm.GuardConfig `json:"guard" yaml:"guard"`

	// Fingerprint selects how websites are loaded for tool detection.
	Fingerprint FingerprintConfig `json:"fingerprint" yaml:"fingerprint"`

	// SemgrepRules enables function extraction with semgrep when set.
	SemgrepRules string `json:"semgrep_rules" yaml:"semgrep_rules"`

	// ReconcileTimeout bounds the reconciliation transaction. Default: 1m.
	ReconcileTimeout time.Duration `json:"reconcile_timeout" yaml:"reconcile_timeout"`

	// RateLimits applies per-IP limits to HTTP endpoints, keyed
	// "METHOD /path". Default: 20 assistant messages per minute.
	RateLimits map[string]shield.RateLimitConfig `json:"rate_limits" yaml:"rate_limits"`

	// EventBuffer is the pipeline event queue size. Default: 256.
	EventBuffer int `json:"event_buffer" yaml:"event_buffer"`
}

// ModelConfig selects the model and the token counting strategy. The API
// key is never read from files.
type ModelConfig struct {
	// Name is the Gemini model. Default: llm.DefaultGeminiModel.
	Name string `json:"name" yaml:"name"`

	// MaxOutputTokens caps completions. Zero keeps the model default.
	MaxOutputTokens int32 `json:"max_output_tokens" yaml:"max_output_tokens"`

	// Tokenizer is "provider" (the model's own count, one API call per
	// count, default) or "local" (BPE approximation under a different
	// vocabulary, so keep ModelTokenLimit well below the model window).
	// Without an API key the local count is used.
	Tokenizer string `json:"tokenizer" yaml:"tokenizer"`

	// Encoding is the local BPE encoding. Default: cl100k_base.
	Encoding string `json:"encoding" yaml:"encoding"`

	APIKey string `json:"-" yaml:"-"`
}

// FingerprintConfig selects the page loader.
type FingerprintConfig struct {
	// Browser renders pages in headless Chrome instead of plain HTTP.
	Browser bool `json:"browser" yaml:"browser"`

	// RemoteURL is the DevTools URL of an external Chrome.
	RemoteURL string `json:"remote_url" yaml:"remote_url"`

	// Timeout bounds one page load. Default: 30s.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// Disabled turns tool detection from websites off.
	Disabled bool `json:"disabled" yaml:"disabled"`
}

// AssistantMessagesEndpoint is the rate-limited assistant route.
const AssistantMessagesEndpoint = "POST /api/assistant/messages"

func (c *Config) defaults() {
	if c.Model.Name == "" {
		c.Model.Name = llm.DefaultGeminiModel
	}
	if c.Model.Tokenizer == "" {
		c.Model.Tokenizer = "provider"
	}
	if c.Collect.CacheDir == "" {
		c.Collect.CacheDir = filepath.Join(os.TempDir(), "etabli-cache")
	}
	if c.Fingerprint.Timeout <= 0 {
		c.Fingerprint.Timeout = 30 * time.Second
	}
	// Gemini deletes uploaded files after 48 hours.
	if c.Knowledge.MaxAge == 0 {
		c.Knowledge.MaxAge = 47 * time.Hour
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = time.Minute
	}
	if c.RateLimits == nil {
		c.RateLimits = map[string]shield.RateLimitConfig{
			AssistantMessagesEndpoint: {MaxRequests: 20, Window: time.Minute},
		}
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
}

// Validate reports configuration mistakes that defaults cannot fix.
func (c *Config) Validate() error {
	switch c.Model.Tokenizer {
	case "local", "provider":
	default:
		return fmt.Errorf("%w: model.tokenizer must be local or provider, got %q", ErrInvalidConfig, c.Model.Tokenizer)
	}
	if c.Enrich.ModelTokenLimit < 0 {
		return fmt.Errorf("%w: enrich.model_token_limit is negative", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) setLogger(logger *slog.Logger) {
	c.Collect.Logger = logger
	c.Enrich.Logger = logger
	c.Knowledge.Logger = logger
	c.Assistant.Logger = logger
	c.Guard.Logger = logger
}

// LoadConfigFile reads a YAML configuration file. Missing fields keep
// their defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("initiative: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
