package docpipe

import "log/slog"

// Config configures the website conversion pipeline.
type Config struct {
	// MaxInputSize is the largest HTML payload converted (default: 5 MB).
	// Larger inputs are truncated before parsing.
	MaxInputSize int `json:"max_input_size" yaml:"max_input_size"`

	// KeepHidden disables the removal of nodes styled as invisible.
	KeepHidden bool `json:"keep_hidden" yaml:"keep_hidden"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.MaxInputSize <= 0 {
		c.MaxInputSize = 5 * 1024 * 1024
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
