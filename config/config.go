package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/satriahrh/skincarebot/domain"
)

// DevSessionSecret is used when SESSION_SECRET is unset. Never deploy with it.
const DevSessionSecret = "skincarebot-dev-secret-change-me"

// requestEnvelopeBytes covers the JSON fields or multipart headers around an upload.
const requestEnvelopeBytes = 1 << 20

// DefaultImagePrompt is sent ahead of an image that arrives without text.
const DefaultImagePrompt = "What do you see in this skin image? Please suggest skin care recommendations."

type Config struct {
	Gemini Gemini `envPrefix:"GEMINI_"`

	// Turns
	GenerationTimeout time.Duration `env:"GENERATION_TIMEOUT" envDefault:"60s"`
	ThumbnailSize     int           `env:"THUMBNAIL_SIZE" envDefault:"200"`
	MaxUploadBytes    int64         `env:"MAX_UPLOAD_BYTES" envDefault:"20971520"`
	MaxImagePixels    int64         `env:"MAX_IMAGE_PIXELS" envDefault:"50000000"`
	HistoryMaxTurns   int           `env:"HISTORY_MAX_TURNS" envDefault:"0"`
	ImagePrompt       string        `env:"IMAGE_PROMPT"`
	ImagePlaceholder  string        `env:"IMAGE_PLACEHOLDER" envDefault:"image submitted"`

	// Server
	Port          int           `env:"PORT" envDefault:"8080"`
	SessionSecret string        `env:"SESSION_SECRET"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	RateLimit     float64       `env:"RATE_LIMIT" envDefault:"20"`

	// Speech
	TTSEnabled  bool   `env:"TTS_ENABLED" envDefault:"false"`
	TTSLanguage string `env:"TTS_LANGUAGE" envDefault:"en-US"`

	Debug bool `env:"DEBUG" envDefault:"false"`
}

// Gemini is the model configuration. It is read once and never mutated.
type Gemini struct {
	APIKey          string  `env:"API_KEY"`
	Model           string  `env:"MODEL" envDefault:"gemini-2.0-flash-exp"`
	Temperature     float32 `env:"TEMPERATURE" envDefault:"1.0"`
	TopP            float32 `env:"TOP_P" envDefault:"0.95"`
	TopK            float32 `env:"TOP_K" envDefault:"40"`
	MaxOutputTokens int32   `env:"MAX_OUTPUT_TOKENS" envDefault:"8192"`
	VerifyKey       bool    `env:"VERIFY_KEY" envDefault:"true"`
	// BaseURL overrides the API endpoint, e.g. for a proxy. Empty uses the SDK default.
	BaseURL string `env:"BASE_URL"`
}

// Load parses the environment. A missing API key is a *domain.ConfigError.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, &domain.ConfigError{Reason: "parse environment", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Gemini.APIKey) == "" {
		return &domain.ConfigError{Reason: "GEMINI_API_KEY is not set; add it to the environment or .env"}
	}
	if c.ThumbnailSize <= 0 {
		return &domain.ConfigError{Reason: fmt.Sprintf("THUMBNAIL_SIZE must be positive, got %d", c.ThumbnailSize)}
	}
	if c.GenerationTimeout <= 0 {
		return &domain.ConfigError{Reason: "GENERATION_TIMEOUT must be positive"}
	}
	if c.MaxUploadBytes <= 0 {
		return &domain.ConfigError{Reason: "MAX_UPLOAD_BYTES must be positive"}
	}
	if c.MaxImagePixels <= 0 {
		return &domain.ConfigError{Reason: "MAX_IMAGE_PIXELS must be positive"}
	}
	if c.HistoryMaxTurns < 0 {
		return &domain.ConfigError{Reason: "HISTORY_MAX_TURNS cannot be negative"}
	}
	if c.ImagePrompt == "" {
		c.ImagePrompt = DefaultImagePrompt
	}
	if c.SessionSecret == "" {
		c.SessionSecret = DevSessionSecret
	}
	return nil
}

// UsingDevSecret reports whether the session secret was left at its default.
func (c *Config) UsingDevSecret() bool {
	return c.SessionSecret == DevSessionSecret
}

// MaxRequestBytes bounds an HTTP body or WebSocket frame. It fits a
// MaxUploadBytes image in base64 plus the surrounding envelope, so oversized
// uploads reach the codec and fail as image errors.
func (c *Config) MaxRequestBytes() int64 {
	return int64(base64.StdEncoding.EncodedLen(int(c.MaxUploadBytes))) + requestEnvelopeBytes
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
