package config

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriahrh/skincarebot/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-key", cfg.Gemini.APIKey)
	assert.Equal(t, "gemini-2.0-flash-exp", cfg.Gemini.Model)
	assert.InDelta(t, 1.0, cfg.Gemini.Temperature, 1e-6)
	assert.InDelta(t, 0.95, cfg.Gemini.TopP, 1e-6)
	assert.InDelta(t, 40, cfg.Gemini.TopK, 1e-6)
	assert.Equal(t, int32(8192), cfg.Gemini.MaxOutputTokens)
	assert.Equal(t, 60*time.Second, cfg.GenerationTimeout)
	assert.Equal(t, 200, cfg.ThumbnailSize)
	assert.Equal(t, 0, cfg.HistoryMaxTurns)
	assert.Equal(t, int64(20971520), cfg.MaxUploadBytes)
	assert.Equal(t, int64(50000000), cfg.MaxImagePixels)
	assert.Equal(t, DefaultImagePrompt, cfg.ImagePrompt)
	assert.Equal(t, "image submitted", cfg.ImagePlaceholder)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.True(t, cfg.UsingDevSecret())
}

func TestLoadMissingKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, domain.IsConfigError(err))
	assert.Contains(t, err.Error(), "GEMINI_API_KEY")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "k")
	t.Setenv("GEMINI_MODEL", "gemini-2.0-flash")
	t.Setenv("GENERATION_TIMEOUT", "5s")
	t.Setenv("HISTORY_MAX_TURNS", "10")
	t.Setenv("SESSION_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.0-flash", cfg.Gemini.Model)
	assert.Equal(t, 5*time.Second, cfg.GenerationTimeout)
	assert.Equal(t, 10, cfg.HistoryMaxTurns)
	assert.False(t, cfg.UsingDevSecret())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero thumbnail", func(c *Config) { c.ThumbnailSize = 0 }},
		{"zero timeout", func(c *Config) { c.GenerationTimeout = 0 }},
		{"negative history", func(c *Config) { c.HistoryMaxTurns = -1 }},
		{"zero upload limit", func(c *Config) { c.MaxUploadBytes = 0 }},
		{"zero pixel limit", func(c *Config) { c.MaxImagePixels = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Gemini:            Gemini{APIKey: "k"},
				ThumbnailSize:     200,
				GenerationTimeout: time.Second,
				MaxUploadBytes:    1 << 20,
				MaxImagePixels:    1 << 20,
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, domain.IsConfigError(err))
		})
	}
}

func TestMaxRequestBytesFitsEncodedUpload(t *testing.T) {
	for _, limit := range []int64{1, 1 << 20, 20971520} {
		cfg := &Config{MaxUploadBytes: limit}
		encoded := int64(base64.StdEncoding.EncodedLen(int(limit)))
		assert.Greater(t, cfg.MaxRequestBytes(), encoded, "limit %d", limit)
	}

	cfg := &Config{MaxUploadBytes: 20971520}
	assert.Greater(t, cfg.MaxRequestBytes(), int64(25*1000*1000))
}
