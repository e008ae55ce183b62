package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	cfgErr := fmt.Errorf("startup: %w", &ConfigError{Reason: "GEMINI_API_KEY is not set"})
	decodeErr := &ImageDecodeError{Err: errors.New("unknown format")}
	genErr := &GenerationError{Reason: ReasonTimeout, Err: context.DeadlineExceeded}

	assert.True(t, IsConfigError(cfgErr))
	assert.False(t, IsConfigError(genErr))

	assert.True(t, IsImageDecodeError(decodeErr))
	assert.False(t, IsImageDecodeError(cfgErr))

	assert.True(t, IsGenerationError(genErr))
	assert.True(t, errors.Is(genErr, context.DeadlineExceeded))
	assert.Contains(t, genErr.Error(), "timeout")
}

func TestTurn(t *testing.T) {
	assert.False(t, Turn{Role: UserRole}.Valid())
	assert.True(t, Turn{Role: UserRole, Text: "hi"}.Valid())
	assert.True(t, Turn{Role: UserRole, Thumbnail: "aGk="}.Valid())
}
