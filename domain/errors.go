package domain

import (
	"errors"
	"fmt"
)

// Generation failure reasons.
const (
	ReasonTimeout   = "timeout"
	ReasonAuth      = "auth"
	ReasonQuota     = "quota"
	ReasonNetwork   = "network"
	ReasonRejected  = "rejected"
	ReasonMalformed = "malformed response"
)

var (
	// ErrBusy is returned when a turn is already in flight for the session.
	ErrBusy = errors.New("a turn is already being submitted")

	// ErrNothingToSubmit is returned when neither text nor an image is pending.
	ErrNothingToSubmit = errors.New("nothing to submit")

	// ErrSessionNotFound is returned for unknown or expired sessions.
	ErrSessionNotFound = errors.New("session not found")
)

// ConfigError means the model client cannot be set up. It is fatal at startup.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ImageDecodeError means an upload is not a usable image.
type ImageDecodeError struct {
	Err error
}

func (e *ImageDecodeError) Error() string {
	return fmt.Sprintf("cannot decode image: %v", e.Err)
}

func (e *ImageDecodeError) Unwrap() error {
	return e.Err
}

// GenerationError wraps a failed model call. It is recoverable per turn.
type GenerationError struct {
	Reason string
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("generation failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("generation failed (%s)", e.Reason)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

func IsConfigError(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}

func IsImageDecodeError(err error) bool {
	var target *ImageDecodeError
	return errors.As(err, &target)
}

func IsGenerationError(err error) bool {
	var target *GenerationError
	return errors.As(err, &target)
}
