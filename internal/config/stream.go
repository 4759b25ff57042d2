package config

import (
	"fmt"
	"time"
)

// StreamConfig configures the SSE log consumer reconnect policy.
type StreamConfig struct {
	InitialDelay string  `yaml:"initial_delay"`
	Multiplier   float64 `yaml:"multiplier"`
	MaxDelay     string  `yaml:"max_delay"`
	Jitter       float64 `yaml:"jitter"` // fraction, 0.25 = ±25%
	MaxRetries   int     `yaml:"max_retries"`
	BufferSize   int     `yaml:"buffer_size"`
}

// DefaultStreamConfig returns the reconnect defaults: 1s doubling up to 30s,
// ±25% jitter, five retries, a hundred buffered lines.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		InitialDelay: "1s",
		Multiplier:   2,
		MaxDelay:     "30s",
		Jitter:       0.25,
		MaxRetries:   5,
		BufferSize:   100,
	}
}

// Validate checks the stream settings for impossible values.
func (s StreamConfig) Validate() error {
	if s.Multiplier < 1 {
		return fmt.Errorf("stream.multiplier must be >= 1, got %v", s.Multiplier)
	}
	if s.Jitter < 0 || s.Jitter >= 1 {
		return fmt.Errorf("stream.jitter must be in [0, 1), got %v", s.Jitter)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("stream.max_retries must be >= 0, got %d", s.MaxRetries)
	}
	if s.BufferSize < 0 {
		return fmt.Errorf("stream.buffer_size must be >= 0, got %d", s.BufferSize)
	}
	if s.GetInitialDelay() > s.GetMaxDelay() {
		return fmt.Errorf("stream.initial_delay (%v) exceeds stream.max_delay (%v)", s.GetInitialDelay(), s.GetMaxDelay())
	}
	return nil
}

// GetInitialDelay returns the first backoff delay.
func (s StreamConfig) GetInitialDelay() time.Duration {
	return parseDuration(s.InitialDelay, time.Second)
}

// GetMaxDelay returns the backoff cap.
func (s StreamConfig) GetMaxDelay() time.Duration {
	return parseDuration(s.MaxDelay, 30*time.Second)
}
