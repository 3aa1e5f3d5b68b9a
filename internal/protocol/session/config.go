package session

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidConfig = errors.New("session: invalid config")

// BackoffConfig defines retry and idle backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines command channel timing and capacity defaults.
type Config struct {
	KeepaliveInterval     time.Duration
	DriverTimeout         time.Duration
	ClientLivenessTimeout time.Duration
	CommandQueueCapacity  int
	ResponseQueueCapacity int
	Idle                  BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		KeepaliveInterval:     500 * time.Millisecond,
		DriverTimeout:         10 * time.Second,
		ClientLivenessTimeout: 10 * time.Second,
		CommandQueueCapacity:  4096,
		ResponseQueueCapacity: 4096,
		Idle: BackoffConfig{
			InitialDelay: 50 * time.Microsecond,
			Multiplier:   2.0,
			MaxDelay:     time.Millisecond,
			Jitter:       false,
		},
	}
}

func (c Config) Validate() error {
	if c.KeepaliveInterval <= 0 {
		return fmt.Errorf("%w: keepalive interval must be > 0", ErrInvalidConfig)
	}
	if c.DriverTimeout <= c.KeepaliveInterval {
		return fmt.Errorf("%w: driver timeout %v must exceed keepalive interval %v", ErrInvalidConfig, c.DriverTimeout, c.KeepaliveInterval)
	}
	if c.ClientLivenessTimeout <= c.KeepaliveInterval {
		return fmt.Errorf("%w: client liveness timeout %v must exceed keepalive interval %v", ErrInvalidConfig, c.ClientLivenessTimeout, c.KeepaliveInterval)
	}
	if c.CommandQueueCapacity <= 0 || c.ResponseQueueCapacity <= 0 {
		return fmt.Errorf("%w: queue capacities must be > 0", ErrInvalidConfig)
	}
	return nil
}
