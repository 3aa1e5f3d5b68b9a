package driver

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/termbus/internal/logbuffer"
	"github.com/danmuck/termbus/internal/protocol/session"
)

var ErrInvalidConfig = errors.New("driver: invalid config")

// Config defines embedded driver defaults.
type Config struct {
	TermLength          int32
	IPCTermLength       int32
	MTU                 int32
	PublicationLinger   time.Duration
	TimerInterval       time.Duration
	CountersCapacity    int
	CounterReuseTimeout time.Duration
	Session             session.Config
}

func DefaultConfig() Config {
	return Config{
		TermLength:          1 << 20,
		IPCTermLength:       1 << 20,
		MTU:                 1408,
		PublicationLinger:   5 * time.Second,
		TimerInterval:       time.Millisecond,
		CountersCapacity:    1024,
		CounterReuseTimeout: time.Second,
		Session:             session.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if err := logbuffer.CheckTermLength(c.TermLength); err != nil {
		return fmt.Errorf("%w: term_length: %v", ErrInvalidConfig, err)
	}
	if err := logbuffer.CheckTermLength(c.IPCTermLength); err != nil {
		return fmt.Errorf("%w: ipc_term_length: %v", ErrInvalidConfig, err)
	}
	if err := logbuffer.CheckMTU(c.MTU, min(c.TermLength, c.IPCTermLength)); err != nil {
		return fmt.Errorf("%w: mtu: %v", ErrInvalidConfig, err)
	}
	if c.PublicationLinger < 0 {
		return fmt.Errorf("%w: publication linger must be >= 0", ErrInvalidConfig)
	}
	if c.TimerInterval <= 0 {
		return fmt.Errorf("%w: timer interval must be > 0", ErrInvalidConfig)
	}
	if c.CountersCapacity <= 0 {
		return fmt.Errorf("%w: counters capacity must be > 0", ErrInvalidConfig)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
