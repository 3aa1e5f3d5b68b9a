package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/termbus/internal/channel"
	"github.com/danmuck/termbus/internal/client"
	"github.com/danmuck/termbus/internal/driver"
)

func parseDuration(field, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("parse %s: negative duration %q", field, raw)
	}
	return d, nil
}

func parseSize(field, raw string) (int32, error) {
	n, err := channel.ParseSize(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if n > 1<<30 {
		return 0, fmt.Errorf("parse %s: %q exceeds 1g", field, raw)
	}
	return int32(n), nil
}

// ToDriver converts the [driver] section into a validated driver.Config.
// Empty fields keep the driver defaults.
func (c DriverConfig) ToDriver() (driver.Config, error) {
	out := driver.DefaultConfig()
	var err error
	if c.TermLength != "" {
		if out.TermLength, err = parseSize("term_length", c.TermLength); err != nil {
			return driver.Config{}, err
		}
	}
	if c.IPCTermLength != "" {
		if out.IPCTermLength, err = parseSize("ipc_term_length", c.IPCTermLength); err != nil {
			return driver.Config{}, err
		}
	}
	if c.MTU != "" {
		if out.MTU, err = parseSize("mtu", c.MTU); err != nil {
			return driver.Config{}, err
		}
	}
	if c.PublicationLinger != "" {
		if out.PublicationLinger, err = parseDuration("publication_linger", c.PublicationLinger); err != nil {
			return driver.Config{}, err
		}
	}
	if c.ClientLivenessTimeout != "" {
		if out.Session.ClientLivenessTimeout, err = parseDuration("client_liveness_timeout", c.ClientLivenessTimeout); err != nil {
			return driver.Config{}, err
		}
	}
	if c.TimerInterval != "" {
		if out.TimerInterval, err = parseDuration("timer_interval", c.TimerInterval); err != nil {
			return driver.Config{}, err
		}
	}
	if c.CountersCapacity > 0 {
		out.CountersCapacity = c.CountersCapacity
	}
	if c.CommandQueueCapacity > 0 {
		out.Session.CommandQueueCapacity = c.CommandQueueCapacity
	}
	if c.ResponseQueueCapacity > 0 {
		out.Session.ResponseQueueCapacity = c.ResponseQueueCapacity
	}
	if err := out.Validate(); err != nil {
		return driver.Config{}, err
	}
	return out, nil
}

func (c ClientConfig) validate() error {
	ctx := client.NewContext(nil)
	if err := c.Apply(ctx); err != nil {
		return err
	}
	if ctx.KeepaliveInterval <= 0 {
		return fmt.Errorf("keepalive_interval must be > 0")
	}
	if ctx.DriverTimeout <= ctx.KeepaliveInterval {
		return fmt.Errorf("driver_timeout %v must exceed keepalive_interval %v", ctx.DriverTimeout, ctx.KeepaliveInterval)
	}
	return nil
}

// Apply copies the [client] section onto ctx. Empty fields leave ctx untouched.
func (c ClientConfig) Apply(ctx *client.Context) error {
	if name := strings.TrimSpace(c.Name); name != "" {
		ctx.ClientName = name
	}
	var err error
	if c.KeepaliveInterval != "" {
		if ctx.KeepaliveInterval, err = parseDuration("keepalive_interval", c.KeepaliveInterval); err != nil {
			return err
		}
	}
	if c.DriverTimeout != "" {
		if ctx.DriverTimeout, err = parseDuration("driver_timeout", c.DriverTimeout); err != nil {
			return err
		}
	}
	if c.ResourceLinger != "" {
		if ctx.ResourceLinger, err = parseDuration("resource_linger", c.ResourceLinger); err != nil {
			return err
		}
	}
	if c.IdleSleepMax != "" {
		if ctx.Idle.MaxDelay, err = parseDuration("idle_sleep_max", c.IdleSleepMax); err != nil {
			return err
		}
	}
	if c.MaxPendingCommands > 0 {
		ctx.MaxPendingCommands = c.MaxPendingCommands
	}
	ctx.PreTouchMappedLogs = c.PreTouchMappedLogs
	return nil
}
