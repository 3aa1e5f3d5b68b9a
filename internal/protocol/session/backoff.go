package session

import (
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// Idler backs off a duty-cycle loop while it finds no work and resets as soon as it does.
// An Idler belongs to one goroutine.
type Idler struct {
	cfg     BackoffConfig
	attempt int
	sleep   func(time.Duration)
}

func NewIdler(cfg BackoffConfig) *Idler {
	return &Idler{cfg: cfg, sleep: time.Sleep}
}

// Idle sleeps for the current backoff step when workCount is zero.
// It returns the delay it slept for.
func (i *Idler) Idle(workCount int) time.Duration {
	if workCount > 0 {
		i.attempt = 0
		return 0
	}
	i.attempt++
	d := NextBackoffDelay(i.cfg, i.attempt, nil)
	if d > 0 {
		i.sleep(d)
	}
	return d
}

func (i *Idler) Reset() {
	i.attempt = 0
}
