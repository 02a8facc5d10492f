package queue

import "time"

// Config holds the dispatcher's timing parameters.
type Config struct {
	// DefaultTimeout applies to tasks without a per-task override.
	DefaultTimeout time.Duration

	// CheckInterval is how often processing tasks are checked for timeout.
	CheckInterval time.Duration

	// AbortTimeout bounds the forced reset of a timed out task's bridge.
	AbortTimeout time.Duration

	// RecordTimeout bounds saving an outcome to the outcome repository.
	RecordTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 5 * time.Minute,
		CheckInterval:  100 * time.Millisecond,
		AbortTimeout:   30 * time.Second,
		RecordTimeout:  5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.AbortTimeout <= 0 {
		c.AbortTimeout = d.AbortTimeout
	}
	if c.RecordTimeout <= 0 {
		c.RecordTimeout = d.RecordTimeout
	}
	return c
}
