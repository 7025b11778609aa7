package dbft

import (
	"time"
)

// GrowthFunc returns the multiplier applied to the block time for the
// view-change timeout of view.
type GrowthFunc func(view uint8) uint64

// ExponentialGrowth doubles the timeout per view up to 2^maxShift.
func ExponentialGrowth(maxShift uint8) GrowthFunc {
	return func(view uint8) uint64 {
		if view > maxShift {
			view = maxShift
		}
		return uint64(1) << view
	}
}

// LinearGrowth grows the timeout as (view+1) block times.
func LinearGrowth() GrowthFunc {
	return func(view uint8) uint64 {
		return uint64(view) + 1
	}
}

// PacemakerConfig defines view-change timing:
//
//	timeout(view) = BlockTime * Growth(view), capped at MaxTimeout
type PacemakerConfig struct {
	// BlockTime is the target time between blocks.
	// Default: 15s
	BlockTime time.Duration

	// Growth scales the timeout with the view number.
	// Default: ExponentialGrowth(4)
	Growth GrowthFunc

	// MaxTimeout caps the timeout. Zero means uncapped.
	MaxTimeout time.Duration
}

// DefaultPacemakerConfig returns the mainnet-style timing.
func DefaultPacemakerConfig() PacemakerConfig {
	return PacemakerConfig{
		BlockTime: 15 * time.Second,
		Growth:    ExponentialGrowth(4),
	}
}

// Validate checks that the configuration values are sensible.
func (c PacemakerConfig) Validate() error {
	if c.BlockTime <= 0 {
		return &ConfigError{Field: "BlockTime", Message: "must be positive"}
	}
	if c.Growth == nil {
		return &ConfigError{Field: "Growth", Message: "is required"}
	}
	if c.MaxTimeout < 0 {
		return &ConfigError{Field: "MaxTimeout", Message: "must be non-negative"}
	}
	if c.MaxTimeout > 0 && c.MaxTimeout < c.BlockTime {
		return &ConfigError{Field: "MaxTimeout", Message: "must be >= BlockTime"}
	}
	return nil
}

// Timeout returns the view-change timeout of view.
func (c PacemakerConfig) Timeout(view uint8) time.Duration {
	mult := c.Growth(view)
	if mult == 0 {
		mult = 1
	}
	limit := time.Duration(1<<63 - 1)
	d := limit
	if mult <= uint64(limit/c.BlockTime) {
		d = c.BlockTime * time.Duration(mult)
	}
	if c.MaxTimeout > 0 && d > c.MaxTimeout {
		d = c.MaxTimeout
	}
	return d
}

// TimeoutMillis returns Timeout(view) in milliseconds.
func (c PacemakerConfig) TimeoutMillis(view uint8) uint64 {
	return uint64(c.Timeout(view).Milliseconds())
}

// ConfigError represents a pacemaker validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "pacemaker config: " + e.Field + " " + e.Message
}

// Unwrap classifies the error as ErrConfig.
func (e *ConfigError) Unwrap() error {
	return ErrConfig
}
