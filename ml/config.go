package ml

import (
	"fmt"
	"math"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultNoise         = 0.1
	DefaultMaxIterations = 100
	DefaultTolerance     = 1e-6
)

// Config configures trainers and the solver. Zero values of Noise,
// MaxIterations, Tolerance and Damping select the defaults.
type Config struct {
	NumClasses    int
	Dimension     int
	Noise         float64
	MaxIterations int
	Tolerance     float64
	Damping       float64
	Logger        *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Noise == 0 {
		c.Noise = DefaultNoise
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.Tolerance == 0 {
		c.Tolerance = DefaultTolerance
	}
	if c.Damping == 0 {
		c.Damping = 1
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	c = c.withDefaults()
	var err error
	if c.NumClasses < 2 {
		err = multierr.Append(err, fmt.Errorf("num classes %d must be at least 2: %w", c.NumClasses, ErrInvalidConfig))
	}
	if c.Dimension < 1 {
		err = multierr.Append(err, fmt.Errorf("dimension %d must be positive: %w", c.Dimension, ErrInvalidConfig))
	}
	if c.Noise < 0 || math.IsNaN(c.Noise) || math.IsInf(c.Noise, 0) {
		err = multierr.Append(err, fmt.Errorf("noise %v must be a positive finite variance: %w", c.Noise, ErrInvalidConfig))
	}
	if c.MaxIterations < 0 {
		err = multierr.Append(err, fmt.Errorf("max iterations %d must be positive: %w", c.MaxIterations, ErrInvalidConfig))
	}
	if c.Tolerance < 0 || math.IsNaN(c.Tolerance) || math.IsInf(c.Tolerance, 0) {
		err = multierr.Append(err, fmt.Errorf("tolerance %v must be positive and finite: %w", c.Tolerance, ErrInvalidConfig))
	}
	if !(c.Damping > 0 && c.Damping <= 1) {
		err = multierr.Append(err, fmt.Errorf("damping %v must be in (0, 1]: %w", c.Damping, ErrInvalidConfig))
	}
	return err
}
