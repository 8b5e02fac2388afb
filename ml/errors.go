package ml

import "errors"

var (
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrClassOutOfRange   = errors.New("class index out of range")
	ErrEmptyBatch        = errors.New("batch has no training vectors")
	ErrNotTrained        = errors.New("model not trained")
	ErrChunkOutOfRange   = errors.New("chunk index out of range")
	ErrChunkUntrained    = errors.New("chunk has not been trained")
	ErrNotConverged      = errors.New("solver did not converge")
	ErrNumeric           = errors.New("numeric failure")
	ErrPointMass         = errors.New("belief is a point mass")
)
