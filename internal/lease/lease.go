// Package lease computes visibility timeouts for leased queue messages.
//
// A lease that expires mid-processing causes duplicate delivery and duplicate
// work; a lease far longer than processing delays recovery when a worker
// crashes. The calculator sizes the lease from the stage's observed p95
// processing time plus a safety margin, clamped to a floor and ceiling.
package lease

import (
	"math"
	"time"
)

// Bounds applied when the caller does not override them.
const (
	DefaultFloor   = 30 * time.Second
	DefaultCeiling = 300 * time.Second
)

// Calculator is a pure lease-duration function. The zero value is unusable;
// construct with New.
type Calculator struct {
	floor           time.Duration
	ceiling         time.Duration
	safetyMargin    float64
	defaultEstimate time.Duration
}

// New builds a Calculator. safetyMargin is multiplicative (1.0-2.0).
// defaultEstimate is the conservative per-stage fallback used when no
// observed processing time is available; it must never be the transport's
// maximum visibility timeout.
func New(safetyMargin float64, defaultEstimate time.Duration) Calculator {
	return Calculator{
		floor:           DefaultFloor,
		ceiling:         DefaultCeiling,
		safetyMargin:    safetyMargin,
		defaultEstimate: defaultEstimate,
	}
}

// WithBounds overrides the floor and ceiling.
func (c Calculator) WithBounds(floor, ceiling time.Duration) Calculator {
	c.floor = floor
	c.ceiling = ceiling
	return c
}

// Seconds returns the lease duration in whole seconds for the given
// processing-time estimate. A zero or negative estimate falls back to the
// configured stage default.
func (c Calculator) Seconds(estimate time.Duration) int32 {
	if estimate <= 0 {
		estimate = c.defaultEstimate
	}

	lease := time.Duration(float64(estimate) * c.safetyMargin)
	if lease < c.floor {
		lease = c.floor
	}
	if lease > c.ceiling {
		lease = c.ceiling
	}
	return int32(math.Ceil(lease.Seconds()))
}
