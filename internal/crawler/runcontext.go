package crawler

import (
	"sync/atomic"
	"time"
)

// RunContext carries immutable run identity plus the synchronized global
// product counter and deadline used by the stop thresholds.
type RunContext struct {
	RunID     string
	StartedAt time.Time
	Resume    bool
	DryRun    bool

	stopAfterProducts int64
	deadline          time.Time
	products          atomic.Int64
}

// NewRunContext builds the context for one run. stopAfterProducts and
// stopAfterMinutes of zero disable the respective thresholds.
func NewRunContext(runID string, startedAt time.Time, resume, dryRun bool, stopAfterProducts, stopAfterMinutes int) *RunContext {
	ctx := &RunContext{
		RunID:             runID,
		StartedAt:         startedAt,
		Resume:            resume,
		DryRun:            dryRun,
		stopAfterProducts: int64(stopAfterProducts),
	}
	if stopAfterMinutes > 0 {
		ctx.deadline = startedAt.Add(time.Duration(stopAfterMinutes) * time.Minute)
	}
	return ctx
}

// RegisterProduct counts one committed product and reports whether the
// global product count is now at or past the threshold.
func (r *RunContext) RegisterProduct() bool {
	total := r.products.Add(1)
	return r.stopAfterProducts > 0 && total >= r.stopAfterProducts
}

// ProductsCommitted returns the global committed-product count.
func (r *RunContext) ProductsCommitted() int {
	return int(r.products.Load())
}

// StopReached reports whether a global stop threshold holds.
func (r *RunContext) StopReached(now time.Time) bool {
	if r.stopAfterProducts > 0 && r.products.Load() >= r.stopAfterProducts {
		return true
	}
	if !r.deadline.IsZero() && now.After(r.deadline) {
		return true
	}
	return false
}
