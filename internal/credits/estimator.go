// ABOUTME: Pre-flight cost estimation for a turn's responding participants
// ABOUTME: One rounding policy throughout: ceiling for the estimate and for each share

package credits

import "log/slog"

// Estimator computes the credit cost of a turn before dispatch.
//
// Rounding policy: ceiling everywhere. The total estimate rounds the
// surcharged base up to a whole credit, and each per-participant share is
// ceil(estimate / n). The sum of shares can therefore exceed the estimate by
// at most n-1 credits; the estimate communicated to the sender is the floor
// of what they may be billed, never more than n-1 above the billed total.
type Estimator struct {
	unitCost     int64 // fixed cost per generated response
	surchargePct int   // percent added when content is flagged sensitive
	logger       *slog.Logger
}

// NewEstimator creates an estimator from the deployment's metering config.
func NewEstimator(unitCost int64, surchargePct int, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{
		unitCost:     unitCost,
		surchargePct: surchargePct,
		logger:       logger.With("component", "estimator"),
	}
}

// Estimate returns the total pre-flight cost for n responding participants.
func (e *Estimator) Estimate(participants int, sensitive bool) int64 {
	if participants <= 0 {
		return 0
	}
	base := int64(participants) * e.unitCost
	if !sensitive {
		return base
	}
	// Ceiling division on the surcharge
	return (base*int64(100+e.surchargePct) + 99) / 100
}

// Share returns the per-participant cost share: ceil(estimate / n).
func (e *Estimator) Share(estimate int64, participants int) int64 {
	if participants <= 0 {
		return 0
	}
	n := int64(participants)
	return (estimate + n - 1) / n
}
