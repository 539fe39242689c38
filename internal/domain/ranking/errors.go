package ranking

import (
	"errors"
	"fmt"
)

// ErrRecomputeFailed matches every RecomputeFailedError.
var ErrRecomputeFailed = errors.New("recompute failed")

// RecomputeFailedError reports a chart whose ranks could not be refreshed.
// The chart keeps its previous ranks until the next successful recompute.
type RecomputeFailedError struct {
	ChartID string
	Cause   error
}

func (e *RecomputeFailedError) Error() string {
	return fmt.Sprintf("recompute chart %s: %v", e.ChartID, e.Cause)
}

func (e *RecomputeFailedError) Unwrap() error { return e.Cause }

// Is matches ErrRecomputeFailed.
func (e *RecomputeFailedError) Is(target error) bool { return target == ErrRecomputeFailed }
