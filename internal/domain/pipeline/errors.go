package pipeline

import (
	"errors"
	"fmt"
)

// Sentinels matched by the typed errors below.
var (
	ErrPipelineFailed    = errors.New("pipeline failed")
	ErrPersistItemFailed = errors.New("pb upsert failed")
)

// PersistItemFailedError reports one document a bulk upsert dropped.
type PersistItemFailedError struct {
	ChartID string
	UserID  string
	Cause   error
}

func (e *PersistItemFailedError) Error() string {
	return fmt.Sprintf("upsert pb chart=%s user=%s: %v", e.ChartID, e.UserID, e.Cause)
}

func (e *PersistItemFailedError) Unwrap() error { return e.Cause }

// Is matches ErrPersistItemFailed.
func (e *PersistItemFailedError) Is(target error) bool { return target == ErrPersistItemFailed }

// PipelineFailedError is the only error Process returns. Documents already
// committed by the run stay committed.
type PipelineFailedError struct {
	Cause error
}

func (e *PipelineFailedError) Error() string {
	return fmt.Sprintf("pipeline failed: %v", e.Cause)
}

func (e *PipelineFailedError) Unwrap() error { return e.Cause }

// Is matches ErrPipelineFailed.
func (e *PipelineFailedError) Is(target error) bool { return target == ErrPipelineFailed }
