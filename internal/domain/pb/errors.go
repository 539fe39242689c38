package pb

import (
	"errors"
	"fmt"
)

// ErrBuildFailed matches every BuildFailedError.
var ErrBuildFailed = errors.New("pb build failed")

// BuildFailedError reports a (chart, user) pair whose PB could not be built.
type BuildFailedError struct {
	ChartID string
	UserID  string
	Cause   error
}

func (e *BuildFailedError) Error() string {
	return fmt.Sprintf("build pb chart=%s user=%s: %v", e.ChartID, e.UserID, e.Cause)
}

func (e *BuildFailedError) Unwrap() error { return e.Cause }

// Is matches ErrBuildFailed.
func (e *BuildFailedError) Is(target error) bool { return target == ErrBuildFailed }
