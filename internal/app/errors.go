package service

import "github.com/okian/pbengine/internal/domain/types"

// Sentinel kinds for service errors.
var (
	ErrNotStarted    = types.ErrNotStarted
	ErrInvalidImport = types.ErrInvalidImport
	ErrBackpressure  = types.ErrBackpressure
)
