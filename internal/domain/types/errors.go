package types

import "errors"

// Error kinds shared by the intake and its HTTP handler.
var (
	ErrInvalidImport = errors.New("invalid import")
	ErrBackpressure  = errors.New("import queue full")
	ErrNotStarted    = errors.New("service not started")
)
