package simulate

import "errors"

var (
	ErrInvalidConfig = errors.New("invalid simulation config")
	ErrNotSettled    = errors.New("charts did not settle before the timeout")
	ErrUnexpectedAck = errors.New("unexpected import acknowledgement")
)
