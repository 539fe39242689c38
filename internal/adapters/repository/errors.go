package repository

import (
	"errors"
	"fmt"
)

// Sentinel kinds for store errors.
var (
	ErrNotFound     = errors.New("personal best not found")
	ErrInvalidLimit = errors.New("invalid list limit")
	// ErrConstraint marks a document that violates the (chart, user) identity.
	ErrConstraint = errors.New("identity constraint violated")
	// ErrUnavailable marks connection-level failures where the store cannot
	// be reached at all.
	ErrUnavailable = errors.New("store unavailable")
)

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// ValidateIdentity checks the identity fields of a document.
func ValidateIdentity(chartID, userID string) error {
	if chartID == "" || userID == "" {
		return fmt.Errorf("%w: chart=%q user=%q", ErrConstraint, chartID, userID)
	}
	return nil
}
