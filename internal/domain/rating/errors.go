package rating

import "errors"

// ErrMalformedMetrics is returned when score data cannot be rated.
var ErrMalformedMetrics = errors.New("malformed score metrics")
