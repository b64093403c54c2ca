package shared

import "errors"

// ErrInvalidPeriod indicates a statement period that cannot be computed.
var ErrInvalidPeriod = errors.New("invalid statement period")
