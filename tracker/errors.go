package tracker

import "github.com/pkg/errors"

// invariantf builds an unrecoverable model error. Callers must abort
// trace analysis when they see one - the table can no longer be
// trusted.
func invariantf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvariantViolation, format, args...)
}

// IsInvariantViolation reports whether err is (or wraps) a model
// invariant violation.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}
