package services

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Error kinds. Callers wrap them with a human readable reason:
//
//	fmt.Errorf("%w: part %s does not belong to order %s", ErrNotFound, partID, orderID)
//
// and test with errors.Is.
var (
	ErrNotFound           = errors.New("not_found")
	ErrValidation         = errors.New("validation_failed")
	ErrPreconditionFailed = errors.New("precondition_failed")
	ErrConflict           = errors.New("conflict")
	ErrIO                 = errors.New("io_failure")
)

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

func precondition(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrPreconditionFailed}, args...)...)
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConflict}, args...)...)
}

// ioFailure keeps the offending path and the underlying error in the chain.
func ioFailure(path string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, path, err)
}

// lookup turns gorm.ErrRecordNotFound into ErrNotFound with the given reason.
func lookup(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound(format, args...)
	}
	return err
}
