// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stream

import (
	"github.com/pkg/errors"
)

var (
	// ErrPrecondition is returned when a configuration invariant is violated before an operation that
	// assumes it: zero geometry fields, non-divisible matrix sizes, degenerate strip/window counts or
	// index width mismatches. It is always detected before any buffer is built.
	ErrPrecondition = errors.New("stream precondition failed")

	// ErrFormatMismatch is returned when decoding a produced stream doesn't consume exactly what was declared.
	ErrFormatMismatch = errors.New("stream format mismatch")
)

// Preconditionf returns an error that wraps ErrPrecondition with the formatted message.
func Preconditionf(format string, args ...any) error {
	return errors.Wrapf(ErrPrecondition, format, args...)
}

// FormatMismatchf returns an error that wraps ErrFormatMismatch with the formatted message.
func FormatMismatchf(format string, args ...any) error {
	return errors.Wrapf(ErrFormatMismatch, format, args...)
}
