// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manifest

import (
	"errors"
	"fmt"
)

// ErrValidation is the sentinel all manifest validation failures wrap.
// Use errors.Is(err, ErrValidation) to distinguish bad input from I/O
// problems.
var ErrValidation = errors.New("manifest validation failed")

// ValidationError describes a single manifest defect.
//
// # Description
//
// Carries the offending field (a dotted path such as
// "services[ollama].depends_on") and a human-readable reason. Wraps
// ErrValidation so callers can match with errors.Is.
type ValidationError struct {
	// Field is the dotted path to the offending entry.
	Field string

	// Reason explains what is wrong.
	Reason string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("manifest validation failed: %s: %s", e.Field, e.Reason)
}

// Unwrap makes errors.Is(err, ErrValidation) true.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// validationErrorf builds a ValidationError with a formatted reason.
func validationErrorf(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
