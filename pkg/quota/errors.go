// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package quota

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	// ErrRateLimitExceeded is returned when a quota rule rejects a request.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrInvalidIdentifier is returned for an empty identifier.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrUnknownDimension is returned for a dimension with no rule slot.
	ErrUnknownDimension = errors.New("unknown quota dimension")
)

// RateLimitError carries the rejecting Result.
type RateLimitError struct {
	// Message is a human-readable error message.
	Message string

	// Result is the most restrictive result.
	Result *Result
}

func (e *RateLimitError) Error() string {
	return e.Message
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimitExceeded
}

// NewRateLimitError creates a RateLimitError from a rejected Result.
func NewRateLimitError(result *Result) *RateLimitError {
	message := "rate limit exceeded"
	if result != nil {
		message = fmt.Sprintf("rate limit exceeded for %s, retry after %ds", result.Dimension, result.RetryAfter)
	}
	return &RateLimitError{
		Message: message,
		Result:  result,
	}
}

// IsRateLimitError checks if an error is a rate limit error.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	return errors.Is(err, ErrRateLimitExceeded)
}

// GetRateLimitResult extracts the Result from a rate limit error.
// Returns nil if the error is not a RateLimitError.
func GetRateLimitResult(err error) *Result {
	if err == nil {
		return nil
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.Result
	}
	return nil
}

// ValidationError represents a rule validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}
